package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clinicflow/billing-engine/billing"
)

// HTTPEmail sends email through a Resend-style API:
//
//	POST {BaseURL}/emails
//	Authorization: Bearer {APIKey}
//	{"from": ..., "to": [...], "subject": ..., "html": ...}
//
// A 2xx response carries {"id": ...}; errors carry {"message": ...}.
type HTTPEmail struct {
	BaseURL string
	APIKey  string
	From    string
	Client  *http.Client
}

func NewHTTPEmail(baseURL, apiKey, from string) *HTTPEmail {
	return &HTTPEmail{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		From:    from,
		Client:  &http.Client{},
	}
}

func (e *HTTPEmail) Channel() billing.Channel { return billing.ChannelEmail }

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type emailResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e *HTTPEmail) Send(ctx context.Context, recipient string, c Content) (Result, error) {
	body, err := json.Marshal(emailRequest{
		From:    e.From,
		To:      []string{recipient},
		Subject: c.Subject,
		HTML:    c.HTML,
		Text:    c.Text,
	})
	if err != nil {
		return Result{}, dispatchFailure(billing.ChannelEmail, 0, "", fmt.Errorf("failed to encode email: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return Result{}, dispatchFailure(billing.ChannelEmail, 0, "", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return Result{}, dispatchFailure(billing.ChannelEmail, 0, "", err)
	}
	defer resp.Body.Close()

	var out emailResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, dispatchFailure(billing.ChannelEmail, resp.StatusCode, out.Message, nil)
	}
	if out.ID == "" {
		return Result{}, dispatchFailure(billing.ChannelEmail, resp.StatusCode, "provider response has no message id", nil)
	}
	return Result{ProviderMessageID: out.ID}, nil
}
