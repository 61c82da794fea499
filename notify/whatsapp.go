package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/clinicflow/billing-engine/billing"
)

const DefaultTwilioURL = "https://api.twilio.com"

// WhatsApp sends messages through a Twilio-style Messages API:
//
//	POST {BaseURL}/2010-04-01/Accounts/{AccountSID}/Messages.json
//	basic auth AccountSID:AuthToken, form-encoded
//	To=whatsapp:+..., From=whatsapp:+..., ContentSid + ContentVariables | Body
//
// A 2xx response carries {"sid": ...}; errors carry {"message", "code"}.
type WhatsApp struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Client     *http.Client
}

func NewWhatsApp(baseURL, accountSID, authToken, from string) *WhatsApp {
	if baseURL == "" {
		baseURL = DefaultTwilioURL
	}
	return &WhatsApp{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AccountSID: accountSID,
		AuthToken:  authToken,
		From:       from,
		Client:     &http.Client{},
	}
}

func (w *WhatsApp) Channel() billing.Channel { return billing.ChannelWhatsApp }

type whatsAppResponse struct {
	SID     string `json:"sid"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WhatsAppAddress prefixes a phone number with "whatsapp:" unless present.
func WhatsAppAddress(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}

func (w *WhatsApp) Send(ctx context.Context, recipient string, c Content) (Result, error) {
	form := url.Values{}
	form.Set("To", WhatsAppAddress(recipient))
	form.Set("From", WhatsAppAddress(w.From))

	switch {
	case c.TemplateID != "":
		form.Set("ContentSid", c.TemplateID)
		if len(c.Variables) > 0 {
			vars, err := json.Marshal(c.Variables)
			if err != nil {
				return Result{}, dispatchFailure(billing.ChannelWhatsApp, 0, "", fmt.Errorf("failed to encode content variables: %w", err))
			}
			form.Set("ContentVariables", string(vars))
		}
	case c.Text != "":
		form.Set("Body", c.Text)
	default:
		return Result{}, dispatchFailure(billing.ChannelWhatsApp, 0, "message has neither a template nor a body", nil)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", w.BaseURL, url.PathEscape(w.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, dispatchFailure(billing.ChannelWhatsApp, 0, "", err)
	}
	req.SetBasicAuth(w.AccountSID, w.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.Client.Do(req)
	if err != nil {
		return Result{}, dispatchFailure(billing.ChannelWhatsApp, 0, "", err)
	}
	defer resp.Body.Close()

	var out whatsAppResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg != "" && out.Code != 0 {
			msg = fmt.Sprintf("%s (code %d)", msg, out.Code)
		}
		return Result{}, dispatchFailure(billing.ChannelWhatsApp, resp.StatusCode, msg, nil)
	}
	if out.SID == "" {
		return Result{}, dispatchFailure(billing.ChannelWhatsApp, resp.StatusCode, "provider response has no message sid", nil)
	}
	return Result{ProviderMessageID: out.SID}, nil
}
