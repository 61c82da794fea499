/*
Package notify delivers messages through external providers.

PURPOSE:
  One NotificationChannel implementation per billing.Channel. The set of
  channels is closed: adding a medium means adding a billing.Channel
  constant and an implementation here, and registering it with the
  Dispatcher. Nothing else in the pipeline branches on the channel.

IMPLEMENTATIONS:
  - HTTPEmail:  Resend-style JSON API (email_http.go)
  - SMTPEmail:  plain SMTP via jordan-wright/email (email_smtp.go)
  - WhatsApp:   Twilio-style Messages API (whatsapp.go)

ERRORS:
  Every provider failure is a *DispatchError, which unwraps to
  billing.ErrDispatch. Callers turn it into a failed ledger record; it is
  never retried here.
*/
package notify

import (
	"context"
	"fmt"

	"github.com/clinicflow/billing-engine/billing"
)

// Content is the channel-neutral message. Email uses Subject/HTML/Text.
// WhatsApp uses TemplateID + Variables when TemplateID is set, Text otherwise.
type Content struct {
	Subject    string
	HTML       string
	Text       string
	TemplateID string
	Variables  map[string]string
}

// Result is what a provider returns for an accepted message.
type Result struct {
	ProviderMessageID string
}

// NotificationChannel sends one message to one recipient.
type NotificationChannel interface {
	Channel() billing.Channel
	Send(ctx context.Context, recipient string, content Content) (Result, error)
}

// DispatchError is a failed provider call.
type DispatchError struct {
	Channel         billing.Channel
	StatusCode      int // 0 when the request never got a response
	ProviderMessage string
	Err             error
}

func (e *DispatchError) Error() string {
	msg := e.ProviderMessage
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "provider returned no error message"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s dispatch failed (status %d): %s", e.Channel, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s dispatch failed: %s", e.Channel, msg)
}

func (e *DispatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{billing.ErrDispatch}
	}
	return []error{billing.ErrDispatch, e.Err}
}

func dispatchFailure(ch billing.Channel, status int, providerMsg string, err error) *DispatchError {
	return &DispatchError{Channel: ch, StatusCode: status, ProviderMessage: providerMsg, Err: err}
}
