package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/google/uuid"
	"github.com/jordan-wright/email"
)

// SMTPEmail sends email over SMTP. The provider returns no id, so the
// Message-Id header is generated here and reported as the provider id.
type SMTPEmail struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// send is swapped in tests.
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewSMTPEmail(host, port, username, password, from string) *SMTPEmail {
	return &SMTPEmail{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		send:     func(e *email.Email, addr string, auth smtp.Auth) error { return e.Send(addr, auth) },
	}
}

func (s *SMTPEmail) Channel() billing.Channel { return billing.ChannelEmail }

func (s *SMTPEmail) Send(ctx context.Context, recipient string, c Content) (Result, error) {
	e := email.NewEmail()
	e.From = s.From
	e.To = []string{recipient}
	e.Subject = c.Subject
	if c.HTML != "" {
		e.HTML = []byte(c.HTML)
	}
	if c.Text != "" {
		e.Text = []byte(c.Text)
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.Host)
	e.Headers.Set("Message-Id", id)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)

	// net/smtp takes no context; the send keeps running in the background if
	// the deadline fires first, but the attempt is reported as failed.
	done := make(chan error, 1)
	go func() { done <- s.send(e, addr, auth) }()

	select {
	case err := <-done:
		if err != nil {
			return Result{}, dispatchFailure(billing.ChannelEmail, 0, "", fmt.Errorf("failed to send email: %w", err))
		}
		return Result{ProviderMessageID: id}, nil
	case <-ctx.Done():
		return Result{}, dispatchFailure(billing.ChannelEmail, 0, "", ctx.Err())
	}
}
