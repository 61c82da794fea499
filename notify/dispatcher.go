package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/sirupsen/logrus"
)

const DefaultDispatchTimeout = 15 * time.Second

// Dispatcher routes a message to the implementation registered for its
// channel and bounds every provider call by Timeout.
type Dispatcher struct {
	channels map[billing.Channel]NotificationChannel
	Timeout  time.Duration
	Log      logrus.FieldLogger
}

func NewDispatcher(log logrus.FieldLogger, timeout time.Duration, channels ...NotificationChannel) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	d := &Dispatcher{
		channels: make(map[billing.Channel]NotificationChannel, len(channels)),
		Timeout:  timeout,
		Log:      log,
	}
	for _, ch := range channels {
		d.channels[ch.Channel()] = ch
	}
	return d
}

// Supports reports whether a channel has an implementation registered.
func (d *Dispatcher) Supports(ch billing.Channel) bool {
	_, ok := d.channels[ch]
	return ok
}

// Dispatch sends one message. Every failure, including a timeout or an
// unconfigured channel, is returned as a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, ch billing.Channel, recipient string, c Content) (Result, error) {
	impl, ok := d.channels[ch]
	if !ok {
		return Result{}, dispatchFailure(ch, 0, fmt.Sprintf("no provider configured for channel %q", ch), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	start := time.Now()
	res, err := impl.Send(ctx, recipient, c)
	if err != nil {
		var de *DispatchError
		if !errors.As(err, &de) {
			de = dispatchFailure(ch, 0, "", err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && de.ProviderMessage == "" {
			de.ProviderMessage = fmt.Sprintf("provider call timed out after %s", d.Timeout)
		}
		d.Log.WithFields(logrus.Fields{
			"channel":     ch,
			"status_code": de.StatusCode,
			"elapsed":     time.Since(start).String(),
		}).WithError(de).Warn("dispatch failed")
		return Result{}, de
	}

	d.Log.WithFields(logrus.Fields{
		"channel":             ch,
		"provider_message_id": res.ProviderMessageID,
		"elapsed":             time.Since(start).String(),
	}).Debug("dispatch accepted")
	return res, nil
}

// ===== CONVENIENCE SENDS =====

// SendEmail sends an HTML email.
func (d *Dispatcher) SendEmail(ctx context.Context, to, subject, html string) (Result, error) {
	return d.Dispatch(ctx, billing.ChannelEmail, to, Content{Subject: subject, HTML: html})
}

// SendTemplateMessage sends an approved WhatsApp template.
func (d *Dispatcher) SendTemplateMessage(ctx context.Context, to, templateID string, vars map[string]string) (Result, error) {
	return d.Dispatch(ctx, billing.ChannelWhatsApp, to, Content{TemplateID: templateID, Variables: vars})
}

// SendText sends free-form WhatsApp text. Outside the 24h session window
// the provider rejects it; use a template instead.
func (d *Dispatcher) SendText(ctx context.Context, to, body string) (Result, error) {
	return d.Dispatch(ctx, billing.ChannelWhatsApp, to, Content{Text: body})
}
