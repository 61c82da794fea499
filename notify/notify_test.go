package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HTTP EMAIL
// =============================================================================

func TestHTTPEmail_Send(t *testing.T) {
	var got emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"email-42"}`))
	}))
	defer srv.Close()

	e := NewHTTPEmail(srv.URL+"/", "re_test", "Clinica <no-reply@clinic.test>")
	res, err := e.Send(context.Background(), "ana@example.com", Content{Subject: "Cuota", HTML: "<p>hola</p>"})
	require.NoError(t, err)

	assert.Equal(t, "email-42", res.ProviderMessageID)
	assert.Equal(t, []string{"ana@example.com"}, got.To)
	assert.Equal(t, "Cuota", got.Subject)
	assert.Equal(t, "<p>hola</p>", got.HTML)
	assert.Equal(t, "Clinica <no-reply@clinic.test>", got.From)
}

func TestHTTPEmail_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from address"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPEmail(srv.URL, "k", "bad").Send(context.Background(), "ana@example.com", Content{Subject: "s"})

	require.ErrorIs(t, err, billing.ErrDispatch)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusUnprocessableEntity, de.StatusCode)
	assert.Equal(t, "invalid from address", de.ProviderMessage)
	assert.Contains(t, err.Error(), "invalid from address")
}

func TestHTTPEmail_SuccessWithoutIDIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPEmail(srv.URL, "k", "f").Send(context.Background(), "ana@example.com", Content{})
	assert.ErrorIs(t, err, billing.ErrDispatch)
}

func TestHTTPEmail_EmptyErrorBodyStillHasMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPEmail(srv.URL, "k", "f").Send(context.Background(), "ana@example.com", Content{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider returned no error message")
}

// =============================================================================
// WHATSAPP
// =============================================================================

func TestWhatsApp_SendTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "whatsapp:+56911112222", r.PostForm.Get("To"))
		assert.Equal(t, "whatsapp:+14155238886", r.PostForm.Get("From"))
		assert.Equal(t, "HX-due", r.PostForm.Get("ContentSid"))
		assert.JSONEq(t, `{"1":"Ana","2":"300000"}`, r.PostForm.Get("ContentVariables"))
		assert.Empty(t, r.PostForm.Get("Body"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	wa := NewWhatsApp(srv.URL, "AC123", "secret", "+14155238886")
	res, err := wa.Send(context.Background(), "+56911112222", Content{
		TemplateID: "HX-due",
		Variables:  map[string]string{"1": "Ana", "2": "300000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SM1", res.ProviderMessageID)
}

func TestWhatsApp_SendBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "whatsapp:+56911112222", r.PostForm.Get("To"))
		assert.Equal(t, "Hola Ana", r.PostForm.Get("Body"))
		assert.Empty(t, r.PostForm.Get("ContentSid"))
		_, _ = w.Write([]byte(`{"sid":"SM2"}`))
	}))
	defer srv.Close()

	wa := NewWhatsApp(srv.URL, "AC123", "secret", "whatsapp:+14155238886")
	res, err := wa.Send(context.Background(), "whatsapp:+56911112222", Content{Text: "Hola Ana"})
	require.NoError(t, err)
	assert.Equal(t, "SM2", res.ProviderMessageID)
}

func TestWhatsApp_ProviderErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"The 'To' number is not a valid phone number.","code":21211}`))
	}))
	defer srv.Close()

	_, err := NewWhatsApp(srv.URL, "AC123", "secret", "+1").Send(context.Background(), "123", Content{Text: "x"})

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadRequest, de.StatusCode)
	assert.Equal(t, "The 'To' number is not a valid phone number. (code 21211)", de.ProviderMessage)
}

func TestWhatsApp_EmptyContentNeverCallsProvider(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	_, err := NewWhatsApp(srv.URL, "AC123", "secret", "+1").Send(context.Background(), "+56911112222", Content{})
	assert.ErrorIs(t, err, billing.ErrDispatch)
	assert.False(t, called)
}

func TestWhatsAppAddress(t *testing.T) {
	assert.Equal(t, "whatsapp:+569", WhatsAppAddress(" +569 "))
	assert.Equal(t, "whatsapp:+569", WhatsAppAddress("whatsapp:+569"))
}

// =============================================================================
// SMTP
// =============================================================================

func TestSMTPEmail_Send(t *testing.T) {
	s := NewSMTPEmail("smtp.example.com", "587", "user", "pass", "no-reply@clinic.test")
	var (
		gotAddr string
		gotAuth smtp.Auth
		gotMail *email.Email
	)
	s.send = func(e *email.Email, addr string, auth smtp.Auth) error {
		gotMail, gotAddr, gotAuth = e, addr, auth
		return nil
	}

	res, err := s.Send(context.Background(), "ana@example.com", Content{Subject: "Cuota", HTML: "<b>hola</b>"})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, []string{"ana@example.com"}, gotMail.To)
	assert.Equal(t, "<b>hola</b>", string(gotMail.HTML))
	assert.Equal(t, res.ProviderMessageID, gotMail.Headers.Get("Message-Id"))
	assert.Contains(t, res.ProviderMessageID, "@smtp.example.com>")
}

func TestSMTPEmail_Failure(t *testing.T) {
	s := NewSMTPEmail("smtp.example.com", "25", "", "", "no-reply@clinic.test")
	s.send = func(*email.Email, string, smtp.Auth) error { return errors.New("535 authentication failed") }

	_, err := s.Send(context.Background(), "ana@example.com", Content{Subject: "s", Text: "t"})
	require.ErrorIs(t, err, billing.ErrDispatch)
	assert.Contains(t, err.Error(), "535 authentication failed")
}

// =============================================================================
// DISPATCHER
// =============================================================================

type blockingChannel struct{ ch billing.Channel }

func (b blockingChannel) Channel() billing.Channel { return b.ch }

func (b blockingChannel) Send(ctx context.Context, _ string, _ Content) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

type fixedChannel struct {
	ch  billing.Channel
	err error
}

func (f fixedChannel) Channel() billing.Channel { return f.ch }

func (f fixedChannel) Send(context.Context, string, Content) (Result, error) {
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{ProviderMessageID: "fixed-1"}, nil
}

func TestDispatcher_RoutesByChannel(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := NewDispatcher(log, time.Second, fixedChannel{ch: billing.ChannelEmail})

	assert.True(t, d.Supports(billing.ChannelEmail))
	assert.False(t, d.Supports(billing.ChannelWhatsApp))

	res, err := d.Dispatch(context.Background(), billing.ChannelEmail, "ana@example.com", Content{})
	require.NoError(t, err)
	assert.Equal(t, "fixed-1", res.ProviderMessageID)
}

func TestDispatcher_UnconfiguredChannel(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := NewDispatcher(log, time.Second)

	_, err := d.Dispatch(context.Background(), billing.ChannelWhatsApp, "+569", Content{Text: "x"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.ProviderMessage, "no provider configured")
}

func TestDispatcher_TimeoutBecomesDispatchError(t *testing.T) {
	// GIVEN: A provider that never answers
	// WHEN: Dispatching with a 20ms timeout
	// THEN: A DispatchError naming the timeout, and a warning is logged

	log, hook := test.NewNullLogger()
	d := NewDispatcher(log, 20*time.Millisecond, blockingChannel{ch: billing.ChannelEmail})

	_, err := d.Dispatch(context.Background(), billing.ChannelEmail, "ana@example.com", Content{})

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, de.ProviderMessage, "timed out")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "dispatch failed", hook.LastEntry().Message)
}

func TestDispatcher_WrapsPlainErrors(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := NewDispatcher(log, time.Second, fixedChannel{ch: billing.ChannelEmail, err: errors.New("boom")})

	_, err := d.Dispatch(context.Background(), billing.ChannelEmail, "ana@example.com", Content{})
	assert.ErrorIs(t, err, billing.ErrDispatch)
	assert.Contains(t, err.Error(), "boom")
}

type recordingChannel struct {
	ch   billing.Channel
	got  *[]Content
	sent *[]string
}

func (r recordingChannel) Channel() billing.Channel { return r.ch }

func (r recordingChannel) Send(_ context.Context, to string, c Content) (Result, error) {
	*r.got = append(*r.got, c)
	*r.sent = append(*r.sent, to)
	return Result{ProviderMessageID: string(r.ch)}, nil
}

func TestDispatcher_ConvenienceSends(t *testing.T) {
	log, _ := test.NewNullLogger()
	var got []Content
	var to []string
	d := NewDispatcher(log, time.Second,
		recordingChannel{ch: billing.ChannelEmail, got: &got, sent: &to},
		recordingChannel{ch: billing.ChannelWhatsApp, got: &got, sent: &to},
	)
	ctx := context.Background()

	res, err := d.SendEmail(ctx, "ana@example.com", "Cuota", "<p>hola</p>")
	require.NoError(t, err)
	assert.Equal(t, "email", res.ProviderMessageID)

	res, err = d.SendTemplateMessage(ctx, "+56911112222", "HX1", map[string]string{"1": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", res.ProviderMessageID)

	_, err = d.SendText(ctx, "+56911112222", "hola")
	require.NoError(t, err)

	assert.Equal(t, []string{"ana@example.com", "+56911112222", "+56911112222"}, to)
	assert.Equal(t, []Content{
		{Subject: "Cuota", HTML: "<p>hola</p>"},
		{TemplateID: "HX1", Variables: map[string]string{"1": "Ana"}},
		{Text: "hola"},
	}, got)
}
