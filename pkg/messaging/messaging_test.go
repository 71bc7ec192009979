package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestHTTPMailerSend(t *testing.T) {
	var got mailPayload
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewHTTPMailer(MailConfig{Endpoint: srv.URL, APIKey: "k1", From: "crm@example.com"}, quietLogger())
	err := m.Send(context.Background(), "ops@acme.test", "Hello", "Body")

	require.NoError(t, err)
	assert.Equal(t, "Bearer k1", auth)
	assert.NotEmpty(t, idem)
	assert.Equal(t, []string{"ops@acme.test"}, got.To)
	assert.Equal(t, "crm@example.com", got.From)
	assert.Equal(t, "Hello", got.Subject)
}

func TestHTTPMailerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad address", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	m := NewHTTPMailer(MailConfig{Endpoint: srv.URL}, quietLogger())
	err := m.Send(context.Background(), "x@y.z", "s", "b")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.False(t, IsTransient(err))
}

func TestTwilioWhatsAppSend(t *testing.T) {
	var path, to, from, body, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseForm())
		to, from, body = r.PostForm.Get("To"), r.PostForm.Get("From"), r.PostForm.Get("Body")
		user, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := NewTwilioWhatsApp(TwilioConfig{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "tok", From: "+15550001"}, quietLogger())
	err := w.Send(context.Background(), "+351900000000", "Hi there")

	require.NoError(t, err)
	assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", path)
	assert.Equal(t, "whatsapp:+351900000000", to)
	assert.Equal(t, "whatsapp:+15550001", from)
	assert.Equal(t, "Hi there", body)
	assert.Equal(t, "AC1", user)
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewResilience("mail-test", ResilienceConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, quietLogger())
	m := &ResilientMailer{Next: NewHTTPMailer(MailConfig{Endpoint: srv.URL}, quietLogger()), R: r}

	require.NoError(t, m.Send(context.Background(), "a@b.c", "s", "b"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestResilientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := NewResilience("chat-test", ResilienceConfig{Attempts: 3, BaseDelay: time.Millisecond}, quietLogger())
	c := &ResilientChat{Next: NewTwilioWhatsApp(TwilioConfig{BaseURL: srv.URL, AccountSID: "AC1"}, quietLogger()), R: r}

	err := c.Send(context.Background(), "+1", "hi")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.True(t, IsTransient(&StatusError{Code: 429}))
	assert.False(t, IsTransient(&StatusError{Code: 404}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestLogSenders(t *testing.T) {
	assert.NoError(t, LogMailer{Logger: quietLogger()}.Send(context.Background(), "a@b.c", "s", "b"))
	assert.NoError(t, LogChat{Logger: quietLogger()}.Send(context.Background(), "+1", "hi"))
}
