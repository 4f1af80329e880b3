package janitor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_Disabled(t *testing.T) {
	j := NewJanitor(JanitorOptions{})
	require.NoError(t, j.Initialize())

	router := mux.NewRouter()
	require.NoError(t, j.InjectMiddleware(router))

	// no webhook configured, nothing to send
	assert.NoError(t, j.SendMessage("hello"))
	j.ReportStartFailure("s1", errors.New("readiness timeout"))
}

func TestJanitor_SlackNotification(t *testing.T) {
	received := make(chan slack.WebhookMessage, 1)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg slack.WebhookMessage
		_ = json.Unmarshal(body, &msg)
		received <- msg
		_, _ = w.Write([]byte("ok"))
	}))
	defer webhook.Close()

	j := NewJanitor(JanitorOptions{SlackWebhookURL: webhook.URL, Hostname: "desk-1"})
	j.ReportCapacityExhausted(50, 50)

	msg := <-received
	assert.Contains(t, msg.Text, "desk-1 is full: 50 of 50")
}

func TestSendSlackNotification_Rejected(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer webhook.Close()

	err := sendSlackNotification(webhook.URL, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSentryMiddleware_RecoversPanic(t *testing.T) {
	handler := SentryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
