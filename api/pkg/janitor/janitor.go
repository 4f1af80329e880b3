package janitor

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/helixml/deskpool/api/pkg/system"
)

type JanitorOptions struct {
	SentryDSN       string
	SlackWebhookURL string
	// Hostname identifies this manager in notifications
	Hostname string
}

type Janitor struct {
	Options JanitorOptions
}

func NewJanitor(opts JanitorOptions) *Janitor {
	return &Janitor{
		Options: opts,
	}
}

func (j *Janitor) Initialize() error {
	if j.Options.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              j.Options.SentryDSN,
		ServerName:       j.Options.Hostname,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	system.SetHTTPErrorHandler(func(err *system.HTTPError, req *http.Request) {
		// capacity and not-found replies are normal traffic
		if err.StatusCode < http.StatusInternalServerError || err.StatusCode == http.StatusServiceUnavailable {
			return
		}
		hub := sentry.GetHubFromContext(req.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureException(err)
	})
	return nil
}

// allows the janitor to attach middleware to the router
// before all the routes
func (j *Janitor) InjectMiddleware(router *mux.Router) error {
	if j.Options.SentryDSN != "" {
		router.Use(SentryMiddleware)
	}
	return nil
}

// ReportStartFailure forwards a failed instance start to Sentry and Slack
// when they are configured
func (j *Janitor) ReportStartFailure(sessionID string, err error) {
	if err == nil {
		return
	}
	if j.Options.SentryDSN != "" {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("session_id", sessionID)
			sentry.CaptureException(err)
		})
	}
	message := fmt.Sprintf("🛑 instance %s failed to start on %s: %s", sessionID, j.hostname(), err)
	if sendErr := j.SendMessage(message); sendErr != nil {
		log.Warn().Err(sendErr).Msg("failed to send slack notification")
	}
}

// ReportCapacityExhausted notifies Slack that a session was turned away
func (j *Janitor) ReportCapacityExhausted(active, capacity int) {
	message := fmt.Sprintf("⚠️ %s is full: %d of %d instances running", j.hostname(), active, capacity)
	if err := j.SendMessage(message); err != nil {
		log.Warn().Err(err).Msg("failed to send slack notification")
	}
}

func (j *Janitor) SendMessage(message string) error {
	if j.Options.SlackWebhookURL == "" || message == "" {
		return nil
	}
	return sendSlackNotification(j.Options.SlackWebhookURL, message)
}

func (j *Janitor) hostname() string {
	if j.Options.Hostname == "" {
		return "deskpool"
	}
	return j.Options.Hostname
}

func SentryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
			r = r.WithContext(sentry.SetHubOnContext(r.Context(), hub))
		}

		defer func() {
			if err := recover(); err != nil {
				if errors.Is(asError(err), http.ErrAbortHandler) {
					panic(err)
				}
				hub.Recover(err)
				log.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("recovered from panic in handler")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}
