package janitor

import (
	"context"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

const slackTimeout = 10 * time.Second

func sendSlackNotification(webhookURL string, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), slackTimeout)
	defer cancel()

	client := &http.Client{Timeout: slackTimeout}
	return slack.PostWebhookCustomHTTPContext(ctx, webhookURL, client, &slack.WebhookMessage{
		Text: message,
	})
}
