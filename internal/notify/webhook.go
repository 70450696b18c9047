package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pensionops/rebalancer/internal/model"
)

// WebhookSink posts a chat message to an incoming-webhook URL
// (Slack-compatible {"text": ...} body).
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetHeader("Content-Type", "application/json")

	return &WebhookSink{client: client, url: url}
}

func (s *WebhookSink) Notify(ctx context.Context, event model.BatchFinalized) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": Text(event)}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook notify: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook notify: status %d", resp.StatusCode())
	}
	return nil
}
