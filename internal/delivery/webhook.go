// ABOUTME: Webhook publisher posting outbound messages to per-channel adapter URLs
// ABOUTME: Uses resty with a couple of retries; non-2xx responses are failures

package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook posts outbound messages as JSON to the URL configured for their channel.
type Webhook struct {
	client *resty.Client
	urls   map[string]string // channel -> url
}

// NewWebhook creates a webhook publisher. Channels without a URL are skipped.
func NewWebhook(urls map[string]string, secret string, timeout time.Duration) *Webhook {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")
	if secret != "" {
		client.SetHeader("X-Handoff-Secret", secret)
	}
	return &Webhook{client: client, urls: urls}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Publish(ctx context.Context, out *Outbound) error {
	url, ok := w.urls[out.Channel]
	if !ok || url == "" {
		return nil
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(out).
		Post(url)
	if err != nil {
		return fmt.Errorf("posting to %s webhook: %w", out.Channel, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s webhook returned %s", out.Channel, resp.Status())
	}
	return nil
}

func (w *Webhook) Close() error { return nil }

var _ Publisher = (*Webhook)(nil)
