package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookConfig describes the webhook target.
type WebhookConfig struct {
	URL       string
	Headers   map[string]string
	UserAgent string
}

// Webhook posts each event as JSON to an HTTP endpoint.
type Webhook struct {
	cfg    WebhookConfig
	client *resty.Client
}

// NewWebhook constructs a webhook listener. A nil client gets a default
// one with a 10 second timeout.
func NewWebhook(cfg WebhookConfig, client *resty.Client) (*Webhook, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("webhook requires a url")
	}
	if client == nil {
		client = resty.New().SetTimeout(10 * time.Second)
	}
	return &Webhook{cfg: cfg, client: client}, nil
}

func (w *Webhook) Name() string { return "webhook" }

// Handle sends a POST request containing the event.
func (w *Webhook) Handle(ctx context.Context, e Event) error {
	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(e)

	if ua := strings.TrimSpace(w.cfg.UserAgent); ua != "" {
		req.SetHeader("User-Agent", ua)
	}
	for k, v := range w.cfg.Headers {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		req.SetHeader(k, v)
	}

	resp, err := req.Post(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode(), strings.TrimSpace(body))
	}
	return nil
}
