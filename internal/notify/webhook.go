package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookOptions configures the signed JSON webhook transport.
type WebhookOptions struct {
	Secret    string
	Timeout   time.Duration
	RateLimit float64 // requests per second across all webhook contacts
	Burst     int
}

// WebhookChannel POSTs signed JSON to a contact's URL. It stands in for
// pager, Teams and similar integrations.
type WebhookChannel struct {
	client  *http.Client
	secret  string
	limiter *rate.Limiter
}

func NewWebhookChannel(opts WebhookOptions) *WebhookChannel {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &WebhookChannel{
		client:  &http.Client{Timeout: opts.Timeout},
		secret:  opts.Secret,
		limiter: rate.NewLimiter(limit, opts.Burst),
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, c Contact, m Message) error {
	secret := c.Secret
	if secret == "" {
		secret = w.secret
	}
	if secret == "" {
		return Permanent(fmt.Errorf("webhook contact %q has no signing secret", c.Name))
	}
	if c.Address == "" {
		return Permanent(fmt.Errorf("webhook contact %q has no url", c.Name))
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return Permanent(fmt.Errorf("encode webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Address, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, secret))
	req.Header.Set("X-Critvals-Alert", m.AlertID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
