// Package webhook mirrors gateway audit events to an external consumer.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"whagate/internal/domain"
)

// Client POSTs events to a configured URL with bounded retry. An empty URL
// disables publishing.
type Client struct {
	url        string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	httpClient *http.Client
}

func NewClient(url string, timeout time.Duration, maxRetries int, retryBase, retryMax time.Duration) *Client {
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}
	return &Client{
		url:        url,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryMax:   retryMax,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Publish delivers one event, retrying transient failures with exponential
// backoff up to the retry budget.
func (c *Client) Publish(ctx context.Context, event domain.Event) error {
	if c.url == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	delay := c.retryBase
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > c.retryMax {
				delay = c.retryMax
			}
		}
		lastErr = c.post(ctx, event, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("publish event %s: %w", event.ID, lastErr)
}

func (c *Client) post(ctx context.Context, event domain.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
