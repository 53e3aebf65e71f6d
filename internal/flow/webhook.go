package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultWebhookTimeout applies when neither the node nor the config sets one.
	DefaultWebhookTimeout = 10 * time.Second
	// MaxWebhookTimeout caps any configured timeout.
	MaxWebhookTimeout = 30 * time.Second

	maxWebhookBody = 1 << 20
)

// WebhookRequest is one outbound HTTP call made by a webhook node or an action.
type WebhookRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// WebhookResponse is the decoded reply. Body holds parsed JSON when the reply is JSON and the
// raw text otherwise.
type WebhookResponse struct {
	Status int `json:"status"`
	Body   any `json:"body"`
}

// StatusError is returned for replies outside the 2xx range.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d", e.Status)
}

// WebhookCaller performs bounded-timeout HTTP calls. It never retries.
type WebhookCaller struct {
	client *http.Client
}

// NewWebhookCaller creates a caller. A nil client uses a dedicated http.Client.
func NewWebhookCaller(client *http.Client) *WebhookCaller {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookCaller{client: client}
}

// clampTimeout applies the default and the upper bound.
func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultWebhookTimeout
	}
	if d > MaxWebhookTimeout {
		return MaxWebhookTimeout
	}
	return d
}

// Do sends the request. The response is returned alongside a *StatusError for non-2xx replies.
func (w *WebhookCaller) Do(ctx context.Context, r WebhookRequest) (*WebhookResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, clampTimeout(r.Timeout))
	defer cancel()

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	out := &WebhookResponse{Status: resp.StatusCode, Body: string(raw)}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		out.Body = parsed
	}
	slog.Debug("WebhookCaller.Do: response received", "method", method, "url", r.URL, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	return out, nil
}

// PostJSON posts payload encoded as JSON.
func (w *WebhookCaller) PostJSON(ctx context.Context, url string, payload any, timeout time.Duration) (*WebhookResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	return w.Do(ctx, WebhookRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    buf.String(),
		Timeout: timeout,
	})
}
