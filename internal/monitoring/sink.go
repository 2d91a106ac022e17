// Package monitoring delivers operational alerts from the publish core.
// Delivery is fire-and-forget: the pipeline never blocks on, or fails
// because of, a notification.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Severity levels for alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Sink receives alerts from the publish pipeline.
type Sink interface {
	// Alert sends one notification. Implementations must not block the
	// caller on delivery success and must swallow delivery failures.
	Alert(ctx context.Context, severity, message string, details map[string]any)
}

// alertPayload is the webhook wire format.
type alertPayload struct {
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WebhookSink posts alerts to a configured webhook URL. Delivery runs on a
// background goroutine so the pipeline never waits on the webhook.
type WebhookSink struct {
	url    string
	client *http.Client
	wg     sync.WaitGroup
}

// NewWebhookSink creates a WebhookSink. An empty URL yields a sink that
// only logs.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Alert(ctx context.Context, severity, message string, details map[string]any) {
	zap.L().Info("alert raised",
		zap.String("severity", severity),
		zap.String("message", message),
	)
	if s.url == "" {
		return
	}

	payload := alertPayload{
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}

	// Delivery must outlive the caller's context: an alert raised during a
	// cancelled publish is exactly the one that has to get out.
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.send(ctx, payload); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("severity", severity),
				zap.Error(err),
			)
		}
	}()
}

// Flush blocks until every dispatched alert has been attempted. Call before
// process exit so in-flight notifications are not dropped.
func (s *WebhookSink) Flush() {
	s.wg.Wait()
}

func (s *WebhookSink) send(ctx context.Context, payload alertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopSink discards all alerts. Used in tests and when alerting is not
// configured.
type NopSink struct{}

func (NopSink) Alert(ctx context.Context, severity, message string, details map[string]any) {}
