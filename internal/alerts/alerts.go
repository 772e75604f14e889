// Package alerts pushes operational events (failed fulfillments, audit
// write failures, reconciliation drift) to an external webhook so an
// operator sees them without tailing logs. Delivery is fire-and-forget:
// an alert failure must never affect the money path that raised it.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/seyidev/vtucore/internal/metrics"
)

// Event is a single operational alert.
type Event struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers alert events.
type Notifier interface {
	Notify(ctx context.Context, kind, message string, details map[string]any)
}

const deliveryTimeout = 10 * time.Second

// WebhookNotifier POSTs events as JSON to a configured URL. Delivery runs
// on its own goroutine with a detached context so a slow alert endpoint
// cannot block or cancel the caller.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier for the given URL.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, kind, message string, details map[string]any) {
	event := Event{
		Kind:      kind,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	go n.deliver(event)
}

func (n *WebhookNotifier) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alert marshal failed", "kind", event.Kind, "error", err)
		metrics.AlertsSentTotal.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		metrics.AlertsSentTotal.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("alert delivery failed", "kind", event.Kind, "error", err)
		metrics.AlertsSentTotal.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("alert endpoint returned error", "kind", event.Kind, "status", resp.StatusCode)
		metrics.AlertsSentTotal.WithLabelValues("rejected").Inc()
		return
	}
	metrics.AlertsSentTotal.WithLabelValues("ok").Inc()
}

// NopNotifier discards all events. Used when no alert URL is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, kind, message string, details map[string]any) {}
