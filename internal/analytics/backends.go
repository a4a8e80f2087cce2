package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// WebhookBackend posts events as JSON to an HTTP endpoint.
type WebhookBackend struct {
	url    string
	client *http.Client
}

// NewWebhookBackend constructs a WebhookBackend. A zero timeout defaults to five seconds.
func NewWebhookBackend(url string, timeout time.Duration) *WebhookBackend {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookBackend{url: url, client: &http.Client{Timeout: timeout}}
}

// Name implements Backend.
func (w *WebhookBackend) Name() string {
	return "webhook " + w.url
}

type webhookPayload struct {
	Event      string     `json:"event"`
	Properties Properties `json:"properties"`
}

// Submit implements Backend.
func (w *WebhookBackend) Submit(ctx context.Context, name string, props Properties, _ Actor) error {
	body, err := json.Marshal(webhookPayload{Event: name, Properties: props})
	if err != nil {
		return xerrors.Errorf("encode event %q: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return xerrors.Errorf("post event %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.Errorf("webhook responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// LogBackend writes events to a zap logger.
type LogBackend struct {
	logger *zap.Logger
}

// NewLogBackend constructs a LogBackend.
func NewLogBackend(logger *zap.Logger) *LogBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBackend{logger: logger}
}

// Name implements Backend.
func (l *LogBackend) Name() string {
	return "log"
}

// Submit implements Backend.
func (l *LogBackend) Submit(_ context.Context, name string, props Properties, _ Actor) error {
	l.logger.Info("analytics event", zap.String("event", name), zap.Any("properties", map[string]any(props)))
	return nil
}

// DefaultBackends returns a webhook backend per url, or a LogBackend when no url is configured.
func DefaultBackends(urls []string, timeout time.Duration, logger *zap.Logger) []Backend {
	if len(urls) == 0 {
		return []Backend{NewLogBackend(logger)}
	}
	backends := make([]Backend, 0, len(urls))
	for _, url := range urls {
		backends = append(backends, NewWebhookBackend(url, timeout))
	}
	return backends
}
