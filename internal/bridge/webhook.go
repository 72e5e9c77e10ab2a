package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookClient posts bridge events to the dashboard. Emissions are
// fire-and-forget: a dead dashboard never blocks a bridge.
type WebhookClient struct {
	baseURL string
	http    *http.Client
}

// NewWebhookClient builds a client against the dashboard base URL.
func NewWebhookClient(baseURL string) *WebhookClient {
	return &WebhookClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Emit posts one event. Failures are logged at debug level only; the
// sync worker repairs anything the webhook path misses.
func (w *WebhookClient) Emit(ctx context.Context, eventType, session string, fields map[string]any) {
	body := map[string]any{
		"type":         eventType,
		"session_name": session,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.baseURL+"/api/hooks/event", bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		slog.Debug("webhook emit failed", "type", eventType, "error", err)
		return
	}
	resp.Body.Close()
}
