package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// queueClient proxies the !queue command family to the dashboard's
// command queue endpoints.
type queueClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newQueueClient(baseURL, token string) *queueClient {
	return &queueClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (q *queueClient) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if env, ok := decoded["error"].(map[string]any); ok {
			return nil, fmt.Errorf("%v: %v", env["code"], env["message"])
		}
		return nil, fmt.Errorf("dashboard returned %d", resp.StatusCode)
	}
	return decoded, nil
}

func (q *queueClient) Add(ctx context.Context, session, host, command string) error {
	_, err := q.do(ctx, http.MethodPost, "/api/usage/queue", map[string]any{
		"session_name": session,
		"host":         host,
		"command":      command,
	})
	return err
}

func (q *queueClient) Execute(ctx context.Context) error {
	_, err := q.do(ctx, http.MethodPost, "/api/usage/queue/execute", nil)
	return err
}

// List renders the queue as chat-ready text.
func (q *queueClient) List(ctx context.Context) (string, error) {
	decoded, err := q.do(ctx, http.MethodGet, "/api/usage/queue", nil)
	if err != nil {
		return "", err
	}
	cmds, _ := decoded["commands"].([]any)
	if len(cmds) == 0 {
		return "The command queue is empty.", nil
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "Queued commands (%d):\n", len(cmds))
	for _, raw := range cmds {
		entry, _ := raw.(map[string]any)
		fmt.Fprintf(&b, "- `%v` on `%v`: `%v` (%v)\n",
			entry["session_name"], entry["host"], entry["command"], entry["status"])
	}
	return b.String(), nil
}
