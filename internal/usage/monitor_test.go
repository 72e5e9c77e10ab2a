package usage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type recordingSender struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (s *recordingSender) Send(_ context.Context, host, name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("send to %s failed", name)
	}
	s.calls = append(s.calls, host+"/"+name+": "+text)
	return nil
}

// fakeAnthropic returns rate-limit headers from a mutable counter.
func fakeAnthropic(t *testing.T, remaining *int64) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/count_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing api key header")
		}
		mu.Lock()
		rem := *remaining
		mu.Unlock()
		h := w.Header()
		h.Set("anthropic-ratelimit-requests-limit", "100")
		h.Set("anthropic-ratelimit-requests-remaining", fmt.Sprint(rem))
		h.Set("anthropic-ratelimit-requests-reset", "2026-01-01T00:05:00Z")
		h.Set("anthropic-ratelimit-tokens-limit", "50000")
		h.Set("anthropic-ratelimit-tokens-remaining", "40000")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"input_tokens":1}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drainTypes(ch <-chan bus.Event) []string {
	var out []string
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func i64(v int64) *int64 { return &v }

func TestParseAnthropicHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "50")
	h.Set("anthropic-ratelimit-requests-remaining", "11")
	h.Set("anthropic-ratelimit-input-tokens-remaining", "30000")
	h.Set("anthropic-ratelimit-output-tokens-remaining", "8000")
	h.Set("anthropic-ratelimit-tokens-reset", "2026-01-01T00:05:00Z")

	var s store.UsageSnapshot
	parseAnthropicHeaders(h, &s)
	if s.RequestsLimit == nil || *s.RequestsLimit != 50 {
		t.Errorf("requests limit = %v", s.RequestsLimit)
	}
	if s.RequestsRemaining == nil || *s.RequestsRemaining != 11 {
		t.Errorf("requests remaining = %v", s.RequestsRemaining)
	}
	if s.InputTokensRemaining == nil || *s.InputTokensRemaining != 30000 {
		t.Errorf("input tokens remaining = %v", s.InputTokensRemaining)
	}
	if s.OutputTokensRemain == nil || *s.OutputTokensRemain != 8000 {
		t.Errorf("output tokens remaining = %v", s.OutputTokensRemain)
	}
	if s.TokensRemaining != nil {
		t.Error("absent header parsed as value")
	}
	if s.TokensReset != "2026-01-01T00:05:00Z" {
		t.Errorf("tokens reset = %q", s.TokensReset)
	}
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "500")
	h.Set("x-ratelimit-remaining-requests", "499")
	h.Set("x-ratelimit-remaining-tokens", "89000")
	h.Set("x-ratelimit-reset-tokens", "6m0s")

	var s store.UsageSnapshot
	parseOpenAIHeaders(h, &s)
	if s.RequestsRemaining == nil || *s.RequestsRemaining != 499 {
		t.Errorf("requests remaining = %v", s.RequestsRemaining)
	}
	if s.TokensRemaining == nil || *s.TokensRemaining != 89000 {
		t.Errorf("tokens remaining = %v", s.TokensRemaining)
	}
	if s.TokensReset != "6m0s" {
		t.Errorf("tokens reset = %q", s.TokensReset)
	}
	if s.InputTokensRemaining != nil || s.OutputTokensRemain != nil {
		t.Error("openai has no per-direction token headers")
	}
}

func TestDetectLimitReached(t *testing.T) {
	snap := &store.UsageSnapshot{
		RequestsRemaining:    i64(0),
		InputTokensRemaining: i64(100),
		TokensRemaining:      i64(0),
	}
	got := DetectLimitReached(snap)
	if len(got) != 2 || got[0] != "requests" || got[1] != "tokens" {
		t.Errorf("limit kinds = %v", got)
	}
	if got := DetectLimitReached(&store.UsageSnapshot{}); got != nil {
		t.Errorf("empty snapshot detected %v", got)
	}
}

func TestDetectResets(t *testing.T) {
	prev := &store.UsageSnapshot{
		RequestsRemaining: i64(0),
		TokensRemaining:   i64(500),
	}
	cur := &store.UsageSnapshot{
		RequestsRemaining: i64(50),
		TokensRemaining:   i64(400), // consumed, not reset
	}
	got := DetectResets(prev, cur)
	if len(got) != 1 || got[0] != "requests" {
		t.Errorf("resets = %v", got)
	}

	// A counter missing on either side never counts as a reset.
	got = DetectResets(&store.UsageSnapshot{}, cur)
	if got != nil {
		t.Errorf("resets without prev counters = %v", got)
	}
}

func TestPollStoresSnapshotAndPublishes(t *testing.T) {
	db := newTestDB(t)
	b := bus.New()
	_, ch := b.Subscribe()

	remaining := int64(42)
	srv := fakeAnthropic(t, &remaining)
	m := NewMonitor(db, b, Options{Providers: []Provider{
		{Name: "anthropic", APIKey: "k", Model: "claude-3-5-haiku-20241022", BaseURL: srv.URL},
	}})

	m.Poll(context.Background())

	latest, err := db.LatestSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	snap := latest["anthropic"]
	if snap == nil {
		t.Fatal("no snapshot stored")
	}
	if snap.PollStatusCode != 200 {
		t.Errorf("status = %d", snap.PollStatusCode)
	}
	if snap.RequestsRemaining == nil || *snap.RequestsRemaining != 42 {
		t.Errorf("requests remaining = %v", snap.RequestsRemaining)
	}
	types := drainTypes(ch)
	if len(types) != 1 || types[0] != bus.EventUsageUpdated {
		t.Errorf("events = %v", types)
	}
}

func TestPollTransportFailureRecordsStatusZero(t *testing.T) {
	db := newTestDB(t)
	b := bus.New()
	m := NewMonitor(db, b, Options{Providers: []Provider{
		{Name: "anthropic", APIKey: "k", Model: "m", BaseURL: "http://127.0.0.1:1"},
	}})

	m.Poll(context.Background())

	latest, _ := db.LatestSnapshots()
	snap := latest["anthropic"]
	if snap == nil {
		t.Fatal("no snapshot stored")
	}
	if snap.PollStatusCode != 0 || snap.Error == "" {
		t.Errorf("failed poll stored as %+v", snap)
	}

	// A later successful poll must compare against the last snapshot
	// that reached the API, not against the failure.
	remaining := int64(10)
	srv := fakeAnthropic(t, &remaining)
	m.providers[0].BaseURL = srv.URL
	m.Poll(context.Background())
	if _, err := db.PreviousComparableSnapshot("anthropic"); err != nil {
		t.Fatalf("comparable snapshot missing: %v", err)
	}
}

func TestResetDrainsQueue(t *testing.T) {
	db := newTestDB(t)
	b := bus.New()
	_, ch := b.SubscribeBuffered(64)
	sender := &recordingSender{}

	remaining := int64(0)
	srv := fakeAnthropic(t, &remaining)
	m := NewMonitor(db, b, Options{
		Providers:    []Provider{{Name: "anthropic", APIKey: "k", Model: "m", BaseURL: srv.URL}},
		Sender:       sender,
		QueueEnabled: true,
	})

	queued, err := m.Enqueue("demo", "testhost", "retry", 0)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m.Poll(ctx) // exhausted: limit_reached, no drain
	if len(sender.calls) != 0 {
		t.Fatalf("queue drained while exhausted: %v", sender.calls)
	}

	remaining = 50
	m.Poll(ctx) // recovered: reset fires and the queue drains

	if len(sender.calls) != 1 || sender.calls[0] != "testhost/demo: retry" {
		t.Errorf("sends = %v", sender.calls)
	}
	cmds, _ := db.ListCommands("", 0)
	if len(cmds) != 1 || cmds[0].ID != queued.ID || cmds[0].Status != store.CmdCompleted {
		t.Errorf("queue state = %+v", cmds[0])
	}

	var sawReset, sawExecuted bool
	for _, typ := range drainTypes(ch) {
		switch typ {
		case bus.EventUsageReset:
			sawReset = true
		case bus.EventCommandExecuted:
			sawExecuted = true
		}
	}
	if !sawReset || !sawExecuted {
		t.Errorf("sawReset=%v sawExecuted=%v", sawReset, sawExecuted)
	}
}

func TestFailedSendMarksCommandFailed(t *testing.T) {
	db := newTestDB(t)
	b := bus.New()
	sender := &recordingSender{fail: true}
	m := NewMonitor(db, b, Options{Sender: sender, QueueEnabled: true})

	queued, err := m.Enqueue("demo", "testhost", "retry", 0)
	if err != nil {
		t.Fatal(err)
	}
	m.ExecutePending(context.Background())

	cmds, _ := db.ListCommands("", 0)
	if cmds[0].ID != queued.ID || cmds[0].Status != store.CmdFailed || cmds[0].Error == "" {
		t.Errorf("queue state = %+v", cmds[0])
	}
}

func TestExecutePendingHonorsPriority(t *testing.T) {
	db := newTestDB(t)
	b := bus.New()
	sender := &recordingSender{}
	m := NewMonitor(db, b, Options{Sender: sender, QueueEnabled: true})

	if _, err := m.Enqueue("demo", "h", "low", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue("demo", "h", "high", 5); err != nil {
		t.Fatal(err)
	}
	m.ExecutePending(context.Background())

	if len(sender.calls) != 2 || sender.calls[0] != "h/demo: high" || sender.calls[1] != "h/demo: low" {
		t.Errorf("order = %v", sender.calls)
	}
}
