package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreateSession(t *testing.T, db *DB, name, host string) {
	t.Helper()
	if err := db.CreateSession(&Session{Name: name, Host: host}); err != nil {
		t.Fatalf("create session %s: %v", name, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "demo", "testhost")

	s, err := db.GetSession("demo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != StatusActive {
		t.Errorf("status = %q, want active", s.Status)
	}
	if s.AgentType != "unknown" {
		t.Errorf("agent_type = %q, want unknown", s.AgentType)
	}

	if err := db.UpdateSessionFields("demo", map[string]any{"host": "other", "status": StatusIdle}); err != nil {
		t.Fatalf("update: %v", err)
	}
	s, _ = db.GetSession("demo")
	if s.Host != "other" || s.Status != StatusIdle {
		t.Errorf("after update: host=%q status=%q", s.Host, s.Status)
	}

	if err := db.CloseSession("demo"); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, _ = db.GetSession("demo")
	if s.Status != StatusClosed || s.ClosedAt == "" {
		t.Errorf("after close: status=%q closed_at=%q", s.Status, s.ClosedAt)
	}

	if err := db.DeleteSession("demo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetSession("demo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionRejectsUnknownColumn(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "demo", "h")
	err := db.UpdateSessionFields("demo", map[string]any{"name": "evil"})
	if err == nil {
		t.Fatal("expected error for disallowed column")
	}
}

func TestListSessionsFilterAndSort(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "alpha", "h1")
	mustCreateSession(t, db, "beta", "h2")
	mustCreateSession(t, db, "beta-two", "h2")
	if err := db.CloseSession("beta"); err != nil {
		t.Fatal(err)
	}

	got, total, err := db.ListSessions(SessionFilter{Status: StatusActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Errorf("active: total=%d len=%d, want 2/2", total, len(got))
	}

	got, _, err = db.ListSessions(SessionFilter{Name: "beta", Sort: "name"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Name != "beta" || got[1].Name != "beta-two" {
		names := make([]string, len(got))
		for i, s := range got {
			names[i] = s.Name
		}
		t.Errorf("substring filter: %v", names)
	}

	// Hostile sort field falls back to the default instead of reaching SQL.
	if _, _, err := db.ListSessions(SessionFilter{Sort: "name; DROP TABLE sessions"}); err != nil {
		t.Errorf("hostile sort errored: %v", err)
	}
	if _, err := db.GetSession("alpha"); err != nil {
		t.Errorf("sessions table gone: %v", err)
	}
}

func TestSessionCounts(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "alpha", "h1")
	mustCreateSession(t, db, "beta", "h2")
	mustCreateSession(t, db, "gamma", "h2")
	if err := db.CloseSession("gamma"); err != nil {
		t.Fatal(err)
	}

	byStatus, err := db.SessionCountsByStatus()
	if err != nil {
		t.Fatalf("counts by status: %v", err)
	}
	if byStatus[StatusActive] != 2 || byStatus[StatusClosed] != 1 {
		t.Errorf("by status = %v", byStatus)
	}

	byHost, err := db.SessionCountsByHost()
	if err != nil {
		t.Fatalf("counts by host: %v", err)
	}
	if byHost["h1"] != 1 || byHost["h2"] != 2 {
		t.Errorf("by host = %v", byHost)
	}
}

func TestInsertMessageDedup(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "demo", "h")

	m := &Message{
		SessionName: "demo",
		Role:        RoleUser,
		Content:     "x",
		Source:      "discord",
		SourceID:    "111",
		DedupHash:   "fixed-hash",
	}
	inserted, err := db.InsertMessage(m)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	again := *m
	inserted, err = db.InsertMessage(&again)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if inserted {
		t.Error("replay insert reported a new row")
	}

	_, total, err := db.ListMessages("demo", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestLastSourceID(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "demo", "h")
	for i, ts := range []string{"2026-01-01T00:00:01Z", "2026-01-01T00:00:02Z"} {
		m := &Message{
			SessionName: "demo", Role: RoleUser, Content: "m", Source: "slack",
			SourceID: []string{"100", "200"}[i], Timestamp: ts,
			DedupHash: "h" + ts,
		}
		if _, err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	id, err := db.LastSourceID("demo", "slack")
	if err != nil {
		t.Fatal(err)
	}
	if id != "200" {
		t.Errorf("cursor = %q, want 200", id)
	}
	id, err = db.LastSourceID("demo", "discord")
	if err != nil || id != "" {
		t.Errorf("empty source cursor = %q, %v", id, err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetKV("pref:theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetKV("pref:theme", "light"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.GetKV("pref:theme")
	if err != nil || !ok || v != "light" {
		t.Errorf("GetKV = %q %v %v", v, ok, err)
	}
	if err := db.SetKV("setting:poll_interval", "30"); err != nil {
		t.Fatal(err)
	}
	prefs, err := db.KVByPrefix(KVPrefPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(prefs) != 1 || prefs["theme"] != "light" {
		t.Errorf("prefix scan = %v", prefs)
	}
}

func TestCommandQueueTransitions(t *testing.T) {
	db := newTestDB(t)
	low, err := db.EnqueueCommand("demo", "h", "retry-low", 0)
	if err != nil {
		t.Fatal(err)
	}
	high, err := db.EnqueueCommand("demo", "h", "retry-high", 5)
	if err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingCommands()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != high.ID || pending[1].ID != low.ID {
		t.Fatalf("pending order wrong: %+v", pending)
	}

	if err := db.MarkCommandExecuting(high.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkCommandCompleted(high.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.CancelCommand(high.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel completed = %v, want ErrNotPending", err)
	}
	if err := db.CancelCommand(low.ID); err != nil {
		t.Errorf("cancel pending: %v", err)
	}
	if err := db.CancelCommand("no-such-id"); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel missing = %v, want ErrNotPending", err)
	}

	stats, err := db.QueueStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats[CmdCompleted] != 1 || stats[CmdCancelled] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestPreviousComparableSnapshotSkipsFailedPolls(t *testing.T) {
	db := newTestDB(t)
	n := func(v int64) *int64 { return &v }

	good := &UsageSnapshot{Provider: "anthropic", RequestsRemaining: n(10), PollStatusCode: 200}
	if err := db.InsertUsageSnapshot(good); err != nil {
		t.Fatal(err)
	}
	failed := &UsageSnapshot{Provider: "anthropic", PollStatusCode: 0, Error: "dial refused"}
	if err := db.InsertUsageSnapshot(failed); err != nil {
		t.Fatal(err)
	}

	prev, err := db.PreviousComparableSnapshot("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if prev.ID != good.ID {
		t.Errorf("previous = %d, want %d (the 200 poll)", prev.ID, good.ID)
	}
	if _, err := db.PreviousComparableSnapshot("openai"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing provider = %v, want ErrNotFound", err)
	}
}

func TestSearchMessages(t *testing.T) {
	db := newTestDB(t)
	mustCreateSession(t, db, "demo", "h")
	msgs := []string{"deploy the parser fix", "unrelated chatter", `say "hello" quoted`}
	for i, content := range msgs {
		m := &Message{
			SessionName: "demo", Role: RoleUser, Content: content, Source: "discord",
			DedupHash: content, Timestamp: "2026-01-01T00:00:0" + string(rune('1'+i)) + "Z",
		}
		if _, err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := db.SearchMessages("parser", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].SessionName != "demo" {
		t.Errorf("hit session = %q", hits[0].SessionName)
	}

	// Embedded quotes must not be an FTS syntax error.
	if _, err := db.SearchMessages(`"hello"`, "", 10); err != nil {
		t.Errorf("quoted search errored: %v", err)
	}
	// Scoped to a session with no hits.
	hits, err = db.SearchMessages("parser", "other", 10)
	if err != nil || len(hits) != 0 {
		t.Errorf("scoped search = %d hits, %v", len(hits), err)
	}
}

func TestEventAudit(t *testing.T) {
	db := newTestDB(t)
	if err := db.AppendEvent("session.created", "demo", map[string]any{"host": "h"}); err != nil {
		t.Fatal(err)
	}
	recs, err := db.RecentEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].EventType != "session.created" || recs[0].Payload["host"] != "h" {
		t.Errorf("events = %+v", recs)
	}
}
