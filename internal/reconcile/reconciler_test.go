package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/remote"
	"github.com/nextlevelbuilder/muxboard/internal/store"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

// paneRunner serves tmux listings from a mutable session map.
type paneRunner struct {
	mu       sync.Mutex
	sessions map[string][]string
}

func (r *paneRunner) set(host string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[host] = names
}

func (r *paneRunner) Run(_ context.Context, host, command string) (remote.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case strings.Contains(command, "list-sessions"):
		return remote.Result{Stdout: strings.Join(r.sessions[host], "\n")}, nil
	case strings.Contains(command, "pane_current_path"):
		return remote.Result{Stdout: "/home/dev/project\n"}, nil
	}
	return remote.Result{}, nil
}

type fixture struct {
	db     *store.DB
	runner *paneRunner
	bus    *bus.Bus
	events <-chan bus.Event
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	runner := &paneRunner{sessions: map[string][]string{}}
	b := bus.New()
	_, ch := b.Subscribe()
	svc := tmux.NewService(runner, []string{"testhost", "otherhost"})
	return &fixture{
		db:     db,
		runner: runner,
		bus:    b,
		events: ch,
		rec:    New(db, svc, b, nil, 0),
	}
}

func (f *fixture) drainTypes() []string {
	var out []string
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestTickDiscoversLiveSession(t *testing.T) {
	f := newFixture(t)
	f.runner.set("testhost", "demo-b")

	if err := f.rec.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, err := f.db.GetSession("demo-b")
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if s.Status != store.StatusActive || s.Host != "testhost" {
		t.Errorf("stored = %+v", s)
	}
	if s.WorkingDir != "/home/dev/project" {
		t.Errorf("working dir = %q", s.WorkingDir)
	}

	types := f.drainTypes()
	if len(types) != 1 || types[0] != bus.EventSessionCreated {
		t.Errorf("events = %v", types)
	}
}

func TestTickClosesGoneSession(t *testing.T) {
	f := newFixture(t)
	f.runner.set("testhost", "demo-b")
	ctx := context.Background()
	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	f.drainTypes()

	f.runner.set("testhost") // session gone
	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	s, _ := f.db.GetSession("demo-b")
	if s.Status != store.StatusClosed || s.ClosedAt == "" {
		t.Errorf("after close: %+v", s)
	}
	types := f.drainTypes()
	if len(types) != 1 || types[0] != bus.EventSessionClosed {
		t.Errorf("events = %v", types)
	}

	// Monotone: further ticks with the session still gone do nothing.
	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if types := f.drainTypes(); len(types) != 0 {
		t.Errorf("extra events after close: %v", types)
	}
}

func TestTickReactivatesIdleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.CreateSession(&store.Session{Name: "demo", Host: "testhost", Status: store.StatusIdle}); err != nil {
		t.Fatal(err)
	}
	f.runner.set("testhost", "demo")

	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	s, _ := f.db.GetSession("demo")
	if s.Status != store.StatusActive {
		t.Errorf("status = %q, want active", s.Status)
	}
	types := f.drainTypes()
	want := map[string]bool{bus.EventSessionUpdated: true, bus.EventSessionStatusChanged: true}
	if len(types) != 2 || !want[types[0]] || !want[types[1]] {
		t.Errorf("events = %v", types)
	}
}

func TestTickHostMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.CreateSession(&store.Session{Name: "demo", Host: "testhost"}); err != nil {
		t.Fatal(err)
	}
	f.runner.set("otherhost", "demo")

	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	s, _ := f.db.GetSession("demo")
	if s.Host != "otherhost" {
		t.Errorf("host = %q, want otherhost", s.Host)
	}
	types := f.drainTypes()
	if len(types) != 1 || types[0] != bus.EventSessionUpdated {
		t.Errorf("events = %v", types)
	}
}

func TestTickUnchangedSessionStaysQuiet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runner.set("testhost", "demo")
	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	f.drainTypes()
	before, _ := f.db.GetSession("demo")

	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if types := f.drainTypes(); len(types) != 0 {
		t.Errorf("unchanged session emitted %v", types)
	}
	after, _ := f.db.GetSession("demo")
	if after.UpdatedAt < before.UpdatedAt {
		t.Error("updated_at went backwards")
	}
}

func TestTickLeavesUnreachableStatusAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.CreateSession(&store.Session{Name: "demo", Host: "testhost", Status: store.StatusUnreachable}); err != nil {
		t.Fatal(err)
	}
	// Not live anywhere, but not active either: the reconciler does not
	// close sessions an operator marked unreachable.
	if err := f.rec.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	s, _ := f.db.GetSession("demo")
	if s.Status != store.StatusUnreachable {
		t.Errorf("status = %q, want unreachable", s.Status)
	}
}
