package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/remote"
)

// fakeRunner serves canned output per (host, command substring) and
// records every invocation.
type fakeRunner struct {
	mu       sync.Mutex
	sessions map[string][]string // host -> session names
	fail     map[string]bool     // hosts that error
	calls    []string            // "host: command"
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{sessions: map[string][]string{}, fail: map[string]bool{}}
}

func (f *fakeRunner) record(host, command string) {
	f.mu.Lock()
	f.calls = append(f.calls, host+": "+command)
	f.mu.Unlock()
}

func (f *fakeRunner) Run(_ context.Context, host, command string) (remote.Result, error) {
	f.record(host, command)
	if f.fail[host] {
		return remote.Result{}, errors.New("host unreachable")
	}
	switch {
	case strings.Contains(command, "list-sessions"):
		return remote.Result{Stdout: strings.Join(f.sessions[host], "\n")}, nil
	case strings.Contains(command, "has-session"):
		name := between(command, "-t '", "'")
		for _, s := range f.sessions[host] {
			if s == name {
				return remote.Result{Stdout: "found\n"}, nil
			}
		}
		return remote.Result{ExitCode: 1}, nil
	case strings.Contains(command, "pane_current_path"):
		return remote.Result{Stdout: "/home/dev/project\n"}, nil
	case strings.Contains(command, "pane_current_command"):
		return remote.Result{Stdout: "bash\n"}, nil
	}
	return remote.Result{}, nil
}

func between(s, pre, post string) string {
	i := strings.Index(s, pre)
	if i < 0 {
		return ""
	}
	rest := s[i+len(pre):]
	if j := strings.Index(rest, post); j >= 0 {
		return rest[:j]
	}
	return rest
}

func (f *fakeRunner) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestListSessionsFiltersInfra(t *testing.T) {
	fr := newFakeRunner()
	fr.sessions["h1"] = []string{"demo", "agent-bridge", "slack-bridge", "work"}
	svc := NewService(fr, []string{"h1"})

	names, err := svc.ListSessions(context.Background(), "h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "demo" || names[1] != "work" {
		t.Errorf("names = %v", names)
	}
}

func TestListAllFirstHostWinsAndToleratesFailure(t *testing.T) {
	fr := newFakeRunner()
	fr.sessions["h1"] = []string{"shared", "only-h1"}
	fr.sessions["h2"] = []string{"shared", "only-h2"}
	fr.fail["h3"] = true
	svc := NewService(fr, []string{"h1", "h2", "h3"})

	all := svc.ListAll(context.Background())
	if all["shared"] != "h1" {
		t.Errorf("shared mapped to %q, want h1", all["shared"])
	}
	if all["only-h2"] != "h2" || all["only-h1"] != "h1" {
		t.Errorf("mapping = %v", all)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}
}

func TestFindHost(t *testing.T) {
	fr := newFakeRunner()
	fr.sessions["h2"] = []string{"demo"}
	svc := NewService(fr, []string{"h1", "h2"})

	host, ok := svc.FindHost(context.Background(), "demo")
	if !ok || host != "h2" {
		t.Errorf("FindHost = %q, %v", host, ok)
	}
	if _, ok := svc.FindHost(context.Background(), "missing"); ok {
		t.Error("found a session that does not exist")
	}
}

func TestSendTwoStage(t *testing.T) {
	fr := newFakeRunner()
	svc := NewService(fr, []string{"testhost"})
	svc.sendDelay = 10 * time.Millisecond

	start := time.Now()
	if err := svc.Send(context.Background(), "testhost", "demo", "hello"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < svc.sendDelay {
		t.Error("send returned before the inter-keystroke delay")
	}

	calls := fr.callsSnapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}
	if want := "testhost: tmux send-keys -t 'demo' 'hello'"; calls[0] != want {
		t.Errorf("first call = %q, want %q", calls[0], want)
	}
	if want := "testhost: tmux send-keys -t 'demo' Enter"; calls[1] != want {
		t.Errorf("second call = %q, want %q", calls[1], want)
	}
}

func TestCreateWithWorkingDir(t *testing.T) {
	fr := newFakeRunner()
	svc := NewService(fr, []string{"h1"})
	if err := svc.Create(context.Background(), "h1", "demo", "/tmp/proj"); err != nil {
		t.Fatal(err)
	}
	calls := fr.callsSnapshot()
	if want := "h1: tmux new-session -d -s 'demo' -c '/tmp/proj'"; calls[0] != want {
		t.Errorf("call = %q, want %q", calls[0], want)
	}
}

func TestSendQuotesHostilePayload(t *testing.T) {
	fr := newFakeRunner()
	svc := NewService(fr, []string{"h1"})
	svc.sendDelay = time.Millisecond

	if err := svc.Send(context.Background(), "h1", "demo", "echo 'hi'; rm -rf /"); err != nil {
		t.Fatal(err)
	}
	calls := fr.callsSnapshot()
	if !strings.Contains(calls[0], `'echo '\''hi'\''; rm -rf /'`) {
		t.Errorf("payload not quoted: %q", calls[0])
	}
}

func TestCwdAndPaneCommand(t *testing.T) {
	fr := newFakeRunner()
	svc := NewService(fr, []string{"h1"})

	cwd, err := svc.Cwd(context.Background(), "h1", "demo")
	if err != nil || cwd != "/home/dev/project" {
		t.Errorf("Cwd = %q, %v", cwd, err)
	}
	cmdName, err := svc.PaneCommand(context.Background(), "h1", "demo")
	if err != nil || cmdName != "bash" {
		t.Errorf("PaneCommand = %q, %v", cmdName, err)
	}
}
