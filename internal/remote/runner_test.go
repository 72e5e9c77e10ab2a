package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newLocalRunner(t *testing.T) *SSHRunner {
	t.Helper()
	return NewSSHRunner(WithControlDir(t.TempDir()))
}

func TestRunLocal(t *testing.T) {
	r := newLocalRunner(t)
	res, err := r.Run(context.Background(), LocalHost, "echo hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Ok() {
		t.Errorf("exit = %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	r := newLocalRunner(t)
	res, err := r.Run(context.Background(), LocalHost, "exit 3")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	r := newLocalRunner(t)
	res, err := r.Run(context.Background(), LocalHost, "echo oops >&2; exit 1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewSSHRunner(WithControlDir(t.TempDir()), WithTimeout(100*time.Millisecond))
	start := time.Now()
	_, err := r.Run(context.Background(), LocalHost, "sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, child not killed promptly", elapsed)
	}
}

func TestQuote(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tc := range cases {
		if got := Quote(tc.in); got != tc.want {
			t.Errorf("Quote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestQuoteRoundTripsThroughShell(t *testing.T) {
	r := newLocalRunner(t)
	payload := `it's "quoted" $(and) dangerous`
	res, err := r.Run(context.Background(), LocalHost, "printf %s "+Quote(payload))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != payload {
		t.Errorf("round trip = %q, want %q", res.Stdout, payload)
	}
}
