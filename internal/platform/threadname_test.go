package platform

import (
	"strings"
	"testing"
)

func TestThreadNamerFormat(t *testing.T) {
	n := NewThreadNamer("")
	if got := n.Format("demo", "testhost"); got != "[agent] demo - testhost" {
		t.Errorf("Format = %q", got)
	}
}

func TestThreadNamerParse(t *testing.T) {
	n := NewThreadNamer("")
	cases := []struct {
		in      string
		session string
		ok      bool
	}{
		{"[agent] demo - testhost", "demo", true},
		{"[agent] demo-2_x - host.with.dots", "demo-2_x", true},
		{"[agent] legacy", "legacy", true}, // prefix-only form
		{"[agent] legacy extra words", "legacy", true},
		{"random title", "", false},
		{"[agent] demo - testhost\nsecond line ignored", "demo", true},
		{"", "", false},
	}
	for _, tc := range cases {
		session, ok := n.Parse(tc.in)
		if ok != tc.ok || session != tc.session {
			t.Errorf("Parse(%q) = %q, %v; want %q, %v", tc.in, session, ok, tc.session, tc.ok)
		}
	}
}

func TestThreadNamerCustomTemplate(t *testing.T) {
	n := NewThreadNamer("agent/{session} on {host}")
	name := n.Format("demo", "h1")
	if name != "agent/demo on h1" {
		t.Fatalf("Format = %q", name)
	}
	session, ok := n.Parse(name)
	if !ok || session != "demo" {
		t.Errorf("Parse = %q, %v", session, ok)
	}
}

func TestTruncate(t *testing.T) {
	short := "under the limit"
	if got := Truncate(short, DiscordMaxBytes); got != short {
		t.Errorf("short content modified: %q", got)
	}

	long := strings.Repeat("a", 5000)
	got := Truncate(long, DiscordMaxBytes)
	if len(got) > DiscordMaxBytes {
		t.Errorf("len = %d, over ceiling %d", len(got), DiscordMaxBytes)
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Errorf("marker missing: ...%q", got[len(got)-30:])
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 3000)
	got := Truncate(long, SlackMaxBytes)
	if len(got) > SlackMaxBytes {
		t.Fatalf("len = %d", len(got))
	}
	trimmed := strings.TrimSuffix(got, TruncationMarker)
	for _, r := range trimmed {
		if r == '�' {
			t.Fatal("truncation split a rune")
		}
	}
}
