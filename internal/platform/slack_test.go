package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeSlack serves canned Web API responses and records calls.
type fakeSlack struct {
	t       *testing.T
	history []SlackMessage
	replies map[string][]SlackMessage
	calls   []string
	posted  []string
}

func newFakeSlack(t *testing.T) (*fakeSlack, *Slack) {
	t.Helper()
	f := &fakeSlack{t: t, replies: map[string][]SlackMessage{}}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	client := NewSlack("xoxb-test", "C123", NewThreadNamer(""), WithSlackBaseURL(srv.URL))
	return f, client
}

func (f *fakeSlack) handle(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer xoxb-test" {
		f.t.Errorf("auth header = %q", got)
	}
	if err := r.ParseForm(); err != nil {
		f.t.Fatal(err)
	}
	method := strings.TrimPrefix(r.URL.Path, "/")
	f.calls = append(f.calls, method)

	resp := map[string]any{"ok": true}
	switch method {
	case "auth.test":
		resp["user_id"] = "U_BOT"
		resp["bot_id"] = "B_BOT"
	case "chat.postMessage":
		f.posted = append(f.posted, r.Form.Get("text"))
		resp["ts"] = "1700000100.000001"
	case "conversations.history":
		resp["messages"] = f.history
	case "conversations.replies":
		resp["messages"] = f.replies[r.Form.Get("ts")]
	case "reactions.add":
		if r.Form.Get("name") == "" {
			resp = map[string]any{"ok": false, "error": "invalid_name"}
		}
	case "chat.delete":
	default:
		resp = map[string]any{"ok": false, "error": "unknown_method"}
	}
	json.NewEncoder(w).Encode(resp)
}

func TestSlackAuthTest(t *testing.T) {
	_, client := newFakeSlack(t)
	userID, botID, err := client.AuthTest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if userID != "U_BOT" || botID != "B_BOT" {
		t.Errorf("identity = %q/%q", userID, botID)
	}
}

func TestSlackFindThreadTS(t *testing.T) {
	f, client := newFakeSlack(t)
	f.history = []SlackMessage{
		{TS: "3.0", Text: "noise"},
		{TS: "2.0", Text: "[agent] demo - testhost"},
		{TS: "1.0", Text: "[agent] other - testhost"},
	}
	ts, err := client.FindThreadTS(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if ts != "2.0" {
		t.Errorf("ts = %q, want 2.0", ts)
	}

	ts, err = client.FindThreadTS(context.Background(), "missing")
	if err != nil || ts != "" {
		t.Errorf("missing session = %q, %v", ts, err)
	}
}

func TestSlackFetchRepliesSkipsParent(t *testing.T) {
	f, client := newFakeSlack(t)
	f.replies["10.0"] = []SlackMessage{
		{TS: "10.0", Text: "parent"},
		{TS: "11.0", Text: "first reply", User: "U1"},
		{TS: "12.0", Text: "second reply", User: "U2"},
	}
	msgs, err := client.FetchReplies(context.Background(), "10.0", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].TS != "11.0" || msgs[1].TS != "12.0" {
		t.Errorf("replies = %+v", msgs)
	}
}

func TestSlackArchiveConvention(t *testing.T) {
	f, client := newFakeSlack(t)
	if err := client.Archive(context.Background(), "10.0"); err != nil {
		t.Fatal(err)
	}
	if len(f.posted) != 1 || f.posted[0] != ArchiveNotice {
		t.Errorf("posted = %v", f.posted)
	}
	joined := strings.Join(f.calls, ",")
	if !strings.Contains(joined, "chat.postMessage") || !strings.Contains(joined, "reactions.add") {
		t.Errorf("calls = %v", f.calls)
	}
}

func TestSlackErrorEnvelope(t *testing.T) {
	_, client := newFakeSlack(t)
	err := client.AddReaction(context.Background(), "10.0", "")
	if err == nil || !strings.Contains(err.Error(), "invalid_name") {
		t.Errorf("err = %v", err)
	}
}

func TestSlackTSToISO(t *testing.T) {
	if got := SlackTSToISO("1700000000.123456"); got != "2023-11-14T22:13:20Z" {
		t.Errorf("SlackTSToISO = %q", got)
	}
	if got := SlackTSToISO("garbage"); got != "" {
		t.Errorf("garbage ts = %q", got)
	}
}

func TestHasReaction(t *testing.T) {
	m := SlackMessage{Reactions: []SlackReaction{{Name: LockReaction, Count: 1}}}
	if !m.HasReaction(LockReaction) {
		t.Error("lock reaction not detected")
	}
	if m.HasReaction("eyes") {
		t.Error("phantom reaction detected")
	}
}
