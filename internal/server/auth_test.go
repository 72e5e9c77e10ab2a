package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestAuthDevModeAllowsAll(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("dev mode = %d", resp.StatusCode)
	}
}

func TestAuthRejectsAndAcceptsBearer(t *testing.T) {
	f := newFixture(t, "sekret")

	resp, err := http.Get(f.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", f.ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer sekret")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("right token = %d", resp.StatusCode)
	}
}

func TestAuthBypassPrefixes(t *testing.T) {
	f := newFixture(t, "sekret")
	for _, path := range []string{"/healthz", "/api/install.sh", "/login"} {
		resp, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusFound {
			t.Errorf("%s should bypass auth, got %d", path, resp.StatusCode)
		}
	}
}

func TestBrowserNavigationRedirectsToLogin(t *testing.T) {
	f := newFixture(t, "sekret")
	req, _ := http.NewRequest("GET", f.ts.URL+"/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("browser nav = %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/login?next=") {
		t.Errorf("redirect target = %q", loc)
	}
}

func TestLoginSetsWorkingCookie(t *testing.T) {
	f := newFixture(t, "sekret")

	form := url.Values{"token": {"sekret"}, "next": {"/"}}
	resp, err := noRedirectClient().PostForm(f.ts.URL+"/login", form)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login = %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie set")
	}

	req, _ := http.NewRequest("GET", f.ts.URL+"/api/sessions", nil)
	req.AddCookie(cookie)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cookie auth = %d", resp.StatusCode)
	}
}

func TestLoginRejectsWrongToken(t *testing.T) {
	f := newFixture(t, "sekret")
	resp, err := noRedirectClient().PostForm(f.ts.URL+"/login", url.Values{"token": {"nope"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong login = %d", resp.StatusCode)
	}
	if len(resp.Cookies()) != 0 {
		t.Error("cookie set on failed login")
	}
}

func TestCookieVerification(t *testing.T) {
	f := newFixture(t, "sekret")
	s := f.srv

	if !s.verifyCookie(s.makeCookie()) {
		t.Error("fresh cookie rejected")
	}
	if s.verifyCookie("garbage") {
		t.Error("malformed cookie accepted")
	}

	// Valid signature over an expired timestamp.
	old := strconv.FormatInt(time.Now().Add(-25*time.Hour).Unix(), 10)
	if s.verifyCookie(old + "." + s.signTimestamp(old)) {
		t.Error("expired cookie accepted")
	}

	// Tampered timestamp with the old signature.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if s.verifyCookie(ts + "." + s.signTimestamp(old)) {
		t.Error("tampered cookie accepted")
	}
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"/sessions":          "/sessions",
		"//evil.example":     "/",
		"https://evil.examp": "/",
		"":                   "/",
	}
	for in, want := range cases {
		if got := safeNext(in); got != want {
			t.Errorf("safeNext(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRateLimitWebhookBucket(t *testing.T) {
	f := newFixture(t, "")

	var limited *http.Response
	for i := 0; i < 70; i++ {
		resp, err := http.Post(f.ts.URL+"/api/hooks/event", "application/json",
			strings.NewReader(`{"type":"typing.start","session_name":"demo"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
	}
	if limited == nil {
		t.Fatal("webhook bucket never limited")
	}
	if limited.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", limited.Header.Get("Retry-After"))
	}
}

func TestRateLimitBucketsAreIndependent(t *testing.T) {
	f := newFixture(t, "")

	// Exhaust the webhook bucket.
	for i := 0; i < 70; i++ {
		resp, err := http.Post(f.ts.URL+"/api/hooks/event", "application/json",
			strings.NewReader(`{"type":"typing.start","session_name":"demo"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	// Other API prefixes still have their own budget.
	resp, _ := f.request(t, "GET", "/api/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("separate bucket = %d", resp.StatusCode)
	}
}
