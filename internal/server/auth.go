package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	sessionCookieName = "muxboard_session"
	cookieLifetime    = 24 * time.Hour
)

// noAuthPrefixes bypass auth entirely. Webhooks stay open because the
// bridges authenticate at the platform layer, not against the dashboard.
var noAuthPrefixes = []string{
	"/healthz",
	"/api/hooks/",
	"/api/install.sh",
	"/static/",
	"/login",
	"/logout",
}

// auth guards every route against the configured dashboard token. An
// empty token is dev mode: everything is allowed.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Dashboard.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range noAuthPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		if s.requestAuthed(r) {
			next.ServeHTTP(w, r)
			return
		}
		if isBrowserNavigation(r) {
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.Path), http.StatusFound)
			return
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid credentials")
	})
}

// requestAuthed accepts a Bearer header, a token query parameter (for
// websocket clients that cannot set headers), or the signed cookie.
func (s *Server) requestAuthed(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		supplied := strings.TrimPrefix(h, "Bearer ")
		return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.Dashboard.Token)) == 1
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return subtle.ConstantTimeCompare([]byte(q), []byte(s.cfg.Dashboard.Token)) == 1
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return s.verifyCookie(c.Value)
	}
	return false
}

// isBrowserNavigation detects a page load as opposed to an API or
// websocket call, so failed auth can redirect instead of returning 401.
func isBrowserNavigation(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// makeCookie signs the current unix timestamp with the dashboard token.
func (s *Server) makeCookie() string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return ts + "." + s.signTimestamp(ts)
}

func (s *Server) signTimestamp(ts string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.Dashboard.Token))
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyCookie checks the signature and the 24 h lifetime of a
// "{unix_ts}.{hmac}" cookie value.
func (s *Server) verifyCookie(value string) bool {
	ts, sig, ok := strings.Cut(value, ".")
	if !ok {
		return false
	}
	if !hmac.Equal([]byte(sig), []byte(s.signTimestamp(ts))) {
		return false
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(issued, 0))
	return age >= 0 && age <= cookieLifetime
}

// safeNext validates a post-login redirect target. Only same-site
// absolute paths are allowed; anything else falls back to /.
func safeNext(next string) string {
	if strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") {
		return next
	}
	return "/"
}
