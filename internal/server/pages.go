package server

import (
	"crypto/subtle"
	"html/template"
	"net/http"

	"github.com/nextlevelbuilder/muxboard/internal/store"
)

var loginTmpl = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><title>muxboard - sign in</title></head>
<body>
  <h1>muxboard</h1>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <form method="POST" action="/login">
    <input type="hidden" name="next" value="{{.Next}}">
    <input type="password" name="token" placeholder="dashboard token" autofocus>
    <button type="submit">Sign in</button>
  </form>
</body>
</html>
`))

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><title>muxboard</title></head>
<body>
  <h1>muxboard</h1>
  <p>{{.SessionCount}} sessions tracked. The JSON API lives under /api/, live events at /ws.</p>
</body>
</html>
`))

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	loginTmpl.Execute(w, map[string]any{
		"Next":  safeNext(r.URL.Query().Get("next")),
		"Error": "",
	})
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	supplied := r.PostFormValue("token")
	if s.cfg.Dashboard.Token == "" ||
		subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.Dashboard.Token)) == 1 {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    s.makeCookie(),
			Path:     "/",
			MaxAge:   int(cookieLifetime.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, safeNext(r.PostFormValue("next")), http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	loginTmpl.Execute(w, map[string]any{
		"Next":  safeNext(r.PostFormValue("next")),
		"Error": "Invalid token.",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	_, total, err := s.db.ListSessions(store.SessionFilter{Limit: 1})
	if err != nil {
		total = 0
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	indexTmpl.Execute(w, map[string]any{"SessionCount": total})
}
