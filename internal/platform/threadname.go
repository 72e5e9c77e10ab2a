// Package platform holds the chat-platform clients: Discord REST
// operations via discordgo, a hand-rolled Slack Web API client, and the
// thread-name template that binds threads to sessions.
package platform

import (
	"regexp"
	"strings"
)

// DefaultThreadTemplate names platform threads after their session.
const DefaultThreadTemplate = "[agent] {session} - {host}"

// legacyPrefix is the old prefix-only thread naming, accepted on the
// read path so pre-template threads keep resolving.
const legacyPrefix = "[agent] "

// Byte ceilings per platform, leaving headroom under the hard API caps.
const (
	DiscordMaxBytes = 1900
	SlackMaxBytes   = 3800
)

// TruncationMarker is appended when content is cut to fit a ceiling.
const TruncationMarker = "\n...(truncated)"

// ThreadNamer formats and parses thread names from a template with
// {session} and {host} placeholders.
type ThreadNamer struct {
	template string
	re       *regexp.Regexp
}

// NewThreadNamer compiles the parse pattern for a template. An empty
// template means the default.
func NewThreadNamer(template string) *ThreadNamer {
	if template == "" {
		template = DefaultThreadTemplate
	}
	pattern := regexp.QuoteMeta(template)
	pattern = strings.Replace(pattern, regexp.QuoteMeta("{session}"), `([A-Za-z0-9_-]+)`, 1)
	pattern = strings.Replace(pattern, regexp.QuoteMeta("{host}"), `.+`, 1)
	return &ThreadNamer{
		template: template,
		re:       regexp.MustCompile("^" + pattern + "$"),
	}
}

// Format renders the thread name for a session.
func (n *ThreadNamer) Format(session, host string) string {
	out := strings.Replace(n.template, "{session}", session, 1)
	return strings.Replace(out, "{host}", host, 1)
}

// Parse extracts the session name from a thread name or a thread
// starter's first line. Falls back to the legacy prefix-only form.
func (n *ThreadNamer) Parse(name string) (string, bool) {
	name = strings.TrimSpace(firstLine(name))
	if m := n.re.FindStringSubmatch(name); m != nil {
		return m[1], true
	}
	if strings.HasPrefix(name, legacyPrefix) {
		rest := strings.TrimPrefix(name, legacyPrefix)
		session := rest
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			session = rest[:i]
		}
		if session != "" {
			return session, true
		}
	}
	return "", false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Truncate cuts content to at most limit bytes, appending the marker
// when anything was removed. The cut point backs up to a rune boundary.
func Truncate(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	cut := limit - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && content[cut]&0xC0 == 0x80 {
		cut--
	}
	return content[:cut] + TruncationMarker
}
