package bridge

import "regexp"

// Secret shapes scrubbed from captured shell output before it is posted
// to a chat platform.
var (
	// key=value and key: value pairs whose key looks credential-like.
	secretAssignRe = regexp.MustCompile(`(?i)([A-Z0-9_-]*(?:password|passwd|secret|token|api[_-]?key|apikey|auth|credential|private[_-]?key)[A-Z0-9_-]*)(\s*[=:]\s*)(\S+)`)

	// Bearer and similar inline header credentials.
	bearerRe = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]+=*`)

	// PEM-bracketed key material, including the body.
	pemRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`)
)

// Redact masks credential-shaped content in shell output.
func Redact(s string) string {
	s = pemRe.ReplaceAllString(s, "[redacted key material]")
	s = bearerRe.ReplaceAllString(s, "${1}[redacted]")
	s = secretAssignRe.ReplaceAllString(s, "$1$2[redacted]")
	return s
}
