// Package logger provides log output helpers, including a secret-masking writer.
package logger

import (
	"io"
	"regexp"
)

type mask struct {
	re   *regexp.Regexp
	with []byte
}

// Applied in order. The cookie rule runs before the bare-token rule so the
// cookie name survives.
var masks = []mask{
	{regexp.MustCompile(`ownerToken=[^;&\s"]*`), []byte("ownerToken=[REDACTED]")},
	{regexp.MustCompile(`\b[A-Fa-f0-9]{64}\b`), []byte("[REDACTED-TOKEN]")},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), []byte("bearer [REDACTED]")},
	// CrowdSec bouncer key header.
	{regexp.MustCompile(`(?i)x-api-key[:=]\s*\S+`), []byte("X-Api-Key: [REDACTED]")},
}

// Redact returns p with owner tokens, bearer tokens and LAPI keys masked.
func Redact(p []byte) []byte {
	for _, m := range masks {
		p = m.re.ReplaceAllLiteral(p, m.with)
	}
	return p
}

// RedactWriter masks secrets before passing log lines to the wrapped writer.
type RedactWriter struct{ w io.Writer }

func NewRedactWriter(w io.Writer) *RedactWriter { return &RedactWriter{w: w} }

// Write reports len(p) on success so callers never see a short write caused
// by masking.
func (r *RedactWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(Redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
