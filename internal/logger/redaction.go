package logger

import (
	"io"
	"regexp"
)

// defaultPatterns match secret shapes this layer routinely handles:
// capability credentials (JWTs), vendor API keys, bearer tokens, and
// the usual key=value leaks.
var defaultPatterns = []string{
	`sk-[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._-]+`,
	`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`,
	`password["\s:=]+[^\s"]+`,
	`pwd["\s:=]+[^\s"]+`,
	`token["\s:=]+[a-zA-Z0-9._-]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`secret["\s:=]+[^\s"]+`,
	`api_key["\s:=]+[^\s"]+`,
}

// Redactor masks sensitive material before it reaches any log sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles the default pattern set.
func NewRedactor() *Redactor {
	patterns := make([]*regexp.Regexp, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Redactor{patterns: patterns}
}

// AddPattern registers an extra redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every pattern match with a placeholder.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts everything passing through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{inner: w, redactor: r}
}

type redactingWriter struct {
	inner    io.Writer
	redactor *Redactor
}

// Write reports n against the caller's buffer, not the redacted form,
// which may differ in length. io.MultiWriter treats n < len(p) as a
// short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	clean := w.redactor.Redact(string(p))
	if _, err := w.inner.Write([]byte(clean)); err != nil {
		return 0, err
	}
	return len(p), nil
}
