package validation

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// sensitiveFieldNames are redacted wholesale regardless of value shape.
// Matching is case-insensitive on the normalized field name.
var sensitiveFieldNames = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"credential":    true,
	"credentials":   true,
	"private_key":   true,
	"access_key":    true,
	"session_key":   true,
}

// piiPatterns scrub string leaves. Order matters: the JWT pattern runs
// before email so a token containing dots is not half-eaten.
var piiPatterns = []*regexp.Regexp{
	// JWT-shaped blobs
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\b`),
	// SSN
	regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`),
	// Visa, Mastercard, Amex
	regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),
	regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),
	regexp.MustCompile(`\b3[47][0-9]{13}\b`),
	// Email
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	// US-style phone numbers
	regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`),
}

// Sanitize returns a deep copy of value with sensitive fields and
// PII-shaped substrings redacted, plus the number of redactions made.
// The input is never mutated; callers keep the raw result for the tool
// while audit and logs receive the sanitized copy.
func Sanitize(value interface{}) (interface{}, int) {
	return sanitizeValue(value, false)
}

func sanitizeValue(value interface{}, parentSensitive bool) (interface{}, int) {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		count := 0
		for k, child := range v {
			if isSensitiveField(k) {
				out[k] = redactedPlaceholder
				count++
				continue
			}
			redacted, n := sanitizeValue(child, parentSensitive)
			out[k] = redacted
			count += n
		}
		return out, count

	case []interface{}:
		out := make([]interface{}, len(v))
		count := 0
		for i, child := range v {
			redacted, n := sanitizeValue(child, parentSensitive)
			out[i] = redacted
			count += n
		}
		return out, count

	case string:
		return scrubString(v)

	default:
		return value, 0
	}
}

func isSensitiveField(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if sensitiveFieldNames[normalized] {
		return true
	}
	// Compound names such as db_password or githubToken.
	for field := range sensitiveFieldNames {
		if strings.Contains(strings.ReplaceAll(normalized, "-", "_"), field) {
			return true
		}
	}
	return false
}

func scrubString(s string) (string, int) {
	count := 0
	for _, pattern := range piiPatterns {
		matches := pattern.FindAllStringIndex(s, -1)
		if len(matches) == 0 {
			continue
		}
		count += len(matches)
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s, count
}
