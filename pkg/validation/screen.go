package validation

import (
	"fmt"
	"regexp"
)

// injectionPattern pairs a detector with the issue text it produces
type injectionPattern struct {
	re   *regexp.Regexp
	what string
}

var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)\bunion\s+select\b`), "SQL union select"},
	{regexp.MustCompile(`(?i)\bselect\s+.{1,200}\s+from\s+\w+`), "SQL select statement"},
	{regexp.MustCompile(`(?i)\b(insert\s+into|delete\s+from|drop\s+table|truncate\s+table)\b`), "SQL mutation statement"},
	{regexp.MustCompile(`(?i);\s*(rm|curl|wget|nc|chmod|chown|mkfs)\b`), "chained shell command"},
	{regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh|dash)\b`), "pipe to shell"},
	{regexp.MustCompile(`\$\([^)]{1,500}\)`), "command substitution"},
	{regexp.MustCompile("`[^`]{1,500}`"), "backtick substitution"},
	{regexp.MustCompile(`(?i)\b&&\s*(rm|curl|wget)\b`), "conditional shell chain"},
}

// ScreenInput inspects string parameters for shell and SQL injection
// shapes before they are handed to a tool process. A non-empty result
// is advisory for plain string fields and fatal for fields the manifest
// marks as command-like; that decision belongs to the caller. This is
// defense in depth alongside the sandbox, not a replacement for it.
func ScreenInput(params map[string]interface{}) []Issue {
	var issues []Issue
	screenValue("", params, &issues)
	return issues
}

func screenValue(path string, value interface{}, issues *[]Issue) {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, child := range v {
			screenValue(joinPath(path, k), child, issues)
		}

	case []interface{}:
		for i, child := range v {
			screenValue(fmt.Sprintf("%s[%d]", path, i), child, issues)
		}

	case string:
		for _, p := range injectionPatterns {
			if p.re.MatchString(v) {
				*issues = append(*issues, Issue{
					Path:    path,
					Message: "suspicious content: " + p.what,
				})
			}
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
