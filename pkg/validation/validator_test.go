package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var searchSchema = []byte(`{
	"type": "object",
	"properties": {
		"query":       {"type": "string"},
		"max_results": {"type": "integer"},
		"threshold":   {"type": "number"},
		"strict":      {"type": "boolean"},
		"filters": {
			"type": "object",
			"properties": {
				"since": {"type": "string", "format": "date-time"},
				"depth": {"type": "integer"}
			}
		},
		"tags": {"type": "array", "items": {"type": "integer"}}
	},
	"required": ["query"]
}`)

func TestValidateInput_Valid(t *testing.T) {
	report, err := ValidateInput(map[string]interface{}{
		"query":       "golang checkpoint",
		"max_results": 10,
	}, searchSchema)

	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Issues)
}

func TestValidateInput_MissingRequired(t *testing.T) {
	report, err := ValidateInput(map[string]interface{}{
		"max_results": 10,
	}, searchSchema)

	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0].Message, "query")
}

func TestValidateInput_CoercesScalars(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"integer from string", map[string]interface{}{"query": "q", "max_results": "25"}},
		{"number from string", map[string]interface{}{"query": "q", "threshold": "0.75"}},
		{"boolean from string", map[string]interface{}{"query": "q", "strict": "true"}},
		{"padded string", map[string]interface{}{"query": "q", "max_results": " 7 "}},
		{"nested object", map[string]interface{}{"query": "q", "filters": map[string]interface{}{"depth": "3"}}},
		{"array items", map[string]interface{}{"query": "q", "tags": []interface{}{"1", "2"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := ValidateInput(tt.params, searchSchema)
			require.NoError(t, err)
			assert.True(t, report.Valid, "issues: %v", report.Issues)
		})
	}
}

func TestValidateInput_HardMismatchStillFails(t *testing.T) {
	report, err := ValidateInput(map[string]interface{}{
		"query":       "q",
		"max_results": "a lot",
	}, searchSchema)

	require.NoError(t, err)
	require.False(t, report.Valid)
	assert.Equal(t, "max_results", report.Issues[0].Path)
}

func TestValidateInput_DateTimeFormat(t *testing.T) {
	report, err := ValidateInput(map[string]interface{}{
		"query":   "q",
		"filters": map[string]interface{}{"since": "not a timestamp"},
	}, searchSchema)
	require.NoError(t, err)
	assert.False(t, report.Valid)

	report, err = ValidateInput(map[string]interface{}{
		"query":   "q",
		"filters": map[string]interface{}{"since": "2026-01-15T10:30:00Z"},
	}, searchSchema)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestValidateOutput_NilSchemaAcceptsAnything(t *testing.T) {
	report, err := ValidateOutput(map[string]interface{}{"whatever": []interface{}{1, "a"}}, nil)

	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestValidateOutput_NullableTypeList(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"note": {"type": ["string", "null"]}}
	}`)

	report, err := ValidateOutput(map[string]interface{}{"note": nil}, schema)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestValidate_MalformedSchema(t *testing.T) {
	_, err := ValidateInput(map[string]interface{}{"a": 1}, []byte(`{not json`))
	assert.Error(t, err)
}

func TestReport_Error(t *testing.T) {
	r := Report{Valid: false, Issues: []Issue{
		{Path: "query", Message: "is required"},
		{Path: "depth", Message: "must be integer"},
	}}
	assert.Equal(t, "query: is required (and 1 more)", r.Error())

	single := Report{Valid: false, Issues: []Issue{{Path: "query", Message: "is required"}}}
	assert.Equal(t, "query: is required", single.Error())

	assert.Equal(t, "validation passed", Report{Valid: true}.Error())
}
