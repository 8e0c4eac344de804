// Package validation schema-checks tool inputs and outputs, coerces
// near-miss types, scrubs sensitive values, and screens input
// parameters for injection shapes before they reach a tool process.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Issue is one validation finding with its location in the document
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Report is the outcome of a validation pass
type Report struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

func (r Report) Error() string {
	if r.Valid || len(r.Issues) == 0 {
		return "validation passed"
	}
	first := r.Issues[0]
	if len(r.Issues) == 1 {
		return fmt.Sprintf("%s: %s", first.Path, first.Message)
	}
	return fmt.Sprintf("%s: %s (and %d more)", first.Path, first.Message, len(r.Issues)-1)
}

// ValidateInput checks tool call parameters against the manifest's
// input schema. The coercion pass runs first so agents that send "42"
// for an integer field do not fail on a representational mismatch.
func ValidateInput(params map[string]interface{}, schema []byte) (Report, error) {
	return validate(params, schema)
}

// ValidateOutput checks a tool result against the manifest's output
// schema. A nil schema accepts anything; many tools declare inputs only.
func ValidateOutput(result interface{}, schema []byte) (Report, error) {
	return validate(result, schema)
}

func validate(doc interface{}, schema []byte) (Report, error) {
	if len(schema) == 0 {
		return Report{Valid: true}, nil
	}

	var schemaDoc map[string]interface{}
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return Report{}, fmt.Errorf("parse schema: %w", err)
	}

	doc = coerce(doc, schemaDoc)

	res, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return Report{}, fmt.Errorf("validate against schema: %w", err)
	}

	if res.Valid() {
		return Report{Valid: true}, nil
	}

	report := Report{Valid: false}
	for _, e := range res.Errors() {
		path := e.Field()
		if path == "(root)" {
			path = ""
		}
		report.Issues = append(report.Issues, Issue{
			Path:    path,
			Message: e.Description(),
		})
	}
	return report, nil
}
