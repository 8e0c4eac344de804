package validation

import (
	"strconv"
	"strings"
)

// coerce rewrites string leaves into the scalar type the schema
// declares, descending through object properties and array items. It is
// best-effort: anything that does not cleanly convert is returned
// untouched so the schema validator reports the real mismatch.
func coerce(doc interface{}, schema map[string]interface{}) interface{} {
	if schema == nil {
		return doc
	}

	switch schemaType(schema) {
	case "number":
		if s, ok := doc.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}

	case "integer":
		if s, ok := doc.(string); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n
			}
		}

	case "boolean":
		if s, ok := doc.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true":
				return true
			case "false":
				return false
			}
		}

	case "object", "":
		m, ok := doc.(map[string]interface{})
		if !ok {
			return doc
		}
		props, ok := schema["properties"].(map[string]interface{})
		if !ok {
			return doc
		}
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			if propSchema, ok := props[k].(map[string]interface{}); ok {
				out[k] = coerce(v, propSchema)
			} else {
				out[k] = v
			}
		}
		return out

	case "array":
		arr, ok := doc.([]interface{})
		if !ok {
			return doc
		}
		items, ok := schema["items"].(map[string]interface{})
		if !ok {
			return doc
		}
		out := make([]interface{}, len(arr))
		for i, v := range arr {
			out[i] = coerce(v, items)
		}
		return out
	}

	return doc
}

// schemaType extracts the declared type, tolerating the list form
// ("type": ["string", "null"]) by taking the first entry
func schemaType(schema map[string]interface{}) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}
