package llm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

const formatPreamble = `Return the JSON object directly without any formatting or additional text. The JSON object should have the following structure as defined in the schema. Make sure to answer in valid json and include all necessary properties:`

// Object describes a JSON object whose listed properties are all required.
func Object(properties map[string]*jsonschema.Schema) *jsonschema.Schema {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	slices.Sort(required)
	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func Array(items *jsonschema.Schema, description string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "array",
		Items:       items,
		Description: description,
	}
}

func String(description string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: description,
	}
}

func renderSchema(s *jsonschema.Schema) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render schema: %w", err)
	}
	return formatPreamble + string(data), nil
}

// decode extracts the JSON document from content, repairing it when the
// model produced almost-JSON, validates it and unmarshals it into T.
func decode[T any](content string, resolved *jsonschema.Resolved) (T, error) {
	var out T
	raw := extractJSON(content)

	var instance any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return out, &ParseError{Raw: content, Err: fmt.Errorf("json parse error: %w", err)}
		}
		if err := json.Unmarshal([]byte(repaired), &instance); err != nil {
			return out, &ParseError{Raw: content, Err: fmt.Errorf("json parse error after repair: %w", err)}
		}
		raw = repaired
	}

	if err := resolved.Validate(instance); err != nil {
		return out, &ParseError{Raw: content, Err: err}
	}

	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, &ParseError{Raw: content, Err: err}
	}
	return out, nil
}

// extractJSON strips markdown code fences and any prose around the
// outermost JSON object.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
