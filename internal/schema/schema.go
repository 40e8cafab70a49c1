// Package schema validates start requests against an embedded JSON schema
// before a session is created. Schema violations surface as *ValidationError
// so the HTTP layer can answer with a 400 instead of a stream.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const startRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["content", "options"],
  "properties": {
    "content": {
      "type": "string",
      "minLength": 1
    },
    "options": {
      "type": "object",
      "properties": {
        "model": {"type": "string"},
        "preset": {"type": "string"},
        "shape": {
          "type": "string",
          "enum": ["object", "json", "json_object", "text", "plain"]
        },
        "temperature": {
          "type": "number",
          "minimum": 0,
          "maximum": 2
        },
        "max_tokens": {
          "type": "integer",
          "minimum": 0
        },
        "system_prompt": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var compiledStartRequest = mustCompile("start_request.schema.json", startRequestSchema)

func mustCompile(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("schema: add resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema: compile %s: %v", name, err))
	}
	return schema
}

// ValidationError describes a rejected start request. Missing reports
// whether the failure is an absent required field rather than a bad value.
type ValidationError struct {
	Field   string
	Reason  string
	Missing bool
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("schema: missing field %s", e.Field)
	}
	if e.Field == "" {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: field %s: %s", e.Field, e.Reason)
}

// ValidateStartRequest checks a raw start-request body against the embedded
// schema. It returns nil on success and *ValidationError on any violation,
// including malformed JSON.
func ValidateStartRequest(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &ValidationError{Reason: "request body is not valid JSON"}
	}
	err := compiledStartRequest.Validate(payload)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return fromSchemaError(leaf(ve))
	}
	return &ValidationError{Reason: err.Error()}
}

// leaf descends to the most specific cause; the root error only says the
// document failed.
func leaf(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func fromSchemaError(ve *jsonschema.ValidationError) *ValidationError {
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")

	if strings.HasSuffix(ve.KeywordLocation, "/required") || strings.Contains(ve.KeywordLocation, "/required/") {
		// "missing properties: 'content'"
		if name := quotedName(ve.Message); name != "" {
			if field != "" {
				name = field + "." + name
			}
			return &ValidationError{Field: name, Missing: true, Reason: ve.Message}
		}
		return &ValidationError{Field: field, Missing: true, Reason: ve.Message}
	}
	return &ValidationError{Field: field, Reason: ve.Message}
}

func quotedName(msg string) string {
	start := strings.IndexByte(msg, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(msg[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return msg[start+1 : start+1+end]
}
