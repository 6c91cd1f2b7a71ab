package trace

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const traceSetSchemaURL = "evalgate://schemas/trace-set.json"

// traceSetSchema describes a trace-set document: {"traces": [{"id", "messages": [...]}]}.
const traceSetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["traces"],
  "properties": {
    "traces": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "messages"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "messages": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["role", "content"],
              "properties": {
                "role": {"type": "string", "minLength": 1},
                "content": {"type": "string"},
                "metadata": {"type": "object"}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledTraceSetSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(traceSetSchema))
	if err != nil {
		return nil, fmt.Errorf("decode trace-set schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(traceSetSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add trace-set schema: %w", err)
	}
	return c.Compile(traceSetSchemaURL)
})

// ValidateSchema checks raw trace-set JSON against the trace-set schema.
func ValidateSchema(data []byte) error {
	sch, err := compiledTraceSetSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("trace set is not valid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("trace set does not match schema: %w", err)
	}
	return nil
}
