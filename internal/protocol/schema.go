package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidateArguments checks arguments against a tool's advertised
// inputSchema, resolving the schema on first use and caching nothing —
// callers that validate the same tool repeatedly can cache the
// *jsonschema.Resolved returned by [ResolveSchema] themselves.
//
// A tool with no schema, or an empty object schema, always validates.
func ValidateArguments(rawSchema json.RawMessage, arguments map[string]any) error {
	resolved, err := ResolveSchema(rawSchema)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	if err := resolved.Validate(arguments); err != nil {
		return fmt.Errorf("protocol: arguments do not match input schema: %w", err)
	}
	return nil
}

// ResolveSchema parses and resolves a tool's raw inputSchema. A nil or
// empty rawSchema resolves to (nil, nil), meaning "no validation".
func ResolveSchema(rawSchema json.RawMessage) (*jsonschema.Resolved, error) {
	if len(rawSchema) == 0 {
		return nil, nil
	}

	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(rawSchema, schema); err != nil {
		return nil, fmt.Errorf("protocol: parse input schema: %w", err)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: resolve input schema: %w", err)
	}
	return resolved, nil
}
