package wire

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const tabSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id":         {"type": ["string", "integer"]},
		"title":      {"type": ["string", "null"]},
		"url":        {"type": ["string", "null"]},
		"favicon":    {"type": ["string", "null"]},
		"favIconUrl": {"type": ["string", "null"]},
		"active":     {"type": "boolean"},
		"browser":    {"type": "string"},
		"timestamp":  {"type": "integer"},
		"type":       {"type": "string"},
		"windowId":   {"type": "integer"}
	}
}`

// payloadSchemas holds JSON Schemas for producer payloads that feed the registry.
var payloadSchemas = map[string]string{
	"updateTabData": `{
		"type": "object",
		"required": ["tabs"],
		"properties": {
			"browser": {"type": "string"},
			"tabs":    {"type": "array", "items": ` + tabSchema + `},
			"history": {"type": "array", "items": ` + tabSchema + `}
		}
	}`,
	"tabsResponse": `{
		"type": "object",
		"required": ["tabs"],
		"properties": {"tabs": {"type": "array", "items": ` + tabSchema + `}}
	}`,
	"historyResponse": `{
		"type": "object",
		"required": ["history"],
		"properties": {"history": {"type": "array", "items": ` + tabSchema + `}}
	}`,
	"tabUpdated": `{
		"type": "object",
		"required": ["tab"],
		"properties": {"tab": ` + tabSchema + `}
	}`,
	"tabCreated": `{
		"type": "object",
		"required": ["tab"],
		"properties": {"tab": ` + tabSchema + `}
	}`,
	"activateTab": `{
		"type": "object",
		"required": ["sourceId", "id"],
		"properties": {
			"sourceId": {"type": "string", "minLength": 1},
			"id":       {"type": ["string", "integer"]}
		}
	}`,
}

// SchemaError describes a payload that failed validation.
type SchemaError struct {
	Action  string
	Details []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Action, strings.Join(e.Details, "; "))
}

// Validator checks payloads of known actions against compiled JSON Schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles the built-in payload schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(payloadSchemas))}
	for action, src := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", action, err)
		}
		v.schemas[action] = schema
	}
	return v, nil
}

// Validate returns a *SchemaError when env's payload violates the schema for
// its action. Actions without a schema always pass.
func (v *Validator) Validate(env Envelope) error {
	schema, ok := v.schemas[env.Action]
	if !ok {
		return nil
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &SchemaError{Action: env.Action, Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &SchemaError{Action: env.Action, Details: details}
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
)

// DefaultValidator returns the shared validator. The built-in schemas are
// constants, so a compile failure is a programming error.
func DefaultValidator() *Validator {
	defaultValidatorOnce.Do(func() {
		v, err := NewValidator()
		if err != nil {
			panic(err)
		}
		defaultValidator = v
	})
	return defaultValidator
}
