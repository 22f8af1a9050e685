package protocol

import (
	"embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator holds one compiled closed schema per inbound message type.
// Unknown fields, wrong types, and out-of-range values all fail validation,
// so handlers downstream only ever see well-formed messages.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schemas/<type>.json.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		msgType := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", e.Name(), err)
		}
		id := "https://synapse.dev/schemas/" + msgType
		schema, err := jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", msgType, err)
		}
		schemas[msgType] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Known reports whether msgType is one of the inbound client types.
func (v *Validator) Known(msgType string) bool {
	_, ok := v.schemas[msgType]
	return ok
}

// Validate checks an already-decoded JSON document against the schema for
// its message type. doc must be the result of json.Unmarshal into any.
func (v *Validator) Validate(msgType string, doc any) error {
	schema, ok := v.schemas[msgType]
	if !ok {
		return fmt.Errorf("unknown message type %q", msgType)
	}
	return schema.Validate(doc)
}
