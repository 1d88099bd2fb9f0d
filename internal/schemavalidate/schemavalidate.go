// Package schemavalidate validates resource JSON against per-kind JSON
// Schemas, adapted from the teacher's core/schema package. The FHIR
// profile/validation subsystem itself is out of scope (spec.md §1); this is
// only the structural "does this document even look like the declared
// kind" gate the write path runs before indexing.
package schemavalidate

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Validator validates JSON documents against a set of named schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles schemas (each must carry a top-level "$id") against refs
// (schemas only reachable as $ref targets, never validated against
// directly).
func New(schemas []string, refs []string) (*Validator, error) {
	type idOnly struct {
		ID string `json:"$id"`
	}
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, raw := range schemas {
		var s idOnly
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("parse schema: %w", err)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema is missing $id: %s", raw)
		}
		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("add ref schema: %w", err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", s.ID, err)
		}
		v.schemas[s.ID] = compiled
	}
	return v, nil
}

// HasSchema reports whether id is a known schema.
func (v *Validator) HasSchema(id string) bool {
	_, ok := v.schemas[id]
	return ok
}

// ValidateString validates raw JSON against schema id.
func (v *Validator) ValidateString(raw string, id string) error {
	return v.validate(gojsonschema.NewStringLoader(raw), id)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, id string) error {
	schema, ok := v.schemas[id]
	if !ok {
		return fmt.Errorf("no such schema %s", id)
	}
	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("validate against %s: %w", id, err)
	}
	if !result.Valid() {
		msg := "document does not conform to schema " + id + ":\n"
		for _, e := range result.Errors() {
			msg += "- " + e.String() + "\n"
		}
		return errors.New(msg)
	}
	return nil
}
