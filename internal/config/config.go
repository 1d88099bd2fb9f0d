// Package config loads the server's resource/search-parameter
// configuration document, validated against an embedded JSON Schema the
// same way the teacher's backend.New validates bb.Config against
// ConfigSchemaJSON before building any collection (SPEC_FULL.md §4 "C3
// SearchParameterRegistry").
package config

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fhirstore/internal/repository"
	"github.com/relabs-tech/fhirstore/internal/schemavalidate"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

// schemaID is the $id of configSchemaJSON, used to validate a
// configuration document against it before decoding.
const schemaID = "https://fhirstore/config.schema.json"

// configSchemaJSON is the JSON Schema every configuration document must
// satisfy, embedded the way the teacher embeds ConfigSchemaJSON.
const configSchemaJSON = `{
  "$id": "https://fhirstore/config.schema.json",
  "type": "object",
  "required": ["resourceTypes"],
  "properties": {
    "resourceTypes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"type": "string"},
          "compartmentPaths": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "searchParameters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["code", "type", "resourceTypes", "expression"],
        "properties": {
          "code": {"type": "string"},
          "type": {"type": "string"},
          "resourceTypes": {"type": "array", "items": {"type": "string"}},
          "expression": {"type": "string"},
          "strategy": {"type": "string"},
          "columnName": {"type": "string"},
          "columnType": {"type": "string"},
          "array": {"type": "boolean"},
          "lookupTable": {"type": "string"}
        }
      }
    }
  }
}`

// ResourceType describes one declared kind: whether compartment
// membership is tracked for it, and the fhirpath expressions that
// populate the compartments column.
type ResourceType struct {
	Kind             string   `json:"kind"`
	CompartmentPaths []string `json:"compartmentPaths"`
}

// SearchParameterDoc is the wire shape of one declared search parameter,
// converted into a searchparam.Parameter by Document.Parameters.
type SearchParameterDoc struct {
	Code          string   `json:"code"`
	Type          string   `json:"type"`
	ResourceTypes []string `json:"resourceTypes"`
	Expression    string   `json:"expression"`
	Strategy      string   `json:"strategy"`
	ColumnName    string   `json:"columnName"`
	ColumnType    string   `json:"columnType"`
	Array         bool     `json:"array"`
	LookupTable   string   `json:"lookupTable"`
}

// Document is a fully decoded, schema-validated configuration document.
type Document struct {
	ResourceTypes    []ResourceType       `json:"resourceTypes"`
	SearchParameters []SearchParameterDoc `json:"searchParameters"`
}

// Parse validates raw against the embedded schema and decodes it.
func Parse(raw string) (*Document, error) {
	validator, err := schemavalidate.New([]string{configSchemaJSON}, nil)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	if err := validator.ValidateString(raw, schemaID); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &doc, nil
}

// Parameters converts the document's search-parameter declarations into
// the shape internal/searchparam.New expects.
func (d *Document) Parameters() []searchparam.Parameter {
	out := make([]searchparam.Parameter, 0, len(d.SearchParameters))
	for _, p := range d.SearchParameters {
		out = append(out, searchparam.Parameter{
			Code:          p.Code,
			Type:          searchparam.Type(p.Type),
			ResourceTypes: p.ResourceTypes,
			Expression:    p.Expression,
			Strategy:      searchparam.Strategy(p.Strategy),
			ColumnName:    p.ColumnName,
			ColumnType:    p.ColumnType,
			Array:         p.Array,
			LookupTable:   p.LookupTable,
		})
	}
	return out
}

// KindConfigs converts the document's resource-type declarations into the
// shape internal/repository.New expects.
func (d *Document) KindConfigs() []repository.KindConfig {
	out := make([]repository.KindConfig, 0, len(d.ResourceTypes))
	for _, rt := range d.ResourceTypes {
		out = append(out, repository.KindConfig{
			Kind:             rt.Kind,
			HasCompartments:  len(rt.CompartmentPaths) > 0,
			CompartmentPaths: rt.CompartmentPaths,
		})
	}
	return out
}

// Kinds lists every declared resource kind.
func (d *Document) Kinds() []string {
	out := make([]string, 0, len(d.ResourceTypes))
	for _, rt := range d.ResourceTypes {
		out = append(out, rt.Kind)
	}
	return out
}
