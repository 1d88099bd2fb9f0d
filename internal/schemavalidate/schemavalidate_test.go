package schemavalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patientSchema = `{
  "$id": "patient",
  "type": "object",
  "required": ["resourceType"],
  "properties": {"resourceType": {"const": "Patient"}}
}`

func TestValidateStringAcceptsConformingDocument(t *testing.T) {
	v, err := New([]string{patientSchema}, nil)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateString(`{"resourceType":"Patient"}`, "patient"))
}

func TestValidateStringRejectsNonConformingDocument(t *testing.T) {
	v, err := New([]string{patientSchema}, nil)
	require.NoError(t, err)
	assert.Error(t, v.ValidateString(`{"resourceType":"Observation"}`, "patient"))
}

func TestHasSchemaReflectsRegisteredIDs(t *testing.T) {
	v, err := New([]string{patientSchema}, nil)
	require.NoError(t, err)
	assert.True(t, v.HasSchema("patient"))
	assert.False(t, v.HasSchema("observation"))
}

func TestNewRejectsSchemaMissingID(t *testing.T) {
	_, err := New([]string{`{"type": "object"}`}, nil)
	assert.Error(t, err)
}
