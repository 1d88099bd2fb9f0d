package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/outcome"
)

func TestCacheKeyCombinesKindAndID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "Patient/"+id.String(), cacheKey("Patient", id))
}

func TestParseTargetIDAcceptsKindSlashID(t *testing.T) {
	id := uuid.New()
	got, ok := parseTargetID("Patient/" + id.String())
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestParseTargetIDRejectsMalformed(t *testing.T) {
	_, ok := parseTargetID("not-a-reference")
	assert.False(t, ok)
}

func TestCompartmentIDsSkipsDisabledKinds(t *testing.T) {
	res := fhirschema.Resource{"resourceType": "Observation", "subject": map[string]interface{}{"reference": "Patient/" + uuid.New().String()}}
	ids := compartmentIDs(res, KindConfig{HasCompartments: false, CompartmentPaths: []string{"Observation.subject"}})
	assert.Nil(t, ids)
}

func TestCompartmentIDsExtractsReferencedIDs(t *testing.T) {
	target := uuid.New()
	res := fhirschema.Resource{"resourceType": "Observation", "subject": map[string]interface{}{"reference": "Patient/" + target.String()}}
	ids := compartmentIDs(res, KindConfig{HasCompartments: true, CompartmentPaths: []string{"Observation.subject"}})
	assert.Equal(t, []uuid.UUID{target}, ids)
}

func TestWrapArrayArgsLeavesScalarsAlone(t *testing.T) {
	out := wrapArrayArgs([]interface{}{"male", 42})
	assert.Equal(t, "male", out[0])
	assert.Equal(t, 42, out[1])
}

func TestWrapArrayArgsWrapsStringSlices(t *testing.T) {
	out := wrapArrayArgs([]interface{}{[]string{"a", "b"}})
	assert.NotEqual(t, []string{"a", "b"}, out[0])
}

func TestNoopValidatorNeverHasASchemaAndNeverFails(t *testing.T) {
	var v noopValidator
	assert.False(t, v.HasSchema("Patient"))
	assert.NoError(t, v.ValidateString(`{"anything":true}`, "Patient"))
}

type rejectingValidator struct{ schema string }

func (r rejectingValidator) HasSchema(id string) bool { return id == r.schema }
func (r rejectingValidator) ValidateString(string, string) error {
	return assert.AnError
}

func TestRejectingValidatorHasOnlyItsOwnSchema(t *testing.T) {
	v := rejectingValidator{schema: "Patient"}
	assert.True(t, v.HasSchema("Patient"))
	assert.False(t, v.HasSchema("Observation"))
}

func TestNoopAuditSinkNeverRecords(t *testing.T) {
	var s noopAuditSink
	assert.NotPanics(t, func() {
		s.Record(context.Background(), outcome.AuditEvent{Kind: "Patient", ResourceID: uuid.New(), Operation: "create"})
	})
}
