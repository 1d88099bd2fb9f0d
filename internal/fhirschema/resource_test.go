package fhirschema

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampMetaAndAccessors(t *testing.T) {
	r := Resource{"resourceType": "Patient"}
	id := uuid.New()
	versionID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	r.StampMeta(id, versionID, now)

	assert.Equal(t, "Patient", r.Kind())
	assert.Equal(t, id, r.ID())
	assert.Equal(t, versionID, r.VersionID())
	assert.True(t, now.Equal(r.LastUpdated()))
}

func TestCloneIsIndependentCopy(t *testing.T) {
	r := Resource{"resourceType": "Patient", "name": []interface{}{map[string]interface{}{"family": "Chalmers"}}}
	clone, err := r.Clone()
	require.NoError(t, err)

	names := clone["name"].([]interface{})
	names[0].(map[string]interface{})["family"] = "Mutated"

	original := r["name"].([]interface{})[0].(map[string]interface{})["family"]
	assert.Equal(t, "Chalmers", original)
}

func TestTombstoneCarriesOnlyEnvelope(t *testing.T) {
	id := uuid.New()
	versionID := uuid.New()
	now := time.Now()
	tomb := Tombstone("Patient", id, versionID, now)

	assert.Equal(t, "Patient", tomb.Kind())
	assert.Equal(t, id, tomb.ID())
	_, hasName := tomb["name"]
	assert.False(t, hasName)
}

func TestIsTombstoneDistinguishesFromMinimalResource(t *testing.T) {
	id := uuid.New()
	versionID := uuid.New()
	now := time.Now()
	tomb := Tombstone("Patient", id, versionID, now)
	assert.True(t, tomb.IsTombstone())

	minimal := Resource{"resourceType": "Patient"}
	minimal.StampMeta(id, versionID, now)
	assert.False(t, minimal.IsTombstone())
}

func TestValidateRejectsMissingResourceType(t *testing.T) {
	r := Resource{}
	assert.Error(t, r.Validate())

	r["resourceType"] = "Patient"
	assert.NoError(t, r.Validate())
}
