package rowbuild

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

func registry(t *testing.T) *searchparam.Registry {
	t.Helper()
	r, err := searchparam.New([]searchparam.Parameter{
		{Code: "gender", Type: searchparam.TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender", Strategy: searchparam.StrategyTokenColumn, ColumnName: "__gender"},
		{Code: "birthdate", Type: searchparam.TypeDate, ResourceTypes: []string{"Patient"}, Expression: "Patient.birthDate", Strategy: searchparam.StrategyColumn, ColumnName: "birthdate"},
		{Code: "name", Type: searchparam.TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name", Strategy: searchparam.StrategyLookupTable, ColumnName: "name", LookupTable: "HumanName"},
		{Code: "general-practitioner", Type: searchparam.TypeReference, ResourceTypes: []string{"Patient"}, Expression: "Patient.generalPractitioner", Strategy: searchparam.StrategyColumn, ColumnName: "generalpractitioner"},
	})
	require.NoError(t, err)
	return r
}

func TestBuildTokenColumn(t *testing.T) {
	reg := registry(t)
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "male",
	}
	res := Build(reg, "Patient", patient, nil)
	assert.Equal(t, "male", res.Columns["__genderSort"])
	hashes, ok := res.Columns["__genderHash"].([]uuid.UUID)
	require.True(t, ok)
	require.Len(t, hashes, 1)
	texts := res.Columns["__genderText"].([]string)
	assert.Equal(t, []string{"male"}, texts)
}

func TestBuildLookupTableRowsAndSort(t *testing.T) {
	reg := registry(t)
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Chalmers", "given": []interface{}{"Peter", "James"}},
		},
	}
	res := Build(reg, "Patient", patient, nil)
	assert.Equal(t, "Chalmers Peter", res.Columns["nameSort"])
	rows := res.LookupRows["HumanName"]
	require.Len(t, rows, 1)
	assert.Equal(t, "Chalmers", rows[0]["family"])
	assert.Equal(t, "Peter", rows[0]["given"])
}

func TestBuildReferenceRows(t *testing.T) {
	reg := registry(t)
	targetID := uuid.New()
	patient := map[string]interface{}{
		"resourceType":        "Patient",
		"generalPractitioner": map[string]interface{}{"reference": "Practitioner/" + targetID.String()},
	}
	res := Build(reg, "Patient", patient, nil)
	require.Len(t, res.References, 1)
	assert.Equal(t, targetID, res.References[0].TargetID)
	assert.Equal(t, "general-practitioner", res.References[0].Code)
}

func TestBuildMetaTagsFoldIntoSharedTokens(t *testing.T) {
	reg := registry(t)
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"meta": map[string]interface{}{
			"tag":      []interface{}{map[string]interface{}{"system": "http://tags", "code": "vip"}},
			"security": []interface{}{map[string]interface{}{"system": "http://sec", "code": "R"}},
			"profile":  []interface{}{"http://example.org/StructureDefinition/my-patient"},
			"source":   "http://example.org/source",
		},
	}
	res := Build(reg, "Patient", patient, nil)
	assert.Equal(t, []string{"http://example.org/StructureDefinition/my-patient"}, res.Columns["_profile"])
	assert.Equal(t, "http://example.org/source", res.Columns["_source"])
	shared := res.Columns["__sharedTokens"].([]uuid.UUID)
	assert.Len(t, shared, 2)
}

func TestBuildSkipsParameterWithNoValue(t *testing.T) {
	reg := registry(t)
	patient := map[string]interface{}{"resourceType": "Patient"}
	res := Build(reg, "Patient", patient, nil)
	_, ok := res.Columns["birthdate"]
	assert.False(t, ok)
}
