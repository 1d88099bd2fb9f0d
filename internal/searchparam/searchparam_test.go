package searchparam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupFallsBackToSpecial(t *testing.T) {
	r, err := New([]Parameter{
		{Code: "gender", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender", Strategy: StrategyTokenColumn, ColumnName: "__gender"},
	})
	require.NoError(t, err)

	p, ok := r.Lookup("Patient", "gender")
	require.True(t, ok)
	assert.Equal(t, TypeToken, p.Type)

	p, ok = r.Lookup("Patient", "_id")
	require.True(t, ok)
	assert.Equal(t, StrategyColumn, p.Strategy)

	_, ok = r.Lookup("Patient", "unknown")
	assert.False(t, ok)
}

func TestNewRejectsDuplicateCode(t *testing.T) {
	_, err := New([]Parameter{
		{Code: "gender", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender", Strategy: StrategyTokenColumn, ColumnName: "__gender"},
		{Code: "gender", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender", Strategy: StrategyTokenColumn, ColumnName: "__gender"},
	})
	assert.Error(t, err)
}

func TestNewDefaultsColumnNameToCode(t *testing.T) {
	r, err := New([]Parameter{
		{Code: "family", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name.family", Strategy: StrategyLookupTable, LookupTable: "HumanName"},
		{Code: "given", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name.given", Strategy: StrategyLookupTable, LookupTable: "HumanName"},
	})
	require.NoError(t, err)

	family, ok := r.Lookup("Patient", "family")
	require.True(t, ok)
	given, ok := r.Lookup("Patient", "given")
	require.True(t, ok)

	assert.Equal(t, "family", family.ColumnName)
	assert.Equal(t, "given", given.ColumnName)
	assert.NotEqual(t, family.ColumnName, given.ColumnName)
}

func TestTokenColumnExpandsToThreeColumns(t *testing.T) {
	p := Parameter{Code: "gender", Type: TypeToken, Strategy: StrategyTokenColumn, ColumnName: "__gender"}
	cols := p.Columns()
	require.Len(t, cols, 3)
	names := map[string]bool{}
	for _, c := range cols {
		names[c.Name] = true
	}
	assert.True(t, names["__genderHash"])
	assert.True(t, names["__genderText"])
	assert.True(t, names["__genderSort"])
}

func TestLookupTableStrategyOnlyEmitsSortColumn(t *testing.T) {
	p := Parameter{Code: "name", Type: TypeString, Strategy: StrategyLookupTable, ColumnName: "name", LookupTable: "HumanName"}
	cols := p.Columns()
	require.Len(t, cols, 1)
	assert.Equal(t, "nameSort", cols[0].Name)
}

func TestForKindAndKinds(t *testing.T) {
	r, err := New([]Parameter{
		{Code: "gender", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender", Strategy: StrategyTokenColumn, ColumnName: "__gender"},
		{Code: "subject", Type: TypeReference, ResourceTypes: []string{"Observation"}, Expression: "Observation.subject", Strategy: StrategyColumn, ColumnName: "subject"},
	})
	require.NoError(t, err)
	assert.Len(t, r.ForKind("Patient"), 1)
	assert.ElementsMatch(t, []string{"Patient", "Observation"}, r.Kinds())
}
