package queryparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsCountAndTotal(t *testing.T) {
	req, err := Parse(map[string][]string{})
	require.NoError(t, err)
	assert.Equal(t, 20, req.Count)
	assert.Equal(t, "none", req.Total)
}

func TestParseClampsCount(t *testing.T) {
	req, err := Parse(map[string][]string{"_count": {"5000"}})
	require.NoError(t, err)
	assert.Equal(t, 1000, req.Count)

	req, err = Parse(map[string][]string{"_count": {"-5"}})
	require.NoError(t, err)
	assert.Equal(t, 0, req.Count)
}

func TestParseOrValuesAndPrefix(t *testing.T) {
	req, err := Parse(map[string][]string{"birthdate": {"ge2013-01-01,lt2014-01-01"}})
	require.NoError(t, err)
	require.Len(t, req.Params, 1)
	p := req.Params[0]
	assert.Equal(t, "birthdate", p.Code)
	require.Len(t, p.Values, 2)
	assert.Equal(t, PrefixGE, p.Values[0].Prefix)
	assert.Equal(t, "2013-01-01", p.Values[0].Raw)
	assert.Equal(t, PrefixLT, p.Values[1].Prefix)
}

func TestParseModifier(t *testing.T) {
	req, err := Parse(map[string][]string{"name:exact": {"Chalmers"}})
	require.NoError(t, err)
	require.Len(t, req.Params, 1)
	assert.Equal(t, ModifierExact, req.Params[0].Modifier)
}

func TestParseChain(t *testing.T) {
	req, err := Parse(map[string][]string{"subject:Patient.name": {"Chalmers"}})
	require.NoError(t, err)
	require.Len(t, req.Params, 1)
	require.NotNil(t, req.Params[0].Chain)
	assert.Equal(t, "Patient", req.Params[0].Chain.TargetKind)
	assert.Equal(t, "name", req.Params[0].Chain.TargetCode)
}

func TestParseSortWithDescending(t *testing.T) {
	req, err := Parse(map[string][]string{"_sort": {"-_lastUpdated,name"}})
	require.NoError(t, err)
	require.Len(t, req.Sort, 2)
	assert.Equal(t, "_lastUpdated", req.Sort[0].Code)
	assert.True(t, req.Sort[0].Descending)
	assert.Equal(t, "name", req.Sort[1].Code)
	assert.False(t, req.Sort[1].Descending)
}

func TestParseEscapedComma(t *testing.T) {
	req, err := Parse(map[string][]string{"name": {`Smith\,Jones`}})
	require.NoError(t, err)
	require.Len(t, req.Params[0].Values, 1)
	assert.Equal(t, "Smith,Jones", req.Params[0].Values[0].Raw)
}

func TestParseIterateInclude(t *testing.T) {
	req, err := Parse(map[string][]string{"_include:iterate": {"Patient:organization"}})
	require.NoError(t, err)
	require.Len(t, req.Include, 1)
	assert.Equal(t, "Patient:organization:iterate", req.Include[0])
}
