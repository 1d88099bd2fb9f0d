package queryplan

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fhirstore/internal/queryparse"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

func registry(t *testing.T) *searchparam.Registry {
	t.Helper()
	r, err := searchparam.New([]searchparam.Parameter{
		{Code: "gender", Type: searchparam.TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender", Strategy: searchparam.StrategyTokenColumn, ColumnName: "__gender"},
		{Code: "name", Type: searchparam.TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name.family", Strategy: searchparam.StrategyLookupTable, ColumnName: "family", LookupTable: "HumanName"},
		{Code: "birthdate", Type: searchparam.TypeDate, ResourceTypes: []string{"Patient"}, Expression: "Patient.birthDate", Strategy: searchparam.StrategyColumn, ColumnName: "birthdate"},
		{Code: "subject", Type: searchparam.TypeReference, ResourceTypes: []string{"Observation"}, Expression: "Observation.subject", Strategy: searchparam.StrategyColumn, ColumnName: "subject"},
	})
	require.NoError(t, err)
	return r
}

func compile(t *testing.T, reg *searchparam.Registry, kind string, query map[string][]string) Plan {
	t.Helper()
	req, err := queryparse.Parse(query)
	require.NoError(t, err)
	plan, err := Compile(reg, "fhir", kind, uuid.New(), req)
	require.NoError(t, err)
	return plan
}

func TestCompileTokenEquality(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"gender": {"male"}})
	assert.Contains(t, plan.Query, `"__genderText" && $2::text[]`)
	assert.Equal(t, []string{"male"}, plan.Args[1])
}

func TestCompileTokenSystemPrefix(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"gender": {"http://hl7.org/|"}})
	assert.Contains(t, plan.Query, "EXISTS (SELECT 1 FROM unnest")
}

func TestCompileLookupStringDefaultsToPrefix(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"name": {"Chal"}})
	assert.Contains(t, plan.Query, `FROM fhir."HumanName"`)
	assert.Equal(t, "Chal%", plan.Args[1])
}

func TestCompileLookupStringExact(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"name:exact": {"Chalmers"}})
	assert.Equal(t, "Chalmers", plan.Args[1])
	assert.Contains(t, plan.Query, `"family" = $2`)
}

func TestCompileDatePrefix(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"birthdate": {"ge2013-01-01"}})
	assert.Contains(t, plan.Query, `"birthdate" >= $2`)
}

func TestCompileOrderDefaultsToLastUpdated(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{})
	assert.Contains(t, plan.Query, `ORDER BY "lastUpdated" DESC`)
}

func TestCompileOrderBySortParam(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"_sort": {"-birthdate"}})
	assert.Contains(t, plan.Query, `ORDER BY "birthdate" DESC`)
}

func TestCompileUnknownParamErrors(t *testing.T) {
	req, err := queryparse.Parse(map[string][]string{"bogus": {"x"}})
	require.NoError(t, err)
	_, err = Compile(registry(t), "fhir", "Patient", uuid.New(), req)
	assert.Error(t, err)
}

func TestCompileAccurateTotalAddsCountQuery(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"_total": {"accurate"}})
	assert.Contains(t, plan.CountQuery, "SELECT count(*)")
}

func TestCompileProfileFilterUnnestsArrayColumn(t *testing.T) {
	plan := compile(t, registry(t), "Patient", map[string][]string{"_profile": {"http://hl7.org/fhir/StructureDefinition/Patient"}})
	assert.Contains(t, plan.Query, "EXISTS (SELECT 1 FROM unnest")
	assert.Contains(t, plan.Query, `"_profile"`)
}

func TestCompileCompartmentFilter(t *testing.T) {
	id := uuid.New()
	plan := compile(t, registry(t), "Patient", map[string][]string{"_compartment": {id.String()}})
	assert.Contains(t, plan.Query, "compartments @>")
}

func TestCompileSpecialArrayColumnUsesAnyNotEquality(t *testing.T) {
	id := uuid.New()
	p := &searchparam.Parameter{Code: "_compartment", Type: searchparam.TypeSpecial, Strategy: searchparam.StrategyColumn, ColumnName: "compartments", Array: true}
	cond, args, err := compileSpecial(p, queryparse.ParamQuery{Code: "_compartment", Values: []queryparse.Value{{Raw: id.String()}}}, nil)
	require.NoError(t, err)
	assert.Contains(t, cond, "= ANY(")
	assert.Equal(t, []interface{}{id.String()}, args)
}
