package fhirpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func patient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "male",
		"name": []interface{}{
			map[string]interface{}{"family": "Chalmers", "given": []interface{}{"Peter", "James"}},
		},
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://ns", "value": "abc"},
		},
	}
}

func TestExtractSimplePath(t *testing.T) {
	got := Extract("Patient.gender", "Patient", patient())
	assert.Equal(t, []interface{}{"male"}, got)
}

func TestExtractFlattensArrays(t *testing.T) {
	got := Extract("Patient.name.given", "Patient", patient())
	assert.Equal(t, []interface{}{"Peter", "James"}, got)
}

func TestExtractSkipsNonMatchingUnionBranch(t *testing.T) {
	got := Extract("Observation.subject | Patient.gender", "Patient", patient())
	assert.Equal(t, []interface{}{"male"}, got)
}

func TestExtractStripsWhereAndResolve(t *testing.T) {
	got := Extract("Patient.name.where(use = 'official').given.resolve()", "Patient", patient())
	assert.Equal(t, []interface{}{"Peter", "James"}, got)
}

func TestExtractIndexer(t *testing.T) {
	got := Extract("Patient.name.given[0]", "Patient", patient())
	assert.Equal(t, []interface{}{"Peter"}, got)
}

func TestExtractAsCast(t *testing.T) {
	obs := map[string]interface{}{
		"resourceType": "Observation",
		"valueQuantity": map[string]interface{}{
			"value": 72.0,
		},
	}
	got := Extract("Observation.value.as(Quantity)", "Observation", obs)
	assert.Equal(t, []interface{}{map[string]interface{}{"value": 72.0}}, got)
}

func TestExtractMissingPathYieldsNothing(t *testing.T) {
	got := Extract("Patient.birthDate", "Patient", patient())
	assert.Nil(t, got)
}

func TestAsTokensFromCodeableConcept(t *testing.T) {
	cc := map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "1234-5"},
		},
	}
	tokens := AsTokens([]interface{}{cc})
	assert.Equal(t, []Token{{System: "http://loinc.org", Code: "1234-5"}}, tokens)
}

func TestAsReferences(t *testing.T) {
	refs := AsReferences([]interface{}{
		map[string]interface{}{"reference": "Patient/123"},
		"Patient/456",
	})
	assert.Equal(t, []string{"Patient/123", "Patient/456"}, refs)
}
