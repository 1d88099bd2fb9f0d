package include

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

type fakeLoader struct {
	byKind map[string]map[uuid.UUID]fhirschema.Resource
	revIDs []uuid.UUID
}

func (f *fakeLoader) LoadByIDs(ctx context.Context, kind string, ids []uuid.UUID) ([]fhirschema.Resource, error) {
	var out []fhirschema.Resource
	for _, id := range ids {
		if r, ok := f.byKind[kind][id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLoader) ReferencingIDs(ctx context.Context, sourceKind, code string, targetIDs []uuid.UUID) ([]uuid.UUID, error) {
	return f.revIDs, nil
}

func registry(t *testing.T) *searchparam.Registry {
	t.Helper()
	r, err := searchparam.New([]searchparam.Parameter{
		{Code: "subject", Type: searchparam.TypeReference, ResourceTypes: []string{"Observation"}, Expression: "Observation.subject", Strategy: searchparam.StrategyColumn, ColumnName: "subject"},
	})
	require.NoError(t, err)
	return r
}

func TestResolveNormalIncludeLoadsTarget(t *testing.T) {
	patientID := uuid.New()
	loader := &fakeLoader{byKind: map[string]map[uuid.UUID]fhirschema.Resource{
		"Patient": {patientID: {"resourceType": "Patient", "id": patientID.String()}},
	}}
	obs := fhirschema.Resource{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/" + patientID.String()},
	}
	found, err := Resolve(context.Background(), registry(t), loader, []fhirschema.Resource{obs}, []string{"Observation:subject"}, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Patient", found[0].Kind)
}

func TestResolveDeduplicatesAgainstPrimary(t *testing.T) {
	patientID := uuid.New()
	primary := fhirschema.Resource{"resourceType": "Patient", "id": patientID.String()}
	obs := fhirschema.Resource{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/" + patientID.String()},
	}
	loader := &fakeLoader{byKind: map[string]map[uuid.UUID]fhirschema.Resource{
		"Patient": {patientID: primary},
	}}
	found, err := Resolve(context.Background(), registry(t), loader, []fhirschema.Resource{primary, obs}, []string{"Observation:subject"}, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestResolveWildcardWalksJSON(t *testing.T) {
	patientID := uuid.New()
	loader := &fakeLoader{byKind: map[string]map[uuid.UUID]fhirschema.Resource{
		"Patient": {patientID: {"resourceType": "Patient", "id": patientID.String()}},
	}}
	obs := fhirschema.Resource{
		"resourceType": "Observation",
		"performer":    []interface{}{map[string]interface{}{"reference": "Patient/" + patientID.String()}},
	}
	found, err := Resolve(context.Background(), registry(t), loader, []fhirschema.Resource{obs}, []string{"*"}, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestResolveRevinclude(t *testing.T) {
	obsID := uuid.New()
	patientID := uuid.New()
	loader := &fakeLoader{
		byKind: map[string]map[uuid.UUID]fhirschema.Resource{
			"Observation": {obsID: {"resourceType": "Observation", "id": obsID.String()}},
		},
		revIDs: []uuid.UUID{obsID},
	}
	patient := fhirschema.Resource{"resourceType": "Patient", "id": patientID.String()}
	found, err := Resolve(context.Background(), registry(t), loader, []fhirschema.Resource{patient}, nil, []string{"Observation:subject"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Observation", found[0].Kind)
}
