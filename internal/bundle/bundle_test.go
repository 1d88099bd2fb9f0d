package bundle

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/queryparse"
)

type fakeRepo struct {
	created []fhirschema.Resource
	updated []fhirschema.Resource
	deleted []uuid.UUID
}

func (f *fakeRepo) Create(_ context.Context, kind string, resource fhirschema.Resource, assignedID uuid.UUID, _ uuid.UUID) (fhirschema.Resource, error) {
	id := assignedID
	if id == uuid.Nil {
		id = uuid.New()
	}
	resource.StampMeta(id, uuid.New(), resource.LastUpdated())
	f.created = append(f.created, resource)
	return resource, nil
}

func (f *fakeRepo) Update(_ context.Context, kind string, resource fhirschema.Resource, _ uuid.UUID, _ *uuid.UUID) (fhirschema.Resource, error) {
	f.updated = append(f.updated, resource)
	return resource, nil
}

func (f *fakeRepo) Delete(_ context.Context, kind string, id uuid.UUID, _ uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRepo) Read(_ context.Context, kind string, id uuid.UUID) (fhirschema.Resource, error) {
	return fhirschema.Resource{"resourceType": kind, "id": id.String()}, nil
}

func (f *fakeRepo) ConditionalCreate(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, _ *queryparse.Request) (fhirschema.Resource, bool, error) {
	res, err := f.Create(ctx, kind, resource, uuid.Nil, projectID)
	return res, true, err
}

func (f *fakeRepo) ConditionalUpdate(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, _ *queryparse.Request) (fhirschema.Resource, bool, error) {
	res, err := f.Update(ctx, kind, resource, projectID, nil)
	return res, false, err
}

func TestProcessBatchRunsEachEntryIndependently(t *testing.T) {
	repo := &fakeRepo{}
	entries := []Entry{
		{Method: "POST", URL: "Patient", Resource: fhirschema.Resource{"resourceType": "Patient"}},
		{Method: "DELETE", URL: "Patient/" + uuid.New().String()},
	}
	results := Process(context.Background(), repo, TypeBatch, uuid.Nil, entries)
	require.Len(t, results, 2)
	assert.Equal(t, 201, results[0].Status)
	assert.Equal(t, 200, results[1].Status)
	assert.Len(t, repo.created, 1)
	assert.Len(t, repo.deleted, 1)
}

func TestProcessTransactionOrdersProducerBeforeConsumer(t *testing.T) {
	repo := &fakeRepo{}
	entries := []Entry{
		{
			FullURL: "urn:uuid:2",
			Method:  "POST", URL: "Observation",
			Resource: fhirschema.Resource{"resourceType": "Observation", "subject": map[string]interface{}{"reference": "urn:uuid:1"}},
		},
		{
			FullURL: "urn:uuid:1",
			Method:  "POST", URL: "Patient",
			Resource: fhirschema.Resource{"resourceType": "Patient"},
		},
	}
	results := Process(context.Background(), repo, TypeTransaction, uuid.Nil, entries)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	require.Len(t, repo.created, 2)
	assert.Equal(t, "Patient", repo.created[0].Kind())
	assert.Equal(t, "Observation", repo.created[1].Kind())
	subj := repo.created[1]["subject"].(map[string]interface{})
	assert.NotEqual(t, "urn:uuid:1", subj["reference"])
}

func TestProcessTransactionStopsAfterFailure(t *testing.T) {
	repo := &fakeRepo{}
	entries := []Entry{
		{Method: "DELETE", URL: "Patient/not-a-uuid"},
		{Method: "POST", URL: "Patient", Resource: fhirschema.Resource{"resourceType": "Patient"}},
	}
	results := Process(context.Background(), repo, TypeTransaction, uuid.Nil, entries)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Empty(t, repo.created)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	entries := []Entry{
		{FullURL: "urn:uuid:a", Resource: fhirschema.Resource{"ref": map[string]interface{}{"reference": "urn:uuid:b"}}},
		{FullURL: "urn:uuid:b", Resource: fhirschema.Resource{"ref": map[string]interface{}{"reference": "urn:uuid:a"}}},
	}
	_, err := topologicalOrder(entries)
	assert.Error(t, err)
}
