package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/queryparse"
	"github.com/relabs-tech/fhirstore/internal/repository"
	"github.com/relabs-tech/fhirstore/internal/subscription"
)

type fakeRepo struct {
	created fhirschema.Resource
}

func (f *fakeRepo) Create(_ context.Context, kind string, resource fhirschema.Resource, assignedID, _ uuid.UUID) (fhirschema.Resource, error) {
	res, _ := resource.Clone()
	id := assignedID
	if id == uuid.Nil {
		id = uuid.New()
	}
	res.StampMeta(id, uuid.New(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f.created = res
	return res, nil
}

func (f *fakeRepo) Update(context.Context, string, fhirschema.Resource, uuid.UUID, *uuid.UUID) (fhirschema.Resource, error) {
	return nil, outcome.New(outcome.KindNotFound, "not found")
}

func (f *fakeRepo) Delete(context.Context, string, uuid.UUID, uuid.UUID) error { return nil }

func (f *fakeRepo) Read(_ context.Context, kind string, id uuid.UUID) (fhirschema.Resource, error) {
	if f.created != nil && f.created.ID() == id {
		return f.created, nil
	}
	return nil, outcome.New(outcome.KindNotFound, "no such resource")
}

func (f *fakeRepo) ConditionalCreate(context.Context, string, fhirschema.Resource, uuid.UUID, *queryparse.Request) (fhirschema.Resource, bool, error) {
	return nil, false, outcome.New(outcome.KindInvalidParameter, "unsupported in test")
}

func (f *fakeRepo) ConditionalUpdate(context.Context, string, fhirschema.Resource, uuid.UUID, *queryparse.Request) (fhirschema.Resource, bool, error) {
	return nil, false, outcome.New(outcome.KindInvalidParameter, "unsupported in test")
}

func (f *fakeRepo) ConditionalDelete(context.Context, string, uuid.UUID, *queryparse.Request) (int, error) {
	return 0, nil
}

func (f *fakeRepo) ReadVersion(context.Context, string, uuid.UUID, uuid.UUID) (fhirschema.Resource, error) {
	return nil, outcome.New(outcome.KindNotFound, "no such version")
}

func (f *fakeRepo) ReadHistory(context.Context, string, uuid.UUID, int) ([]repository.HistoryEntry, error) {
	return nil, nil
}

func (f *fakeRepo) ReadTypeHistory(context.Context, string, int) ([]repository.HistoryEntry, error) {
	return nil, nil
}

func (f *fakeRepo) Search(context.Context, string, uuid.UUID, *queryparse.Request) (*repository.SearchResult, error) {
	return &repository.SearchResult{}, nil
}

func (f *fakeRepo) Everything(context.Context, string, uuid.UUID, uuid.UUID, []string) (fhirschema.Resource, []fhirschema.Resource, error) {
	return nil, nil, outcome.New(outcome.KindNotFound, "no such resource")
}

func newTestServer() (*Server, *fakeRepo) {
	repo := &fakeRepo{}
	s := New(repo, subscription.NewManager(), []string{"Patient"})
	return s, repo
}

func TestCreateReturns201WithLocationAndETag(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"resourceType":"Patient","gender":"female"}`)
	req := httptest.NewRequest(http.MethodPost, "/Patient", body)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Location"), "Patient/")
}

func TestReadMissingReturns404Outcome(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/Patient/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "OperationOutcome")
}

func TestReadInvalidIDReturns400(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/Patient/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadRoundTripsCreatedResource(t *testing.T) {
	s, repo := newTestServer()
	createReq := httptest.NewRequest(http.MethodPost, "/Patient", bytes.NewBufferString(`{"resourceType":"Patient"}`))
	s.ServeHTTP(httptest.NewRecorder(), createReq)
	require.NotNil(t, repo.created)

	req := httptest.NewRequest(http.MethodGet, "/Patient/"+repo.created.ID().String(), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, weakETag(repo.created.VersionID()), rec.Header().Get("ETag"))
}
