// Package repository implements the uniform CRUD/search/history surface
// every resource kind shares (spec.md §4.4, component C10), wiring together
// C1-C9: it stamps ids/versions, runs C5/C6 to compute and write the
// generated columns, executes C7/C8-compiled searches, resolves C9
// includes, and notifies a best-effort Notifier (the subscription engine)
// after each commit. It follows the teacher's single-transaction-per-
// operation discipline (core/backend/collection.go's db.BeginTx) and its
// preference for translating *pq.Error at the repository boundary rather
// than leaking driver types to callers.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"

	"github.com/relabs-tech/fhirstore/internal/fhirpath"
	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/ids"
	"github.com/relabs-tech/fhirstore/internal/include"
	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/pgdb"
	"github.com/relabs-tech/fhirstore/internal/queryparse"
	"github.com/relabs-tech/fhirstore/internal/queryplan"
	"github.com/relabs-tech/fhirstore/internal/rlog"
	"github.com/relabs-tech/fhirstore/internal/rowbuild"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
	"github.com/relabs-tech/fhirstore/internal/sqlwrite"
)

// Notifier is invoked, best-effort, after a write commits (spec.md §4.9
// "notify subscriptions"). internal/subscription implements it; repository
// never blocks on it or lets it fail the triggering operation.
type Notifier interface {
	Notify(kind string, resource fhirschema.Resource, op string)
}

// noopNotifier is used when the repository is built without subscriptions.
type noopNotifier struct{}

func (noopNotifier) Notify(string, fhirschema.Resource, string) {}

// Validator gates a write with a structural JSON Schema check before it
// reaches indexing (SPEC_FULL.md §4 "a structural JSON Schema gate on
// write is ambient plumbing"), the way backend.New validates bb.Config
// and collection handlers validate request bodies against a per-resource
// schema. internal/schemavalidate implements it.
type Validator interface {
	HasSchema(id string) bool
	ValidateString(raw string, id string) error
}

// noopValidator is used when the repository is built without a schema
// validator; every write passes through unchecked.
type noopValidator struct{}

func (noopValidator) HasSchema(string) bool            { return false }
func (noopValidator) ValidateString(string, string) error { return nil }

// AuditSink records a best-effort audit trail of every mutating operation
// (SPEC_FULL.md §4 "Audit events"). internal/audit implements it; like
// Notifier, repository never blocks on it or lets it fail the operation.
type AuditSink interface {
	Record(ctx context.Context, ev outcome.AuditEvent)
}

// noopAuditSink is used when the repository is built without an audit sink.
type noopAuditSink struct{}

func (noopAuditSink) Record(context.Context, outcome.AuditEvent) {}

// KindConfig declares one resource kind's storage shape.
type KindConfig struct {
	Kind             string
	HasCompartments  bool
	CompartmentPaths []string // expressions yielding compartment ids, e.g. "Observation.subject"
	SchemaID         string   // validator schema id gating writes of this kind; empty skips the gate
}

// SearchResult is one page of a search, ready for the HTTP envelope.
type SearchResult struct {
	Resources []fhirschema.Resource
	Included  []include.Found
	Total     *int64
	HasMore   bool
}

// HistoryEntry is one entry of a history envelope (spec.md §6).
type HistoryEntry struct {
	Resource    fhirschema.Resource // nil for a deleted version
	Method      string
	VersionID   uuid.UUID
	LastUpdated time.Time
	Deleted     bool
}

// Repository is the public, kind-agnostic CRUD/search surface.
type Repository struct {
	db        *pgdb.DB
	reg       *searchparam.Registry
	kinds     map[string]KindConfig
	cache     *lru.Cache[string, fhirschema.Resource]
	notifier  Notifier
	validator Validator
	audit     AuditSink
}

// New builds a Repository. cacheSize bounds the read-path LRU cache
// (spec.md §4.4 "bounded LRU-style cache"); notifier, validator and audit
// may be nil, in which case notification, schema validation and audit
// recording are no-ops.
func New(db *pgdb.DB, reg *searchparam.Registry, kinds []KindConfig, cacheSize int, notifier Notifier, validator Validator, audit AuditSink) (*Repository, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, fhirschema.Resource](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resource cache: %w", err)
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if validator == nil {
		validator = noopValidator{}
	}
	if audit == nil {
		audit = noopAuditSink{}
	}
	byKind := map[string]KindConfig{}
	for _, k := range kinds {
		byKind[k.Kind] = k
	}
	return &Repository{db: db, reg: reg, kinds: byKind, cache: cache, notifier: notifier, validator: validator, audit: audit}, nil
}

func cacheKey(kind string, id uuid.UUID) string {
	return kind + "/" + id.String()
}

// Create inserts a brand-new resource, minting an id when assignedID is the
// zero UUID (spec.md §4.4 "create").
func (r *Repository) Create(ctx context.Context, kind string, resource fhirschema.Resource, assignedID uuid.UUID, projectID uuid.UUID) (fhirschema.Resource, error) {
	if resource.Kind() != kind {
		return nil, outcome.New(outcome.KindInvariantViolation, fmt.Sprintf("resource body kind %q does not match %q", resource.Kind(), kind))
	}
	id := assignedID
	if id == uuid.Nil {
		id = ids.New()
	}
	return r.persist(ctx, kind, id, resource, projectID, "create", nil)
}

// Update replaces an existing resource's current version (spec.md §4.4
// "update"). expectedVersion, when non-nil, is compared against the
// row-locked current versionId before the write proceeds.
func (r *Repository) Update(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, expectedVersion *uuid.UUID) (fhirschema.Resource, error) {
	id := resource.ID()
	if id == uuid.Nil {
		return nil, outcome.New(outcome.KindInvariantViolation, "update requires a resource id")
	}
	return r.persist(ctx, kind, id, resource, projectID, "update", expectedVersion)
}

// persist runs the row-level write workflow of spec.md §4.9 for both
// create and update: precheck (update only), upsert main, insert history,
// replace references and lookup rows, commit, invalidate cache, notify.
func (r *Repository) persist(ctx context.Context, kind string, id uuid.UUID, resource fhirschema.Resource, projectID uuid.UUID, op string, expectedVersion *uuid.UUID) (fhirschema.Resource, error) {
	cfg := r.kinds[kind]
	tables := fhirschema.NewKindTables(kind)
	versionID := ids.New()
	lastUpdated := time.Now().UTC()

	working, err := resource.Clone()
	if err != nil {
		return nil, outcome.Wrap(outcome.KindInvariantViolation, "resource is not valid JSON", err)
	}
	working.StampMeta(id, versionID, lastUpdated)
	content, err := json.Marshal(map[string]interface{}(working))
	if err != nil {
		return nil, outcome.Wrap(outcome.KindInvariantViolation, "failed to marshal resource", err)
	}
	if cfg.SchemaID != "" && r.validator.HasSchema(cfg.SchemaID) {
		if err := r.validator.ValidateString(string(content), cfg.SchemaID); err != nil {
			return nil, outcome.Wrap(outcome.KindInvariantViolation, "resource failed schema validation", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "begin transaction", err)
	}
	defer tx.Rollback()

	if op == "update" {
		if err := precheckForUpdate(ctx, tx, r.db.Schema, tables, id, expectedVersion); err != nil {
			return nil, err
		}
	}

	compartments := compartmentIDs(working, cfg)
	built := rowbuild.Build(r.reg, kind, working, compartments)

	mainRow := sqlwrite.MainRow{
		ID: id, VersionID: versionID, Version: 1, LastUpdated: lastUpdated,
		ProjectID: projectID, Content: content, Compartments: compartments,
	}
	if err := execStatement(ctx, tx, sqlwrite.UpsertMain(r.db.Schema, tables, mainRow, built.Columns)); err != nil {
		return nil, translateWriteError(err, kind, id)
	}

	historyRow := sqlwrite.HistoryRow{VersionID: versionID, ID: id, Content: content, LastUpdated: lastUpdated}
	if err := execStatement(ctx, tx, sqlwrite.InsertHistory(r.db.Schema, tables, historyRow)); err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, "insert history row", err)
	}

	for _, stmt := range sqlwrite.ReplaceReferences(r.db.Schema, tables, id, built.References) {
		if err := execStatement(ctx, tx, stmt); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "replace references", err)
		}
	}
	for table, rows := range built.LookupRows {
		for _, stmt := range sqlwrite.ReplaceLookupRows(r.db.Schema, table, id, rows) {
			if err := execStatement(ctx, tx, stmt); err != nil {
				return nil, outcome.Wrap(outcome.KindInternal, "replace lookup rows", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "commit transaction", err)
	}

	r.cache.Add(cacheKey(kind, id), working)
	r.notifyAsync(kind, working, op)
	r.auditAsync(outcome.AuditEvent{Kind: kind, ResourceID: id, Operation: op, ProjectID: projectID, At: lastUpdated})
	return working, nil
}

func precheckForUpdate(ctx context.Context, tx *sql.Tx, schema string, tables fhirschema.KindTables, id uuid.UUID, expectedVersion *uuid.UUID) error {
	stmt := sqlwrite.SelectForUpdate(schema, tables, id)
	var currentVersionID uuid.UUID
	var version int16
	var deleted bool
	var content []byte
	err := tx.QueryRowContext(ctx, stmt.Query, stmt.Args...).Scan(&currentVersionID, &version, &deleted, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return outcome.New(outcome.KindNotFound, fmt.Sprintf("%s/%s not found", tables.Kind, id))
	}
	if err != nil {
		return outcome.Wrap(outcome.KindTransient, "precheck row lock", err)
	}
	if deleted {
		return outcome.New(outcome.KindGone, fmt.Sprintf("%s/%s is deleted", tables.Kind, id))
	}
	if expectedVersion != nil && *expectedVersion != currentVersionID {
		return outcome.New(outcome.KindVersionConflict, fmt.Sprintf("%s/%s version mismatch", tables.Kind, id))
	}
	return nil
}

// Delete soft-deletes a resource: it writes a tombstone as the new current
// version (deleted=true, no content) and a tombstone history row.
func (r *Repository) Delete(ctx context.Context, kind string, id uuid.UUID, projectID uuid.UUID) error {
	tables := fhirschema.NewKindTables(kind)
	versionID := ids.New()
	lastUpdated := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome.Wrap(outcome.KindTransient, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := precheckForUpdate(ctx, tx, r.db.Schema, tables, id, nil); err != nil {
		return err
	}

	mainRow := sqlwrite.MainRow{ID: id, VersionID: versionID, Version: 1, Deleted: true, LastUpdated: lastUpdated, ProjectID: projectID}
	if err := execStatement(ctx, tx, sqlwrite.UpsertMain(r.db.Schema, tables, mainRow, map[string]interface{}{})); err != nil {
		return outcome.Wrap(outcome.KindInternal, "upsert tombstone", err)
	}
	tomb := fhirschema.Tombstone(kind, id, versionID, lastUpdated)
	content, _ := json.Marshal(map[string]interface{}(tomb))
	historyRow := sqlwrite.HistoryRow{VersionID: versionID, ID: id, Content: content, LastUpdated: lastUpdated}
	if err := execStatement(ctx, tx, sqlwrite.InsertHistory(r.db.Schema, tables, historyRow)); err != nil {
		return outcome.Wrap(outcome.KindInternal, "insert tombstone history row", err)
	}
	for _, stmt := range sqlwrite.ReplaceReferences(r.db.Schema, tables, id, nil) {
		if err := execStatement(ctx, tx, stmt); err != nil {
			return outcome.Wrap(outcome.KindInternal, "clear references", err)
		}
	}
	for _, table := range fhirschema.AllLookupTables() {
		for _, stmt := range sqlwrite.ReplaceLookupRows(r.db.Schema, table, id, nil) {
			if err := execStatement(ctx, tx, stmt); err != nil {
				return outcome.Wrap(outcome.KindInternal, "clear lookup rows", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return outcome.Wrap(outcome.KindTransient, "commit transaction", err)
	}
	r.cache.Remove(cacheKey(kind, id))
	r.notifyAsync(kind, tomb, "delete")
	r.auditAsync(outcome.AuditEvent{Kind: kind, ResourceID: id, Operation: "delete", ProjectID: projectID, At: lastUpdated})
	return nil
}

// Read fetches the latest version of a resource, consulting the cache
// first (spec.md §4.4 "consulted only by read").
func (r *Repository) Read(ctx context.Context, kind string, id uuid.UUID) (fhirschema.Resource, error) {
	if cached, ok := r.cache.Get(cacheKey(kind, id)); ok {
		return cached, nil
	}
	resources, err := r.LoadByIDs(ctx, kind, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, outcome.New(outcome.KindNotFound, fmt.Sprintf("%s/%s not found", kind, id))
	}
	r.cache.Add(cacheKey(kind, id), resources[0])
	return resources[0], nil
}

// LoadByIDs bulk-loads non-deleted resources by id; it implements
// internal/include.Loader. Deleted or missing ids are silently skipped.
func (r *Repository) LoadByIDs(ctx context.Context, kind string, ids []uuid.UUID) ([]fhirschema.Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tables := fhirschema.NewKindTables(kind)
	query := fmt.Sprintf(`SELECT content FROM %s.%q WHERE id = ANY($1) AND deleted = false;`, r.db.Schema, tables.Main)
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "load by ids", err)
	}
	defer rows.Close()

	var out []fhirschema.Resource
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "scan resource row", err)
		}
		var res fhirschema.Resource
		if err := json.Unmarshal(content, &res); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "decode resource row", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReferencingIDs implements internal/include.Loader's revinclude lookup.
func (r *Repository) ReferencingIDs(ctx context.Context, sourceKind, code string, targetIDs []uuid.UUID) ([]uuid.UUID, error) {
	tables := fhirschema.NewKindTables(sourceKind)
	query := fmt.Sprintf(`SELECT DISTINCT "resourceId" FROM %s.%q WHERE code = $1 AND "targetId" = ANY($2);`, r.db.Schema, tables.References)
	rows, err := r.db.QueryContext(ctx, query, code, pq.Array(targetIDs))
	if err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "load referencing ids", err)
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "scan referencing id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReadVersion fetches one historical snapshot by versionId (spec.md §4.4
// "readVersion"). A tombstone row (a fhirschema.Tombstone envelope) reports
// gone.
func (r *Repository) ReadVersion(ctx context.Context, kind string, id, versionID uuid.UUID) (fhirschema.Resource, error) {
	tables := fhirschema.NewKindTables(kind)
	query := fmt.Sprintf(`SELECT content FROM %s.%q WHERE "versionId" = $1 AND id = $2;`, r.db.Schema, tables.History)
	var content []byte
	err := r.db.QueryRowContext(ctx, query, versionID, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outcome.New(outcome.KindNotFound, fmt.Sprintf("%s/%s/_history/%s not found", kind, id, versionID))
	}
	if err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "read version", err)
	}
	var res fhirschema.Resource
	if err := json.Unmarshal(content, &res); err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, "decode version row", err)
	}
	if res.IsTombstone() {
		return nil, outcome.New(outcome.KindGone, fmt.Sprintf("%s/%s/_history/%s is deleted", kind, id, versionID))
	}
	return res, nil
}

// ReadHistory returns a kind instance's versions, newest first.
func (r *Repository) ReadHistory(ctx context.Context, kind string, id uuid.UUID, count int) ([]HistoryEntry, error) {
	return r.readHistory(ctx, kind, &id, count)
}

// ReadTypeHistory returns every instance's versions for kind, newest first.
func (r *Repository) ReadTypeHistory(ctx context.Context, kind string, count int) ([]HistoryEntry, error) {
	return r.readHistory(ctx, kind, nil, count)
}

func (r *Repository) readHistory(ctx context.Context, kind string, id *uuid.UUID, count int) ([]HistoryEntry, error) {
	tables := fhirschema.NewKindTables(kind)
	var query string
	var args []interface{}
	if id != nil {
		query = fmt.Sprintf(`SELECT "versionId", content, "lastUpdated" FROM %s.%q WHERE id = $1 ORDER BY "lastUpdated" DESC LIMIT $2;`, r.db.Schema, tables.History)
		args = []interface{}{*id, count}
	} else {
		query = fmt.Sprintf(`SELECT "versionId", content, "lastUpdated" FROM %s.%q ORDER BY "lastUpdated" DESC LIMIT $1;`, r.db.Schema, tables.History)
		args = []interface{}{count}
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "read history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var versionID uuid.UUID
		var content []byte
		var lastUpdated time.Time
		if err := rows.Scan(&versionID, &content, &lastUpdated); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "scan history row", err)
		}
		var res fhirschema.Resource
		_ = json.Unmarshal(content, &res)
		entry := HistoryEntry{VersionID: versionID, LastUpdated: lastUpdated, Resource: res}
		if res.IsTombstone() {
			entry.Deleted = true
			entry.Method = "DELETE"
			entry.Resource = nil
		} else {
			entry.Method = "PUT"
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Search runs req against kind and resolves any requested includes
// (spec.md §4.5, §4.6).
func (r *Repository) Search(ctx context.Context, kind string, projectID uuid.UUID, req *queryparse.Request) (*SearchResult, error) {
	plan, err := queryplan.Compile(r.reg, r.db.Schema, kind, projectID, req)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindInvalidParameter, err.Error(), err)
	}
	rows, err := r.db.QueryContext(ctx, plan.Query, plan.Args...)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindTransient, "execute search", err)
	}
	defer rows.Close()

	var resources []fhirschema.Resource
	for rows.Next() {
		var id uuid.UUID
		var content []byte
		if err := rows.Scan(&id, &content); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "scan search row", err)
		}
		var res fhirschema.Resource
		if err := json.Unmarshal(content, &res); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "decode search row", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, "iterate search rows", err)
	}

	result := &SearchResult{Resources: resources, HasMore: req.Count > 0 && len(resources) == req.Count}

	if plan.CountQuery != "" {
		var total int64
		if err := r.db.QueryRowContext(ctx, plan.CountQuery, plan.CountArgs...).Scan(&total); err != nil {
			return nil, outcome.Wrap(outcome.KindTransient, "count search results", err)
		}
		result.Total = &total
	}

	if len(req.Include) > 0 || len(req.RevInclude) > 0 {
		found, err := include.Resolve(ctx, r.reg, r, resources, req.Include, req.RevInclude)
		if err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, "resolve includes", err)
		}
		result.Included = found
	}
	return result, nil
}

// ConditionalCreate creates resource only if req matches zero resources; if
// it matches exactly one, that resource is returned unmodified. Matching
// more than one is a precondition failure (spec.md §4.4).
func (r *Repository) ConditionalCreate(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, req *queryparse.Request) (fhirschema.Resource, bool, error) {
	matches, err := r.Search(ctx, kind, projectID, req)
	if err != nil {
		return nil, false, err
	}
	switch len(matches.Resources) {
	case 0:
		created, err := r.Create(ctx, kind, resource, uuid.Nil, projectID)
		return created, true, err
	case 1:
		return matches.Resources[0], false, nil
	default:
		return nil, false, outcome.New(outcome.KindPreconditionFailed, "conditional create matched more than one resource")
	}
}

// ConditionalUpdate updates the single resource matching req, or creates
// one (minting a fresh id) when none match (spec.md §9 Open Question:
// a zero-match conditional update always mints a new id, never reuses one
// supplied in the resource body, since the search found no row to own it).
func (r *Repository) ConditionalUpdate(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, req *queryparse.Request) (fhirschema.Resource, bool, error) {
	matches, err := r.Search(ctx, kind, projectID, req)
	if err != nil {
		return nil, false, err
	}
	switch len(matches.Resources) {
	case 0:
		created, err := r.Create(ctx, kind, resource, uuid.Nil, projectID)
		return created, true, err
	case 1:
		resource.SetID(matches.Resources[0].ID())
		updated, err := r.Update(ctx, kind, resource, projectID, nil)
		return updated, false, err
	default:
		return nil, false, outcome.New(outcome.KindPreconditionFailed, "conditional update matched more than one resource")
	}
}

// ConditionalDelete deletes every resource matching req and returns the count.
func (r *Repository) ConditionalDelete(ctx context.Context, kind string, projectID uuid.UUID, req *queryparse.Request) (int, error) {
	matches, err := r.Search(ctx, kind, projectID, req)
	if err != nil {
		return 0, err
	}
	for _, res := range matches.Resources {
		if err := r.Delete(ctx, kind, res.ID(), projectID); err != nil {
			return 0, err
		}
	}
	return len(matches.Resources), nil
}

// Everything loads a resource and everything in its compartment (spec.md
// §4.4 "everything"): every resource of the given kinds whose compartments
// array contains the anchor's id.
func (r *Repository) Everything(ctx context.Context, kind string, id uuid.UUID, projectID uuid.UUID, compartmentKinds []string) (fhirschema.Resource, []fhirschema.Resource, error) {
	anchor, err := r.Read(ctx, kind, id)
	if err != nil {
		return nil, nil, err
	}
	var members []fhirschema.Resource
	for _, ck := range compartmentKinds {
		req := &queryparse.Request{Count: 1000, Total: "none", Compartment: id.String()}
		result, err := r.Search(ctx, ck, projectID, req)
		if err != nil {
			return nil, nil, err
		}
		members = append(members, result.Resources...)
	}
	return anchor, members, nil
}

func (r *Repository) notifyAsync(kind string, resource fhirschema.Resource, op string) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				rlog.Default().Errorf("subscription notify panic for %s: %v", kind, rec)
			}
		}()
		r.notifier.Notify(kind, resource, op)
	}()
}

// auditAsync records ev without blocking the triggering operation or letting
// a failure or panic in the sink propagate (SPEC_FULL.md §4, §7).
func (r *Repository) auditAsync(ev outcome.AuditEvent) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				rlog.Default().Errorf("audit record panic for %s/%s: %v", ev.Kind, ev.ResourceID, rec)
			}
		}()
		r.audit.Record(context.Background(), ev)
	}()
}

// compartmentIDs extracts the ids a resource belongs to for compartment
// search (spec.md §3 "compartments"), evaluating each configured
// compartment expression with the same extractor used for search params.
func compartmentIDs(resource fhirschema.Resource, cfg KindConfig) []uuid.UUID {
	if !cfg.HasCompartments {
		return nil
	}
	var out []uuid.UUID
	for _, path := range cfg.CompartmentPaths {
		values := fhirpath.Extract(path, resource.Kind(), map[string]interface{}(resource))
		for _, ref := range fhirpath.AsReferences(values) {
			if id, ok := parseTargetID(ref); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

func parseTargetID(reference string) (uuid.UUID, bool) {
	for i := len(reference) - 1; i >= 0; i-- {
		if reference[i] == '/' {
			id, err := uuid.Parse(reference[i+1:])
			return id, err == nil
		}
	}
	return uuid.UUID{}, false
}

func execStatement(ctx context.Context, tx *sql.Tx, stmt sqlwrite.Statement) error {
	_, err := tx.ExecContext(ctx, stmt.Query, wrapArrayArgs(stmt.Args)...)
	return err
}

// wrapArrayArgs wraps slice-typed args with pq.Array so lib/pq can encode
// them as postgres array literals; sqlwrite builds statements with plain
// Go slices so it stays independent of the driver.
func wrapArrayArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []string:
			out[i] = pq.Array(v)
		case []uuid.UUID:
			out[i] = pq.Array(v)
		default:
			out[i] = a
		}
	}
	return out
}

func translateWriteError(err error, kind string, id uuid.UUID) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return outcome.New(outcome.KindVersionConflict, fmt.Sprintf("%s/%s conflicting write", kind, id))
		case "foreign_key_violation", "not_null_violation", "check_violation", "invalid_text_representation":
			return outcome.Wrap(outcome.KindInvariantViolation, fmt.Sprintf("%s/%s violates a storage constraint", kind, id), err)
		}
	}
	return outcome.Wrap(outcome.KindInternal, "write failed", err)
}
