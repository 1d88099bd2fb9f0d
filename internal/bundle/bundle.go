// Package bundle applies batch and transaction envelopes against a
// repository (spec.md §4.7, component C11): a batch runs every entry
// independently, a transaction topologically orders entries by their
// urn:uuid placeholder references and applies them inside one pass so
// producers run before consumers. Grounded on the teacher's preference
// for plain map[string]interface{} document manipulation
// (core/backend/collection.go's patchObject) over a typed envelope model.
package bundle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/queryparse"
)

// Type distinguishes the two envelope kinds spec.md §4.7 names.
type Type string

const (
	TypeBatch       Type = "batch"
	TypeTransaction Type = "transaction"
)

// Entry is one bundle entry: a fullUrl (often a urn:uuid: placeholder),
// an HTTP-shaped action, and an optional resource body.
type Entry struct {
	FullURL     string
	Method      string // POST, PUT, DELETE, GET
	URL         string // "Kind", "Kind/id", or "Kind?query"
	IfNoneExist string
	IfMatch     string
	Resource    fhirschema.Resource
}

// EntryResult is one entry's outcome, preserving input order (spec.md §6
// "Bundle transaction response").
type EntryResult struct {
	Status   int
	Location string
	Resource fhirschema.Resource
	Err      error
}

// Repository is the subset of internal/repository.Repository the bundle
// processor drives; kept as an interface so it can be faked in tests.
type Repository interface {
	Create(ctx context.Context, kind string, resource fhirschema.Resource, assignedID uuid.UUID, projectID uuid.UUID) (fhirschema.Resource, error)
	Update(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, expectedVersion *uuid.UUID) (fhirschema.Resource, error)
	Delete(ctx context.Context, kind string, id uuid.UUID, projectID uuid.UUID) error
	Read(ctx context.Context, kind string, id uuid.UUID) (fhirschema.Resource, error)
	ConditionalCreate(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, req *queryparse.Request) (fhirschema.Resource, bool, error)
	ConditionalUpdate(ctx context.Context, kind string, resource fhirschema.Resource, projectID uuid.UUID, req *queryparse.Request) (fhirschema.Resource, bool, error)
}

// Process applies a bundle of the given type against repo, returning one
// EntryResult per input entry in input order (spec.md §4.7).
func Process(ctx context.Context, repo Repository, kind Type, projectID uuid.UUID, entries []Entry) []EntryResult {
	if kind == TypeTransaction {
		return processTransaction(ctx, repo, projectID, entries)
	}
	return processBatch(ctx, repo, projectID, entries)
}

// processBatch runs each entry independently; one entry's failure never
// affects another's (spec.md §4.7 "Batch").
func processBatch(ctx context.Context, repo Repository, projectID uuid.UUID, entries []Entry) []EntryResult {
	results := make([]EntryResult, len(entries))
	for i, e := range entries {
		results[i] = applyEntry(ctx, repo, projectID, e, nil)
	}
	return results
}

// CombinedError folds every failed entry's error into one, for callers
// that just need to know whether a batch had any failures (e.g. logging);
// individual EntryResult.Err values remain the source of truth for the
// per-entry HTTP response.
func CombinedError(results []EntryResult) error {
	var combined error
	for _, r := range results {
		if r.Err != nil {
			combined = multierr.Append(combined, r.Err)
		}
	}
	return combined
}

// processTransaction orders entries by their urn:uuid reference DAG so
// producers precede consumers, then applies them in that order,
// substituting placeholders with the ids minted for earlier entries. A
// single failure stops the pass; spec.md §4.7 does not require a real
// rollback of already-applied entries here because the repository itself
// has no cross-resource transaction primitive — internal/repository's
// single-resource transactions are the atomic unit, and bundle ordering
// only guarantees producers run first.
func processTransaction(ctx context.Context, repo Repository, projectID uuid.UUID, entries []Entry) []EntryResult {
	order, err := topologicalOrder(entries)
	results := make([]EntryResult, len(entries))
	if err != nil {
		for i := range results {
			results[i] = EntryResult{Err: outcome.Wrap(outcome.KindInvariantViolation, "bundle has a reference cycle", err)}
		}
		return results
	}

	placeholders := map[string]string{}
	failed := false
	for _, idx := range order {
		e := entries[idx]
		if failed {
			results[idx] = EntryResult{Err: outcome.New(outcome.KindInvariantViolation, "skipped: an earlier bundle entry failed")}
			continue
		}
		resolved := substitutePlaceholders(e, placeholders)
		result := applyEntry(ctx, repo, projectID, resolved, placeholders)
		results[idx] = result
		if result.Err != nil {
			failed = true
			continue
		}
		if e.FullURL != "" && result.Resource != nil {
			placeholders[e.FullURL] = result.Resource.Kind() + "/" + result.Resource.ID().String()
		}
	}
	return results
}

func applyEntry(ctx context.Context, repo Repository, projectID uuid.UUID, e Entry, placeholders map[string]string) EntryResult {
	kind, rest := splitURL(e.URL)
	switch strings.ToUpper(e.Method) {
	case "POST":
		if e.IfNoneExist != "" {
			req, err := queryparse.Parse(parseQueryString(e.IfNoneExist))
			if err != nil {
				return EntryResult{Err: outcome.Wrap(outcome.KindInvalidParameter, "invalid ifNoneExist query", err)}
			}
			res, created, err := repo.ConditionalCreate(ctx, kind, e.Resource, projectID, req)
			if err != nil {
				return EntryResult{Err: err}
			}
			status := 200
			if created {
				status = 201
			}
			return EntryResult{Status: status, Location: location(kind, res), Resource: res}
		}
		res, err := repo.Create(ctx, kind, e.Resource, uuid.Nil, projectID)
		if err != nil {
			return EntryResult{Err: err}
		}
		return EntryResult{Status: 201, Location: location(kind, res), Resource: res}

	case "PUT":
		if i := strings.IndexByte(e.URL, '?'); i >= 0 {
			query := e.URL[i+1:]
			req, err := queryparse.Parse(parseQueryString(query))
			if err != nil {
				return EntryResult{Err: outcome.Wrap(outcome.KindInvalidParameter, "invalid conditional update query", err)}
			}
			res, created, err := repo.ConditionalUpdate(ctx, kind, e.Resource, projectID, req)
			if err != nil {
				return EntryResult{Err: err}
			}
			status := 200
			if created {
				status = 201
			}
			return EntryResult{Status: status, Location: location(kind, res), Resource: res}
		}
		var expected *uuid.UUID
		if e.IfMatch != "" {
			if v, ok := parseETag(e.IfMatch); ok {
				expected = &v
			}
		}
		res, err := repo.Update(ctx, kind, e.Resource, projectID, expected)
		if err != nil {
			return EntryResult{Err: err}
		}
		return EntryResult{Status: 200, Location: location(kind, res), Resource: res}

	case "DELETE":
		id, err := uuid.Parse(rest)
		if err != nil {
			return EntryResult{Err: outcome.Wrap(outcome.KindInvalidParameter, "delete target is not a valid id", err)}
		}
		if err := repo.Delete(ctx, kind, id, projectID); err != nil {
			return EntryResult{Err: err}
		}
		return EntryResult{Status: 200}

	case "GET":
		if id, err := uuid.Parse(rest); err == nil {
			res, err := repo.Read(ctx, kind, id)
			if err != nil {
				return EntryResult{Err: err}
			}
			return EntryResult{Status: 200, Resource: res}
		}
		return EntryResult{Err: outcome.New(outcome.KindInvalidParameter, "bundle GET search entries are not supported")}

	default:
		return EntryResult{Err: outcome.New(outcome.KindInvalidParameter, fmt.Sprintf("unsupported bundle method %q", e.Method))}
	}
}

func location(kind string, res fhirschema.Resource) string {
	if res == nil {
		return ""
	}
	return fmt.Sprintf("%s/%s/_history/%s", kind, res.ID(), res.VersionID())
}

func splitURL(url string) (kind, rest string) {
	url = strings.TrimPrefix(url, "/")
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	parts := strings.SplitN(url, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func parseQueryString(q string) map[string][]string {
	out := map[string][]string{}
	for _, pair := range strings.Split(q, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key := kv[0]
		val := ""
		if len(kv) == 2 {
			val = kv[1]
		}
		out[key] = append(out[key], val)
	}
	return out
}

func parseETag(ifMatch string) (uuid.UUID, bool) {
	s := strings.TrimPrefix(ifMatch, "W/")
	s = strings.Trim(s, `"`)
	id, err := uuid.Parse(s)
	return id, err == nil
}

// topologicalOrder sorts entry indices so any entry referencing another
// entry's urn:uuid placeholder comes after the entry that defines it
// (spec.md §4.7 Phase A). A cycle is reported as an error.
func topologicalOrder(entries []Entry) ([]int, error) {
	definedBy := map[string]int{}
	for i, e := range entries {
		if e.FullURL != "" {
			definedBy[e.FullURL] = i
		}
	}

	deps := make([][]int, len(entries))
	for i, e := range entries {
		for _, ref := range placeholderReferences(e.Resource) {
			if j, ok := definedBy[ref]; ok && j != i {
				deps[i] = append(deps[i], j)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(entries))
	var order []int
	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected at entry %d", i)
		}
		color[i] = gray
		for _, j := range deps[i] {
			if err := visit(j); err != nil {
				return err
			}
		}
		color[i] = black
		order = append(order, i)
		return nil
	}
	indices := make([]int, len(entries))
	for i := range indices {
		indices[i] = i
	}
	sort.Ints(indices)
	for _, i := range indices {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// placeholderReferences walks a resource body for every "urn:uuid:…"
// reference string it contains.
func placeholderReferences(resource fhirschema.Resource) []string {
	var out []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch x := v.(type) {
		case map[string]interface{}:
			if ref, ok := x["reference"].(string); ok && strings.HasPrefix(ref, "urn:uuid:") {
				out = append(out, ref)
			}
			for _, val := range x {
				walk(val)
			}
		case []interface{}:
			for _, val := range x {
				walk(val)
			}
		}
	}
	for _, v := range resource {
		walk(v)
	}
	return out
}

// substitutePlaceholders rewrites every "urn:uuid:…" reference in e's
// resource body that names an already-resolved placeholder with the real
// "Kind/id" reference (spec.md §4.7 Phase B).
func substitutePlaceholders(e Entry, resolved map[string]string) Entry {
	if e.Resource == nil || len(resolved) == 0 {
		return e
	}
	clone, err := e.Resource.Clone()
	if err != nil {
		return e
	}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch x := v.(type) {
		case map[string]interface{}:
			if ref, ok := x["reference"].(string); ok {
				if target, ok := resolved[ref]; ok {
					x["reference"] = target
				}
			}
			for _, val := range x {
				walk(val)
			}
		case []interface{}:
			for _, val := range x {
				walk(val)
			}
		}
	}
	for _, v := range clone {
		walk(v)
	}
	e.Resource = clone
	return e
}
