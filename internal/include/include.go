// Package include implements the three _include modes and _revinclude
// (spec.md §4.6, component C9): normal, iterate (bounded to three hops) and
// wildcard, plus reverse-include via a kind's references table. It depends
// only on a small Loader seam so internal/repository can inject its own
// bulk-by-id fetch without this package importing the database driver, the
// same narrow-interface style the teacher uses for core/backend/kss.Storage.
package include

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/relabs-tech/fhirstore/internal/fhirpath"
	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

const maxIterateHops = 3

// Loader fetches resources and reverse-references from the repository
// layer; internal/repository supplies the concrete implementation.
type Loader interface {
	// LoadByIDs bulk-loads resources of kind by id, skipping any that are
	// missing or deleted.
	LoadByIDs(ctx context.Context, kind string, ids []uuid.UUID) ([]fhirschema.Resource, error)
	// ReferencingIDs returns the ids of sourceKind resources whose
	// references table has a row (targetId, code) for one of targetIDs.
	ReferencingIDs(ctx context.Context, sourceKind, code string, targetIDs []uuid.UUID) ([]uuid.UUID, error)
}

// Found is one included resource, tagged with the kind it belongs to so
// callers can bucket it into a bundle's search-mode=include entries.
type Found struct {
	Kind     string
	Resource fhirschema.Resource
}

// Resolve expands primary per the requested include/revinclude directives
// (spec.md §4.6). include entries look like "Kind:param" or
// "Kind:param:iterate"; "*" requests the wildcard mode. revinclude entries
// look like "SourceKind:code".
func Resolve(ctx context.Context, reg *searchparam.Registry, loader Loader, primary []fhirschema.Resource, includes, revincludes []string) ([]Found, error) {
	seen := map[string]bool{}
	for _, r := range primary {
		seen[key(r.Kind(), r.ID())] = true
	}
	var out []Found

	for _, spec := range includes {
		if spec == "*" {
			found, err := resolveWildcard(ctx, loader, primary, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
			continue
		}
		kind, code, iterate := parseIncludeSpec(spec)
		pool := primary
		hops := 1
		if iterate {
			hops = maxIterateHops
		}
		for hop := 0; hop < hops; hop++ {
			found, err := resolveNormal(ctx, reg, loader, pool, kind, code, seen)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				break
			}
			out = append(out, found...)
			if !iterate {
				break
			}
			next := make([]fhirschema.Resource, len(found))
			for i, f := range found {
				next[i] = f.Resource
			}
			pool = append(pool, next...)
		}
	}

	for _, spec := range revincludes {
		sourceKind, code, ok := splitOnce(spec, ':')
		if !ok {
			continue
		}
		found, err := resolveRevinclude(ctx, loader, primary, sourceKind, code, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func resolveNormal(ctx context.Context, reg *searchparam.Registry, loader Loader, pool []fhirschema.Resource, kind, code string, seen map[string]bool) ([]Found, error) {
	param, ok := reg.Lookup(kind, code)
	if !ok {
		return nil, nil
	}
	targets := map[string][]uuid.UUID{}
	for _, r := range pool {
		if r.Kind() != kind {
			continue
		}
		values := fhirpath.Extract(param.Expression, kind, r)
		for _, ref := range fhirpath.AsReferences(values) {
			tk, id, ok := parseReference(ref)
			if ok {
				targets[tk] = append(targets[tk], id)
			}
		}
	}
	return loadNew(ctx, loader, targets, seen)
}

// resolveWildcard deep-walks every primary resource's JSON for
// {reference: "Kind/id"} substructures (spec.md §4.6 mode 3), with no
// dependence on the search-parameter registry.
func resolveWildcard(ctx context.Context, loader Loader, pool []fhirschema.Resource, seen map[string]bool) ([]Found, error) {
	targets := map[string][]uuid.UUID{}
	for _, r := range pool {
		for _, ref := range walkReferences(map[string]interface{}(r)) {
			tk, id, ok := parseReference(ref)
			if ok {
				targets[tk] = append(targets[tk], id)
			}
		}
	}
	return loadNew(ctx, loader, targets, seen)
}

func walkReferences(v interface{}) []string {
	var out []string
	switch x := v.(type) {
	case map[string]interface{}:
		if ref, ok := x["reference"].(string); ok && len(x) <= 2 {
			out = append(out, ref)
		}
		for _, child := range x {
			out = append(out, walkReferences(child)...)
		}
	case []interface{}:
		for _, child := range x {
			out = append(out, walkReferences(child)...)
		}
	}
	return out
}

func resolveRevinclude(ctx context.Context, loader Loader, primary []fhirschema.Resource, sourceKind, code string, seen map[string]bool) ([]Found, error) {
	var targetIDs []uuid.UUID
	for _, r := range primary {
		targetIDs = append(targetIDs, r.ID())
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}
	ids, err := loader.ReferencingIDs(ctx, sourceKind, code, targetIDs)
	if err != nil {
		return nil, err
	}
	return loadNew(ctx, loader, map[string][]uuid.UUID{sourceKind: ids}, seen)
}

func loadNew(ctx context.Context, loader Loader, targets map[string][]uuid.UUID, seen map[string]bool) ([]Found, error) {
	var out []Found
	for kind, ids := range targets {
		var fresh []uuid.UUID
		for _, id := range ids {
			k := key(kind, id)
			if seen[k] {
				continue
			}
			seen[k] = true
			fresh = append(fresh, id)
		}
		if len(fresh) == 0 {
			continue
		}
		resources, err := loader.LoadByIDs(ctx, kind, fresh)
		if err != nil {
			return nil, err
		}
		for _, r := range resources {
			out = append(out, Found{Kind: kind, Resource: r})
		}
	}
	return out, nil
}

func parseIncludeSpec(spec string) (kind, code string, iterate bool) {
	iterate = strings.HasSuffix(spec, ":iterate")
	spec = strings.TrimSuffix(spec, ":iterate")
	kind, code, _ = splitOnce(spec, ':')
	return kind, code, iterate
}

func splitOnce(s string, sep byte) (string, string, bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func parseReference(ref string) (kind string, id uuid.UUID, ok bool) {
	i := strings.LastIndexByte(ref, '/')
	if i < 0 {
		return "", uuid.UUID{}, false
	}
	parsed, err := uuid.Parse(ref[i+1:])
	if err != nil {
		return "", uuid.UUID{}, false
	}
	return ref[:i], parsed, true
}

func key(kind string, id uuid.UUID) string {
	return kind + "/" + id.String()
}
