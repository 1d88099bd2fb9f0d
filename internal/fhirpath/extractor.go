// Package fhirpath implements the expression extractor (spec.md §4.2): a
// restricted path-expression walker that pulls indexable leaf values out of
// a decoded resource document. It operates on the same
// map[string]interface{} shape the teacher walks in
// core/backend/collection.go's patchObject/mergeProperties helpers.
package fhirpath

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	whereRe   = regexp.MustCompile(`\.where\([^()]*\)`)
	resolveRe = regexp.MustCompile(`\.resolve\(\)`)
	asRe      = regexp.MustCompile(`\.as\(([A-Za-z0-9_]+)\)`)
	indexRe   = regexp.MustCompile(`^(.*)\[(\d+)\]$`)
)

// Extract evaluates expression against resource (a decoded JSON document)
// and returns the ordered list of leaf values found, per spec.md §4.2's
// algorithm: split on '|', keep only branches whose kind matches,
// strip .where()/.as()/.resolve(), then walk the remaining dotted path,
// flattening across arrays.
func Extract(expression string, kind string, resource map[string]interface{}) []interface{} {
	var results []interface{}
	for _, branch := range strings.Split(expression, "|") {
		branch = strings.TrimSpace(branch)
		first, rest, ok := splitFirst(branch)
		if !ok || first != kind {
			continue
		}
		results = append(results, extractBranch(rest, resource)...)
	}
	return results
}

// splitFirst splits "Kind.rest.of.path" into ("Kind", "rest.of.path", true).
// A bare "Kind" (no further path) returns ("Kind", "", true).
func splitFirst(branch string) (string, string, bool) {
	if branch == "" {
		return "", "", false
	}
	i := strings.IndexRune(branch, '.')
	if i < 0 {
		return branch, "", true
	}
	return branch[:i], branch[i+1:], true
}

func extractBranch(path string, resource map[string]interface{}) []interface{} {
	path = whereRe.ReplaceAllString(path, "")
	path = resolveRe.ReplaceAllString(path, "")

	segments := splitSegments(path)
	current := []interface{}{map[string]interface{}(resource)}
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current = stepSegment(seg, current)
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// splitSegments splits a dotted path into segments, collapsing any
// ".as(Type)" segment into the preceding field segment by suffixing it with
// Type, the FHIR convention for polymorphic field names (e.g.
// "value.as(Quantity)" -> "valueQuantity").
func splitSegments(path string) []string {
	if path == "" {
		return nil
	}
	raw := strings.Split(path, ".")
	var segments []string
	for _, r := range raw {
		if m := asRe.FindStringSubmatch("." + r); len(m) == 2 {
			if len(segments) > 0 {
				segments[len(segments)-1] = segments[len(segments)-1] + m[1]
			}
			continue
		}
		segments = append(segments, r)
	}
	return segments
}

// stepSegment walks one path segment (a field name, optionally with a
// trailing [N] indexer) against every value in current, flattening across
// arrays encountered along the way (spec.md §4.2 step 3).
func stepSegment(seg string, current []interface{}) []interface{} {
	field := seg
	index := -1
	if m := indexRe.FindStringSubmatch(seg); len(m) == 3 {
		field = m[1]
		index, _ = strconv.Atoi(m[2])
	}

	var next []interface{}
	for _, v := range current {
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		child, ok := obj[field]
		if !ok || child == nil {
			continue
		}
		switch c := child.(type) {
		case []interface{}:
			if index >= 0 {
				if index < len(c) {
					next = append(next, c[index])
				}
				continue
			}
			next = append(next, c...)
		default:
			if index == 0 || index < 0 {
				next = append(next, c)
			}
		}
	}
	return next
}
