// Package queryparse turns a raw query-string parameter map into the
// structured Request the query planner (internal/queryplan) compiles into
// SQL (spec.md §4.5 "Parsing"). It is pure string manipulation, no schema or
// database lookups, the same separation the teacher keeps between URL
// decoding (core/backend/collection.go's request handlers) and query
// execution.
package queryparse

import (
	"fmt"
	"strconv"
	"strings"
)

// Modifier is a ":modifier" suffix on a search parameter key.
type Modifier string

// Recognized modifiers (spec.md §4.5).
const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
	ModifierNot      Modifier = "not"
	ModifierText     Modifier = "text"
	ModifierIterate  Modifier = "iterate"
)

// Prefix is a two-letter comparator prefix on a date/number/quantity value.
type Prefix string

// Recognized prefixes (spec.md §4.5).
const (
	PrefixNone Prefix = ""
	PrefixEQ   Prefix = "eq"
	PrefixNE   Prefix = "ne"
	PrefixGT   Prefix = "gt"
	PrefixLT   Prefix = "lt"
	PrefixGE   Prefix = "ge"
	PrefixLE   Prefix = "le"
	PrefixSA   Prefix = "sa"
	PrefixEB   Prefix = "eb"
	PrefixAP   Prefix = "ap"
)

var knownPrefixes = map[string]Prefix{
	"eq": PrefixEQ, "ne": PrefixNE, "gt": PrefixGT, "lt": PrefixLT,
	"ge": PrefixGE, "le": PrefixLE, "sa": PrefixSA, "eb": PrefixEB, "ap": PrefixAP,
}

// Value is one OR-branch of a parameter's value list, with its comparator
// prefix lifted out when present.
type Value struct {
	Prefix Prefix
	Raw    string
}

// Chain names a dot-separated chained search, "code:TargetKind.targetCode".
type Chain struct {
	TargetKind string
	TargetCode string
}

// ParamQuery is one parsed search parameter clause.
type ParamQuery struct {
	Code     string
	Modifier Modifier
	Chain    *Chain
	Values   []Value
}

// SortRule is one "_sort" entry; Descending is set by a leading '-'.
type SortRule struct {
	Code       string
	Descending bool
}

// Request is the fully parsed query, ready for internal/queryplan.
type Request struct {
	Params      []ParamQuery
	Count       int
	Offset      int
	Sort        []SortRule
	Total       string // "none", "estimate", "accurate"
	Include     []string
	RevInclude  []string
	Compartment string
}

const (
	defaultCount = 20
	maxCount     = 1000
)

// Parse decodes query (as returned by url.Values) into a Request, per
// spec.md §4.5. It never fails on unknown search parameters — those are
// passed through as ParamQuery entries and rejected later by the planner,
// which has the registry needed to recognize them.
func Parse(query map[string][]string) (*Request, error) {
	req := &Request{Count: defaultCount, Total: "none"}

	for key, values := range query {
		code, modifier, chain := splitKey(key)
		switch code {
		case "_count":
			n, err := strconv.Atoi(first(values))
			if err != nil {
				return nil, fmt.Errorf("invalid _count: %v", err)
			}
			if n < 0 {
				n = 0
			}
			if n > maxCount {
				n = maxCount
			}
			req.Count = n
		case "_offset":
			n, err := strconv.Atoi(first(values))
			if err != nil {
				return nil, fmt.Errorf("invalid _offset: %v", err)
			}
			if n < 0 {
				n = 0
			}
			req.Offset = n
		case "_sort":
			for _, part := range splitUnescaped(first(values)) {
				desc := strings.HasPrefix(part, "-")
				req.Sort = append(req.Sort, SortRule{Code: strings.TrimPrefix(part, "-"), Descending: desc})
			}
		case "_total":
			switch first(values) {
			case "none", "estimate", "accurate":
				req.Total = first(values)
			}
		case "_include":
			for _, v := range values {
				if modifier == ModifierIterate {
					v += ":iterate"
				}
				req.Include = append(req.Include, v)
			}
		case "_revinclude":
			req.RevInclude = append(req.RevInclude, values...)
		case "_compartment":
			req.Compartment = first(values)
		default:
			var vals []Value
			for _, raw := range values {
				for _, branch := range splitUnescaped(raw) {
					vals = append(vals, liftPrefix(branch))
				}
			}
			req.Params = append(req.Params, ParamQuery{Code: code, Modifier: modifier, Chain: chain, Values: vals})
		}
	}
	return req, nil
}

// splitKey decomposes "code:suffix" into its code, a recognized modifier
// (if the suffix matches one), or a chain (if the suffix has a
// "TargetKind.targetCode" shape).
func splitKey(key string) (code string, modifier Modifier, chain *Chain) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return key, ModifierNone, nil
	}
	code, suffix := key[:i], key[i+1:]
	switch Modifier(suffix) {
	case ModifierExact, ModifierContains, ModifierMissing, ModifierNot, ModifierText, ModifierIterate:
		return code, Modifier(suffix), nil
	}
	if j := strings.IndexByte(suffix, '.'); j >= 0 {
		return code, ModifierNone, &Chain{TargetKind: suffix[:j], TargetCode: suffix[j+1:]}
	}
	return code, ModifierNone, nil
}

// liftPrefix extracts a leading two-letter comparator prefix, if present.
// A prefix is only lifted when a digit, sign or decimal point follows it,
// the way date, number and quantity values start; a plain string such as
// "eberhardt" keeps its first two letters.
func liftPrefix(raw string) Value {
	if len(raw) > 2 && strings.ContainsRune("0123456789+-.", rune(raw[2])) {
		if p, ok := knownPrefixes[strings.ToLower(raw[:2])]; ok {
			return Value{Prefix: p, Raw: raw[2:]}
		}
	}
	return Value{Raw: raw}
}

// splitUnescaped splits s on commas not preceded by a backslash, then
// removes the escaping backslash from the surviving literal commas.
func splitUnescaped(s string) []string {
	var parts []string
	var b strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	parts = append(parts, b.String())
	return parts
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
