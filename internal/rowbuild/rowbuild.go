// Package rowbuild composes the main-table row, the references rows and
// the shared lookup-table rows from a resource document and the
// search-parameter registry (spec.md §4.3, components C5). It is the glue
// between C4 (expression extraction) and C6/C10 (the SQL that persists the
// result), the same role core/backend/collection.go's
// createScanValuesAndObject/mergeProperties helpers play for the teacher's
// generic properties column.
package rowbuild

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/fhirstore/internal/fhirpath"
	"github.com/relabs-tech/fhirstore/internal/ids"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

// Reference is one row of a kind's references table (spec.md §3): a triple
// naming which target the owning resource points at, under which search
// code. Non-UUID targets are skipped at build time per spec.
type Reference struct {
	TargetID uuid.UUID
	Code     string
}

// Result is everything derived from one resource document: the columns to
// write to its main row, the references to (re)write, and the rows to
// (re)write into each of the four shared lookup tables.
type Result struct {
	Columns      map[string]interface{}
	References   []Reference
	LookupRows   map[string][]map[string]interface{}
	Compartments []uuid.UUID
}

// Build extracts every declared parameter for kind out of resource and
// composes the Result, per the storage strategies in spec.md §4.3.
func Build(reg *searchparam.Registry, kind string, resource map[string]interface{}, compartments []uuid.UUID) Result {
	res := Result{
		Columns:      map[string]interface{}{},
		LookupRows:   map[string][]map[string]interface{}{},
		Compartments: compartments,
	}

	var sharedHash []uuid.UUID
	var sharedText []string

	for _, p := range reg.ForKind(kind) {
		values := fhirpath.Extract(p.Expression, kind, resource)
		if len(values) == 0 {
			continue
		}
		switch p.Strategy {
		case searchparam.StrategyColumn:
			buildColumn(res.Columns, p, values)
		case searchparam.StrategyTokenColumn:
			tokens := fhirpath.AsTokens(values)
			buildTokenColumn(res.Columns, p, tokens)
			if p.Type == searchparam.TypeToken {
				for _, tok := range tokens {
					sharedHash = append(sharedHash, ids.TokenHash(tok.System, tok.Code))
					sharedText = append(sharedText, ids.TokenDisplay(tok.System, tok.Code))
				}
			}
		case searchparam.StrategyLookupTable:
			buildLookupTable(&res, p, values)
		}
		if p.Type == searchparam.TypeReference {
			for _, ref := range fhirpath.AsReferences(values) {
				if targetID, ok := parseTargetID(ref); ok {
					res.References = append(res.References, Reference{TargetID: targetID, Code: p.Code})
				}
			}
		}
	}

	metaHash, metaText := buildMeta(res.Columns, resource)
	sharedHash = append(sharedHash, metaHash...)
	sharedText = append(sharedText, metaText...)

	res.Columns["__sharedTokens"] = dedupHashes(sharedHash)
	res.Columns["__sharedTokensText"] = dedupStrings(sharedText)
	return res
}

// buildMeta indexes the fixed metadata columns (spec.md §3) that live under
// resource.meta rather than behind a declared search parameter: _profile,
// _source, and the _tag/_security token columns. It returns the tag and
// security tokens so the caller can fold them into __sharedTokens.
func buildMeta(columns map[string]interface{}, resource map[string]interface{}) (hashes []uuid.UUID, texts []string) {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	if profiles, ok := meta["profile"].([]interface{}); ok {
		var strs []string
		for _, p := range profiles {
			if s, ok := p.(string); ok {
				strs = append(strs, s)
			}
		}
		columns["_profile"] = strs
	}
	if source, ok := meta["source"].(string); ok {
		columns["_source"] = source
	}
	if tags, ok := meta["tag"].([]interface{}); ok {
		tokens := fhirpath.AsTokens(tags)
		buildTokenColumn(columns, &searchparam.Parameter{ColumnName: "__tag"}, tokens)
		for _, tok := range tokens {
			hashes = append(hashes, ids.TokenHash(tok.System, tok.Code))
			texts = append(texts, ids.TokenDisplay(tok.System, tok.Code))
		}
	}
	if security, ok := meta["security"].([]interface{}); ok {
		tokens := fhirpath.AsTokens(security)
		buildTokenColumn(columns, &searchparam.Parameter{ColumnName: "__security"}, tokens)
		for _, tok := range tokens {
			hashes = append(hashes, ids.TokenHash(tok.System, tok.Code))
			texts = append(texts, ids.TokenDisplay(tok.System, tok.Code))
		}
	}
	return hashes, texts
}

func buildColumn(columns map[string]interface{}, p *searchparam.Parameter, values []interface{}) {
	if p.Array {
		var strs []string
		for _, v := range values {
			if p.Type == searchparam.TypeReference {
				strs = append(strs, fhirpath.AsReferences([]interface{}{v})...)
				continue
			}
			if s, ok := fhirpath.AsString(v); ok {
				strs = append(strs, s)
			}
		}
		columns[p.ColumnName] = strs
		return
	}
	v := values[0]
	switch p.Type {
	case searchparam.TypeDate:
		columns[p.ColumnName] = parseDate(v)
	case searchparam.TypeNumber, searchparam.TypeQuantity:
		if n, ok := v.(float64); ok {
			columns[p.ColumnName] = n
		} else if ns := fhirpath.AsNumbers([]interface{}{v}); len(ns) > 0 {
			columns[p.ColumnName] = ns[0]
		}
	case searchparam.TypeReference:
		if refs := fhirpath.AsReferences([]interface{}{v}); len(refs) > 0 {
			columns[p.ColumnName] = refs[0]
		}
	default:
		if s, ok := fhirpath.AsString(v); ok {
			columns[p.ColumnName] = s
		}
	}
}

func buildTokenColumn(columns map[string]interface{}, p *searchparam.Parameter, tokens []fhirpath.Token) {
	hashCol, textCol, sortCol := tokenColumnNames(p.ColumnName)
	var hashes []uuid.UUID
	var texts []string
	sort := ""
	for i, tok := range tokens {
		hashes = append(hashes, ids.TokenHash(tok.System, tok.Code))
		texts = append(texts, ids.TokenDisplay(tok.System, tok.Code))
		if i == 0 {
			sort = tok.Display
			if sort == "" {
				sort = ids.TokenDisplay(tok.System, tok.Code)
			}
		}
	}
	columns[hashCol] = hashes
	columns[textCol] = texts
	columns[sortCol] = sort
}

// tokenColumnNames mirrors searchparam.Parameter.Columns(): columnName
// already carries its "__" prefix, so the three physical columns just
// suffix it.
func tokenColumnNames(columnName string) (hash, text, sort string) {
	return columnName + "Hash", columnName + "Text", columnName + "Sort"
}

func buildLookupTable(res *Result, p *searchparam.Parameter, values []interface{}) {
	var sorts []string
	for _, v := range values {
		row := lookupRowFor(p.LookupTable, p.ColumnName, v)
		if row != nil {
			res.LookupRows[p.LookupTable] = append(res.LookupRows[p.LookupTable], row)
		}
		if s := fhirpath.SortableString(v); s != "" {
			sorts = append(sorts, s)
		}
	}
	res.Columns[p.ColumnName+"Sort"] = strings.Join(sorts, " | ")
}

// lookupTableColumns lists the literal columns each shared lookup table
// declares (fhirschema.LookupTableDDL). A raw FHIR element carries far more
// string-valued fields than its lookup table stores (a HumanName has
// use/text, an Address has district/type/text, ...), so lookupRowFor must
// project down to exactly these before building an INSERT row, or the
// statement names a column the table never created.
var lookupTableColumns = map[string]map[string]bool{
	"HumanName":    {"name": true, "given": true, "family": true},
	"Address":      {"address": true, "city": true, "country": true, "postalCode": true, "state": true, "use": true},
	"ContactPoint": {"system": true, "value": true, "use": true},
	"Identifier":   {"system": true, "value": true},
}

func lookupRowFor(table, column string, v interface{}) map[string]interface{} {
	allowed := lookupTableColumns[table]
	if s, ok := v.(string); ok {
		if allowed == nil || allowed[column] {
			return map[string]interface{}{column: s}
		}
		return nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	row := map[string]interface{}{}
	for k, val := range obj {
		if !allowed[k] {
			continue
		}
		if s, ok := fhirpath.AsString(val); ok {
			row[k] = s
		}
	}
	if allowed["given"] {
		if given, ok := obj["given"].([]interface{}); ok && len(given) > 0 {
			if s, ok := given[0].(string); ok {
				row["given"] = s
			}
		}
	}
	if allowed["address"] {
		if _, has := row["address"]; !has {
			if lines, ok := obj["line"].([]interface{}); ok && len(lines) > 0 {
				if s, ok := lines[0].(string); ok {
					row["address"] = s
				}
			} else if text, ok := obj["text"].(string); ok {
				row["address"] = text
			}
		}
	}
	if len(row) == 0 {
		return nil
	}
	return row
}

func parseDate(v interface{}) time.Time {
	s, ok := fhirpath.AsString(v)
	if !ok {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTargetID(reference string) (uuid.UUID, bool) {
	i := strings.LastIndexByte(reference, '/')
	if i < 0 {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(reference[i+1:])
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func dedupHashes(in []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, h := range in {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
