// Package queryplan compiles a queryparse.Request into the SQL that
// internal/repository executes (spec.md §4.5 "Planning"/"Ordering"/
// "Totals", component C8). It mirrors the teacher's preference for building
// SQL text directly (core/backend/collection.go) over a query-builder
// abstraction, extended here with the per-search-parameter-type compilation
// rules the spec requires.
package queryplan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/queryparse"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
)

// Plan is the compiled SQL for one search request: the primary page query
// plus, when requested, a COUNT(*) query sharing the same WHERE clause.
type Plan struct {
	Query      string
	Args       []interface{}
	CountQuery string
	CountArgs  []interface{}
	Limit      int
}

var prefixOperators = map[queryparse.Prefix]string{
	queryparse.PrefixEQ: "=", queryparse.PrefixNE: "<>",
	queryparse.PrefixGT: ">", queryparse.PrefixLT: "<",
	queryparse.PrefixGE: ">=", queryparse.PrefixLE: "<=",
	queryparse.PrefixSA: ">", queryparse.PrefixEB: "<",
	queryparse.PrefixAP: "=",
}

// Compile builds a Plan for a search over kind, scoped to projectID, per
// req. schema is the database schema the kind's tables live in.
func Compile(reg *searchparam.Registry, schema, kind string, projectID uuid.UUID, req *queryparse.Request) (Plan, error) {
	tables := fhirschema.NewKindTables(kind)
	args := []interface{}{projectID}
	conditions := []string{fmt.Sprintf("%q = $1", "projectId"), "deleted = false"}

	for _, p := range req.Params {
		cond, newArgs, err := compileParam(reg, schema, kind, tables, p, args)
		if err != nil {
			return Plan{}, err
		}
		if cond == "" {
			continue
		}
		conditions = append(conditions, cond)
		args = newArgs
	}

	if req.Compartment != "" {
		id, err := uuid.Parse(req.Compartment)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid compartment id: %w", err)
		}
		args = append(args, []uuid.UUID{id})
		conditions = append(conditions, fmt.Sprintf("compartments @> $%d::uuid[]", len(args)))
	}

	where := strings.Join(conditions, " AND ")
	order := compileOrder(reg, kind, req.Sort)

	query := fmt.Sprintf(`SELECT id, content FROM %s.%q WHERE %s ORDER BY %s LIMIT %d OFFSET %d;`,
		schema, tables.Main, where, order, req.Count, req.Offset)

	plan := Plan{Query: query, Args: args, Limit: req.Count}

	if req.Total == "accurate" {
		plan.CountQuery = fmt.Sprintf(`SELECT count(*) FROM %s.%q WHERE %s;`, schema, tables.Main, where)
		plan.CountArgs = args
	}
	return plan, nil
}

func compileOrder(reg *searchparam.Registry, kind string, rules []queryparse.SortRule) string {
	if len(rules) == 0 {
		return `"lastUpdated" DESC`
	}
	var parts []string
	for _, r := range rules {
		col, ok := sortColumn(reg, kind, r.Code)
		if !ok {
			return `"lastUpdated" DESC`
		}
		dir := "ASC"
		if r.Descending {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s %s", col, dir))
	}
	return strings.Join(parts, ", ")
}

func sortColumn(reg *searchparam.Registry, kind, code string) (string, bool) {
	switch code {
	case "_lastUpdated":
		return `"lastUpdated"`, true
	case "_id":
		return "id", true
	}
	p, ok := reg.Lookup(kind, code)
	if !ok {
		return "", false
	}
	switch p.Strategy {
	case searchparam.StrategyTokenColumn:
		return quote(p.ColumnName + "Sort"), true
	case searchparam.StrategyLookupTable:
		return quote(p.ColumnName + "Sort"), true
	case searchparam.StrategyColumn:
		return quote(p.ColumnName), true
	}
	return "", false
}

// compileParam compiles one parsed parameter clause into a WHERE fragment,
// appending any needed args to args and returning the full updated slice
// (mirrors the append-and-reassign idiom the teacher uses for $N builders).
func compileParam(reg *searchparam.Registry, schema, kind string, tables fhirschema.KindTables, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	p, ok := reg.Lookup(kind, pq.Code)
	if !ok {
		return "", args, fmt.Errorf("unknown search parameter %q for %s", pq.Code, kind)
	}
	if pq.Modifier == queryparse.ModifierMissing {
		negate := ""
		if len(pq.Values) > 0 && pq.Values[0].Raw == "false" {
			negate = "NOT "
		}
		return fmt.Sprintf("%s%s IS NULL", negate, quote(p.ColumnName)), args, nil
	}

	switch p.Type {
	case searchparam.TypeToken:
		if p.Strategy == searchparam.StrategyLookupTable {
			return compileLookupToken(schema, p, pq, args)
		}
		return compileToken(p, pq, args)
	case searchparam.TypeString, searchparam.TypeURI:
		if p.Strategy == searchparam.StrategyLookupTable {
			return compileLookupString(schema, p, pq, args)
		}
		return compileString(p, pq, args)
	case searchparam.TypeDate:
		return compileDate(p, pq, args)
	case searchparam.TypeNumber, searchparam.TypeQuantity:
		return compileNumber(p, pq, args)
	case searchparam.TypeReference:
		return compileReference(reg, schema, tables, p, pq, args)
	case searchparam.TypeSpecial:
		return compileSpecial(p, pq, args)
	default:
		return "", args, fmt.Errorf("unsupported search parameter type %q", p.Type)
	}
}

func compileToken(p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	if pq.Modifier == queryparse.ModifierText {
		col := quote(p.ColumnName + "Sort")
		args = append(args, likePattern(pq.Values[0].Raw, true, true))
		return fmt.Sprintf("%s ILIKE $%d", col, len(args)), args, nil
	}

	textCol := quote(p.ColumnName + "Text")
	var exact []string
	var prefixClauses []string
	for _, v := range pq.Values {
		if strings.HasSuffix(v.Raw, "|") {
			args = append(args, v.Raw+"%")
			prefixClauses = append(prefixClauses, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(%s) t WHERE t LIKE $%d)", textCol, len(args)))
			continue
		}
		exact = append(exact, v.Raw)
	}
	var clauses []string
	if len(exact) > 0 {
		args = append(args, exact)
		clauses = append(clauses, fmt.Sprintf("%s && $%d::text[]", textCol, len(args)))
	}
	clauses = append(clauses, prefixClauses...)
	cond := "(" + strings.Join(clauses, " OR ") + ")"
	if pq.Modifier == queryparse.ModifierNot {
		cond = "NOT " + cond
	}
	return cond, args, nil
}

func compileString(p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	col := quote(p.ColumnName)
	var clauses []string
	for _, v := range pq.Values {
		var pattern, op string
		switch pq.Modifier {
		case queryparse.ModifierExact:
			pattern, op = v.Raw, "="
		case queryparse.ModifierContains:
			pattern, op = likePattern(v.Raw, true, true), "ILIKE"
		default:
			pattern, op = likePattern(v.Raw, false, true), "ILIKE"
		}
		args = append(args, pattern)
		if p.Array {
			clauses = append(clauses, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(%s) t WHERE t %s $%d)", col, op, len(args)))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args, nil
}

func compileLookupString(schema string, p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	col := quote(p.ColumnName)
	var clauses []string
	for _, v := range pq.Values {
		pattern := likePattern(v.Raw, false, true)
		if pq.Modifier == queryparse.ModifierExact {
			pattern = v.Raw
		} else if pq.Modifier == queryparse.ModifierContains {
			pattern = likePattern(v.Raw, true, true)
		}
		args = append(args, pattern)
		op := "ILIKE"
		if pq.Modifier == queryparse.ModifierExact {
			op = "="
		}
		clauses = append(clauses, fmt.Sprintf(`"resourceId" IN (SELECT "resourceId" FROM %s.%q WHERE %s %s $%d)`, schema, p.LookupTable, col, op, len(args)))
	}
	return "id IN (" + strings.Join(clauses, " UNION ") + ")", args, nil
}

// compileLookupToken compiles a token parameter whose values live in a
// shared lookup table rather than a main-row column (e.g. Patient.identifier,
// Patient.telecom), the lookup-backed counterpart to compileLookupString.
// It honors the FHIR "system|code" token syntax against the table's
// system/value columns (spec.md §8 scenario 5).
func compileLookupToken(schema string, p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	var clauses []string
	for _, v := range pq.Values {
		system, value, hasSystem := splitToken(v.Raw)
		if hasSystem {
			args = append(args, system)
			sysArg := len(args)
			args = append(args, value)
			valArg := len(args)
			clauses = append(clauses, fmt.Sprintf(`"resourceId" IN (SELECT "resourceId" FROM %s.%q WHERE system = $%d AND value = $%d)`, schema, p.LookupTable, sysArg, valArg))
			continue
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(`"resourceId" IN (SELECT "resourceId" FROM %s.%q WHERE value = $%d)`, schema, p.LookupTable, len(args)))
	}
	cond := "id IN (" + strings.Join(clauses, " UNION ") + ")"
	if pq.Modifier == queryparse.ModifierNot {
		cond = "NOT " + cond
	}
	return cond, args, nil
}

// splitToken splits a FHIR token search value on its first "|", the
// system/code separator spec §4.1 token syntax uses.
func splitToken(raw string) (system, value string, hasSystem bool) {
	if idx := strings.Index(raw, "|"); idx >= 0 {
		return raw[:idx], raw[idx+1:], true
	}
	return "", raw, false
}

func compileDate(p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	col := quote(p.ColumnName)
	var clauses []string
	for _, v := range pq.Values {
		op, ok := prefixOperators[v.Prefix]
		if !ok {
			op = "="
		}
		args = append(args, v.Raw)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}
	return "(" + strings.Join(clauses, " AND ") + ")", args, nil
}

func compileNumber(p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	col := quote(p.ColumnName)
	var clauses []string
	for _, v := range pq.Values {
		op, ok := prefixOperators[v.Prefix]
		if !ok {
			op = "="
		}
		args = append(args, v.Raw)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args, nil
}

func compileReference(reg *searchparam.Registry, schema string, tables fhirschema.KindTables, p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	if pq.Chain == nil {
		col := quote(p.ColumnName)
		var clauses []string
		for _, v := range pq.Values {
			args = append(args, v.Raw)
			clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
		}
		return "(" + strings.Join(clauses, " OR ") + ")", args, nil
	}

	// Chained search: replace the clause with a reference-table subquery
	// whose inner WHERE is compiled recursively against the target kind
	// (spec.md §4.5 "reference"). One level of nesting is supported; a
	// multi-segment chain would recurse further here.
	targetTables := fhirschema.NewKindTables(pq.Chain.TargetKind)
	nested := queryparse.ParamQuery{Code: pq.Chain.TargetCode, Values: pq.Values}
	nestedCond, args, err := compileParam(reg, schema, pq.Chain.TargetKind, targetTables, nested, args)
	if err != nil {
		return "", args, fmt.Errorf("chained search %s.%s: %w", pq.Chain.TargetKind, pq.Chain.TargetCode, err)
	}

	args = append(args, pq.Code)
	refCond := fmt.Sprintf(
		`id IN (SELECT "resourceId" FROM %s.%q WHERE code = $%d AND "targetId" IN (SELECT id FROM %s.%q WHERE deleted = false AND %s))`,
		schema, tables.References, len(args), schema, targetTables.Main, nestedCond,
	)
	return refCond, args, nil
}

func compileSpecial(p *searchparam.Parameter, pq queryparse.ParamQuery, args []interface{}) (string, []interface{}, error) {
	col := quote(p.ColumnName)
	var clauses []string
	for _, v := range pq.Values {
		args = append(args, v.Raw)
		if p.Array {
			clauses = append(clauses, fmt.Sprintf("$%d = ANY(%s)", len(args), col))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args, nil
}

func quote(name string) string {
	return fmt.Sprintf("%q", name)
}

func likePattern(raw string, leadingWildcard, trailingWildcard bool) string {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(raw)
	if leadingWildcard {
		escaped = "%" + escaped
	}
	if trailingWildcard {
		escaped = escaped + "%"
	}
	return escaped
}
