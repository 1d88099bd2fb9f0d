package searchparam

import "github.com/relabs-tech/fhirstore/internal/fhirschema"

// ColumnsFor expands every parameter declared for kind into the main-table
// columns its storage strategy requires (spec.md §4.3), for use by
// internal/fhirschema when generating DDL.
func (r *Registry) ColumnsFor(kind string) []fhirschema.GeneratedColumn {
	var out []fhirschema.GeneratedColumn
	for _, p := range r.ForKind(kind) {
		out = append(out, p.Columns()...)
	}
	return out
}

// Columns expands p into the main-table columns its strategy requires.
func (p *Parameter) Columns() []fhirschema.GeneratedColumn {
	switch p.Strategy {
	case StrategyColumn:
		sqlType := p.ColumnType
		if sqlType == "" {
			sqlType = defaultSQLType(p.Type, p.Array)
		}
		return []fhirschema.GeneratedColumn{{
			Name:    p.ColumnName,
			SQLType: sqlType,
			GIN:     p.Array,
			Btree:   !p.Array,
		}}
	case StrategyTokenColumn:
		// p.ColumnName already carries its "__" prefix (e.g. "__gender",
		// "__tag"); the three physical columns just suffix it.
		hashCol := p.ColumnName + "Hash"
		textCol := p.ColumnName + "Text"
		sortCol := p.ColumnName + "Sort"
		return []fhirschema.GeneratedColumn{
			{Name: hashCol, SQLType: "uuid[]", GIN: true},
			{Name: textCol, SQLType: "text[]", Trigram: true},
			{Name: sortCol, SQLType: "text", Btree: true},
		}
	case StrategyLookupTable:
		return []fhirschema.GeneratedColumn{
			{Name: p.ColumnName + "Sort", SQLType: "text", Btree: true},
		}
	default:
		return nil
	}
}

func defaultSQLType(t Type, array bool) string {
	base := "text"
	switch t {
	case TypeDate:
		base = "timestamp"
	case TypeNumber, TypeQuantity:
		base = "double precision"
	case TypeReference:
		base = "text"
	}
	if array {
		return base + "[]"
	}
	return base
}
