// Package searchparam implements the search-parameter registry (spec.md
// §4.1): an indexed catalog mapping (kind, code) to the expression, type
// and storage strategy used to index and query it. The registry is built
// once at startup and is read-only thereafter (spec.md §5), mirroring the
// teacher's preference for a process-wide, read-mostly registry
// (core/registry.Registry) built during Backend.New.
package searchparam

import "fmt"

// Type is the FHIR-style search parameter data type.
type Type string

// All supported search parameter types (spec.md §4.1).
const (
	TypeToken     Type = "token"
	TypeString    Type = "string"
	TypeDate      Type = "date"
	TypeReference Type = "reference"
	TypeNumber    Type = "number"
	TypeQuantity  Type = "quantity"
	TypeURI       Type = "uri"
	TypeComposite Type = "composite"
	TypeSpecial   Type = "special"
)

// Strategy is how a parameter's extracted values are stored (spec.md §4.3).
type Strategy string

const (
	// StrategyColumn stores the value directly on the main row.
	StrategyColumn Strategy = "column"
	// StrategyTokenColumn stores a hash array, a text array and a sort
	// column on the main row.
	StrategyTokenColumn Strategy = "token-column"
	// StrategyLookupTable stores a sort column on the main row and the
	// full values in one of the four shared lookup tables.
	StrategyLookupTable Strategy = "lookup-table"
)

// Parameter is one declared search parameter.
type Parameter struct {
	Code          string
	Type          Type
	ResourceTypes []string
	Expression    string
	Strategy      Strategy
	ColumnName    string // suffix used to name generated columns
	ColumnType    string // canonical relational type
	Array         bool
	// LookupTable names the shared lookup table this parameter's full
	// values live in, when Strategy == StrategyLookupTable.
	LookupTable string
}

// Registry is the read-only, process-wide catalog of search parameters.
type Registry struct {
	byKind   map[string]map[string]*Parameter
	special  map[string]*Parameter
	allKinds []string
}

// specialParameters are the kind-independent parameters every kind
// supports without explicit declaration (spec.md §4.1).
func specialParameters() map[string]*Parameter {
	return map[string]*Parameter{
		"_id":          {Code: "_id", Type: TypeSpecial, Strategy: StrategyColumn, ColumnName: "id", ColumnType: "uuid"},
		"_lastUpdated": {Code: "_lastUpdated", Type: TypeDate, Strategy: StrategyColumn, ColumnName: "lastUpdated", ColumnType: "timestamp"},
		"_profile":     {Code: "_profile", Type: TypeURI, Strategy: StrategyColumn, ColumnName: "_profile", ColumnType: "text[]", Array: true},
		"_source":      {Code: "_source", Type: TypeURI, Strategy: StrategyColumn, ColumnName: "_source", ColumnType: "text"},
		"_tag":         {Code: "_tag", Type: TypeToken, Strategy: StrategyTokenColumn, ColumnName: "__tag", ColumnType: "text[]", Array: true},
		"_security":    {Code: "_security", Type: TypeToken, Strategy: StrategyTokenColumn, ColumnName: "__security", ColumnType: "text[]", Array: true},
		"_compartment": {Code: "_compartment", Type: TypeSpecial, Strategy: StrategyColumn, ColumnName: "compartments", ColumnType: "uuid[]", Array: true},
	}
}

// New builds a Registry from declared parameters. It returns an error if
// more than one parameter is declared for the same (kind, code) — the
// invariant required by spec.md §4.1.
func New(params []Parameter) (*Registry, error) {
	r := &Registry{
		byKind:  map[string]map[string]*Parameter{},
		special: specialParameters(),
	}
	kindSeen := map[string]bool{}
	for i := range params {
		p := params[i]
		if p.Code == "" || p.Expression == "" {
			return nil, fmt.Errorf("search parameter is missing code or expression: %+v", p)
		}
		if p.ColumnName == "" {
			switch p.Strategy {
			case StrategyColumn, StrategyTokenColumn, StrategyLookupTable:
				p.ColumnName = p.Code
			}
		}
		for _, kind := range p.ResourceTypes {
			if _, ok := r.byKind[kind]; !ok {
				r.byKind[kind] = map[string]*Parameter{}
			}
			if _, dup := r.byKind[kind][p.Code]; dup {
				return nil, fmt.Errorf("duplicate search parameter (%s, %s)", kind, p.Code)
			}
			pp := p
			r.byKind[kind][p.Code] = &pp
			if !kindSeen[kind] {
				kindSeen[kind] = true
				r.allKinds = append(r.allKinds, kind)
			}
		}
	}
	return r, nil
}

// Lookup resolves a (kind, code) to its Parameter, falling back to the
// kind-independent special parameters.
func (r *Registry) Lookup(kind, code string) (*Parameter, bool) {
	if byCode, ok := r.byKind[kind]; ok {
		if p, ok := byCode[code]; ok {
			return p, true
		}
	}
	p, ok := r.special[code]
	return p, ok
}

// ForKind returns every parameter declared for kind, not including the
// kind-independent special parameters.
func (r *Registry) ForKind(kind string) []*Parameter {
	byCode := r.byKind[kind]
	out := make([]*Parameter, 0, len(byCode))
	for _, p := range byCode {
		out = append(out, p)
	}
	return out
}

// Kinds lists every resource kind with at least one declared parameter.
func (r *Registry) Kinds() []string {
	return append([]string{}, r.allKinds...)
}

// SpecialParameters returns the kind-independent parameters every kind
// supports (_id, _lastUpdated, _tag, ...), for callers that need to index
// them even though ForKind does not enumerate them.
func (r *Registry) SpecialParameters() []*Parameter {
	out := make([]*Parameter, 0, len(r.special))
	for _, p := range r.special {
		out = append(out, p)
	}
	return out
}
