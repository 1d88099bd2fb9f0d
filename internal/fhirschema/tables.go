package fhirschema

import (
	"fmt"
	"strings"
)

// GeneratedColumn describes one search-parameter-derived column on a kind's
// main table (and, for the sort/text columns, on its history table is not
// needed — history rows are never searched directly). Produced by
// internal/searchparam for each registered parameter's storage strategy
// (spec.md §4.3).
type GeneratedColumn struct {
	// Name is the column's SQL name, already prefixed/suffixed as the
	// strategy requires (e.g. "__genderText", "birthdate").
	Name string
	// SQLType is the canonical relational type: text, text[], timestamp,
	// uuid[], double precision, boolean.
	SQLType string
	// Trigram requests a trigram-backed GIN index for fast LIKE queries,
	// used on every …Text text[] column (spec.md §6, "trigram indexes on
	// all …Text text[] columns").
	Trigram bool
	// Btree requests a plain btree index (scalar columns compared with
	// equality/ordering).
	Btree bool
	// GIN requests a GIN index without trigram ops, for array-contains
	// lookups (text[]/uuid[] columns compared with &&/@>).
	GIN bool
}

// fixedMetadataColumns are the metadata search columns every kind's main
// table carries regardless of which parameters are registered for that
// kind (spec.md §3 "Metadata search columns, fixed").
var fixedMetadataColumns = []GeneratedColumn{
	{Name: "__tagHash", SQLType: "uuid[]", GIN: true},
	{Name: "__tagText", SQLType: "text[]", Trigram: true},
	{Name: "__tagSort", SQLType: "text", Btree: true},
	{Name: "__securityHash", SQLType: "uuid[]", GIN: true},
	{Name: "__securityText", SQLType: "text[]", Trigram: true},
	{Name: "__securitySort", SQLType: "text", Btree: true},
	{Name: "__sharedTokens", SQLType: "uuid[]", GIN: true},
	{Name: "__sharedTokensText", SQLType: "text[]", Trigram: true},
}

// KindTables names the four per-kind tables for a resource kind.
type KindTables struct {
	Kind       string
	Main       string // "<Kind>"
	History    string // "<Kind>_History"
	References string // "<Kind>_References"
}

// NewKindTables derives the table names for kind.
func NewKindTables(kind string) KindTables {
	return KindTables{
		Kind:       kind,
		Main:       kind,
		History:    kind + "_History",
		References: kind + "_References",
	}
}

// Shared lookup table names, process-wide (spec.md §3).
const (
	LookupHumanName    = "HumanName"
	LookupAddress      = "Address"
	LookupContactPoint = "ContactPoint"
	LookupIdentifier   = "Identifier"
)

// DDL builds the CREATE TABLE / CREATE INDEX statements for one kind given
// its registry-derived search columns, modeled on
// core/backend/collection.go's createCollectionResource. hasCompartments
// should be false only for the one opaque-blob kind the spec carves out
// (spec.md §3); every other kind gets a compartments uuid[] column.
func DDL(schema string, t KindTables, columns []GeneratedColumn, hasCompartments bool) string {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  id uuid NOT NULL PRIMARY KEY,
  content bytea NOT NULL,
  "lastUpdated" timestamp NOT NULL,
  deleted boolean NOT NULL DEFAULT false,
  "projectId" uuid,
  "versionId" uuid NOT NULL,
  __version smallint NOT NULL DEFAULT 1,
  _source text,
  _profile text[]`, schema, t.Main)
	if hasCompartments {
		q += ",\n  compartments uuid[]"
	}
	for _, c := range append(append([]GeneratedColumn{}, fixedMetadataColumns...), columns...) {
		q += fmt.Sprintf(",\n  %s %s", quoteColumn(c.Name), c.SQLType)
	}
	q += "\n);\n"

	q += fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  "versionId" uuid NOT NULL PRIMARY KEY,
  id uuid NOT NULL,
  content bytea NOT NULL,
  "lastUpdated" timestamp NOT NULL
);
`, schema, t.History)

	q += fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  "resourceId" uuid NOT NULL,
  "targetId" uuid NOT NULL,
  code text NOT NULL,
  PRIMARY KEY ("resourceId", "targetId", code)
);
`, schema, t.References)

	q += indexDDL(schema, t, columns, hasCompartments)
	return q
}

func indexDDL(schema string, t KindTables, columns []GeneratedColumn, hasCompartments bool) string {
	var b strings.Builder
	name := strings.ToLower(t.Main)
	fmt.Fprintf(&b, `CREATE INDEX IF NOT EXISTS idx_%s_last_updated ON %s."%s"("lastUpdated");
CREATE INDEX IF NOT EXISTS idx_%s_project_last_updated ON %s."%s"("projectId","lastUpdated");
CREATE INDEX IF NOT EXISTS idx_%s_project ON %s."%s"("projectId");
CREATE INDEX IF NOT EXISTS idx_%s_source ON %s."%s"(_source);
CREATE INDEX IF NOT EXISTS idx_%s_profile ON %s."%s" USING GIN(_profile);
CREATE INDEX IF NOT EXISTS idx_%s_version ON %s."%s"(__version);
CREATE INDEX IF NOT EXISTS idx_%s_active_version ON %s."%s"("lastUpdated", __version) WHERE deleted = false;
`,
		name, schema, t.Main,
		name, schema, t.Main,
		name, schema, t.Main,
		name, schema, t.Main,
		name, schema, t.Main,
		name, schema, t.Main,
		name, schema, t.Main,
	)
	if hasCompartments {
		fmt.Fprintf(&b, `CREATE INDEX IF NOT EXISTS idx_%s_compartments ON %s."%s" USING GIN(compartments);
`, name, schema, t.Main)
	}
	fmt.Fprintf(&b, `CREATE INDEX IF NOT EXISTS idx_%s_history_id ON %s."%s"(id, "lastUpdated" DESC);
CREATE INDEX IF NOT EXISTS idx_%s_references_target ON %s."%s"("targetId", code);
`, name, schema, t.History, name, schema, t.References)

	for _, c := range append(append([]GeneratedColumn{}, fixedMetadataColumns...), columns...) {
		idxName := "idx_" + name + "_" + strings.ToLower(strings.Trim(c.Name, "_"))
		switch {
		case c.Trigram:
			fmt.Fprintf(&b, `CREATE INDEX IF NOT EXISTS %s ON %s."%s" USING GIN(%s gin_trgm_ops);
`, idxName, schema, t.Main, quoteColumn(c.Name))
		case c.GIN:
			fmt.Fprintf(&b, `CREATE INDEX IF NOT EXISTS %s ON %s."%s" USING GIN(%s);
`, idxName, schema, t.Main, quoteColumn(c.Name))
		case c.Btree:
			fmt.Fprintf(&b, `CREATE INDEX IF NOT EXISTS %s ON %s."%s"(%s);
`, idxName, schema, t.Main, quoteColumn(c.Name))
		}
	}
	return b.String()
}

func quoteColumn(name string) string {
	return `"` + name + `"`
}

// LookupTableDDL builds the CREATE TABLE statement for one of the four
// shared lookup tables (spec.md §3). Lookup rows carry no primary key: they
// are bulk-rewritten on every write.
func LookupTableDDL(schema, name string) string {
	switch name {
	case LookupHumanName:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  "resourceId" uuid NOT NULL,
  name text,
  given text,
  family text
);
CREATE INDEX IF NOT EXISTS idx_humanname_resource ON %s."%s"("resourceId");
CREATE INDEX IF NOT EXISTS idx_humanname_family ON %s."%s" USING GIN(family gin_trgm_ops);
`, schema, name, schema, name, schema, name)
	case LookupAddress:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  "resourceId" uuid NOT NULL,
  address text,
  city text,
  country text,
  "postalCode" text,
  state text,
  use text
);
CREATE INDEX IF NOT EXISTS idx_address_resource ON %s."%s"("resourceId");
CREATE INDEX IF NOT EXISTS idx_address_city ON %s."%s" USING GIN(city gin_trgm_ops);
`, schema, name, schema, name, schema, name)
	case LookupContactPoint:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  "resourceId" uuid NOT NULL,
  system text,
  value text,
  use text
);
CREATE INDEX IF NOT EXISTS idx_contactpoint_resource ON %s."%s"("resourceId");
CREATE INDEX IF NOT EXISTS idx_contactpoint_value ON %s."%s" USING GIN(value gin_trgm_ops);
`, schema, name, schema, name, schema, name)
	case LookupIdentifier:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s" (
  "resourceId" uuid NOT NULL,
  system text,
  value text
);
CREATE INDEX IF NOT EXISTS idx_identifier_resource ON %s."%s"("resourceId");
CREATE INDEX IF NOT EXISTS idx_identifier_value ON %s."%s" USING GIN(value gin_trgm_ops);
`, schema, name, schema, name, schema, name)
	default:
		return ""
	}
}

// AllLookupTables lists the four shared lookup tables.
func AllLookupTables() []string {
	return []string{LookupHumanName, LookupAddress, LookupContactPoint, LookupIdentifier}
}
