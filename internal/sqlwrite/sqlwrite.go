// Package sqlwrite turns a rowbuild.Result into the parameterized SQL
// statements that persist a resource version (spec.md §4.4, component C6):
// the main-row UPSERT, the history INSERT, and the replace-on-write of the
// references and lookup-table rows. It follows the teacher's
// core/backend/collection.go convention of building queries with
// strings.Join/fmt.Sprintf over positional "$N" placeholders rather than an
// ORM or query builder.
package sqlwrite

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/rowbuild"
)

// Statement is one parameterized SQL statement ready for (*sql.Tx).Exec/Query.
// Array-typed args (uuid.UUID/string slices) must be wrapped with
// pq.Array by the caller before Exec/Query; sqlwrite only builds query text
// and positional arguments.
type Statement struct {
	Query string
	Args  []interface{}
}

// MainRow is the fixed, non-generated portion of a main-table row; the
// dynamic, search-parameter-derived columns come from rowbuild.Result.
type MainRow struct {
	ID           uuid.UUID
	VersionID    uuid.UUID
	Version      int16
	Deleted      bool
	LastUpdated  time.Time
	ProjectID    uuid.UUID
	Content      []byte // the raw resource JSON; nil when Deleted
	Compartments []uuid.UUID
}

// HistoryRow is one immutable version row (fhirschema.DDL's history table).
type HistoryRow struct {
	VersionID   uuid.UUID
	ID          uuid.UUID
	Content     []byte
	LastUpdated time.Time
}

// UpsertMain builds the INSERT ... ON CONFLICT (id) DO UPDATE statement for
// a kind's main table (spec.md §4.4 step 1): it always replaces the full
// generated-column set, since every column is a pure function of the
// resource body being written. dynamic holds every search-parameter-derived
// column from rowbuild.Result.Columns, including _profile/_source/__tag*/
// __security*/__sharedTokens*.
func UpsertMain(schema string, t fhirschema.KindTables, row MainRow, dynamic map[string]interface{}) Statement {
	names := []string{"id", "content", quoteColumn("lastUpdated"), "deleted", quoteColumn("projectId"), quoteColumn("versionId"), "__version", "compartments"}
	args := []interface{}{row.ID, row.Content, row.LastUpdated, row.Deleted, row.ProjectID, row.VersionID, row.Version, arrayOrNil(row.Compartments)}

	for _, name := range sortedKeys(dynamic) {
		names = append(names, quoteColumn(name))
		args = append(args, dynamic[name])
	}

	placeholders := make([]string, len(names))
	updates := make([]string, 0, len(names)-1)
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if name != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s.%q (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s RETURNING id;",
		schema, t.Main, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	return Statement{Query: query, Args: args}
}

// InsertHistory builds the append-only INSERT into a kind's history table
// (spec.md §4.4 step 2); history rows are never updated or deleted.
func InsertHistory(schema string, t fhirschema.KindTables, row HistoryRow) Statement {
	query := fmt.Sprintf(
		`INSERT INTO %s.%q ("versionId", id, content, "lastUpdated") VALUES ($1, $2, $3, $4);`,
		schema, t.History,
	)
	return Statement{Query: query, Args: []interface{}{row.VersionID, row.ID, row.Content, row.LastUpdated}}
}

// ReplaceReferences builds the delete-then-insert pair that keeps a kind's
// references table in sync with the resource's current reference-typed
// search parameters (spec.md §4.4 step 3): the old rows for id are always
// fully superseded, since a reference list is a pure function of the
// current resource body.
func ReplaceReferences(schema string, t fhirschema.KindTables, id uuid.UUID, refs []rowbuild.Reference) []Statement {
	stmts := []Statement{{
		Query: fmt.Sprintf(`DELETE FROM %s.%q WHERE "resourceId" = $1;`, schema, t.References),
		Args:  []interface{}{id},
	}}
	for _, r := range refs {
		stmts = append(stmts, Statement{
			Query: fmt.Sprintf(`INSERT INTO %s.%q ("resourceId", "targetId", code) VALUES ($1, $2, $3);`, schema, t.References),
			Args:  []interface{}{id, r.TargetID, r.Code},
		})
	}
	return stmts
}

// ReplaceLookupRows builds the delete-then-insert pair for one shared
// lookup table (spec.md §4.4 step 4), scoped to the rows owned by id.
func ReplaceLookupRows(schema, table string, id uuid.UUID, rows []map[string]interface{}) []Statement {
	stmts := []Statement{{
		Query: fmt.Sprintf(`DELETE FROM %s.%q WHERE "resourceId" = $1;`, schema, table),
		Args:  []interface{}{id},
	}}
	for _, row := range rows {
		keys := sortedKeys(row)
		names := make([]string, 0, len(keys)+1)
		placeholders := make([]string, 0, len(keys)+1)
		args := make([]interface{}, 0, len(keys)+1)

		names = append(names, `"resourceId"`)
		placeholders = append(placeholders, "$1")
		args = append(args, id)

		for i, k := range keys {
			names = append(names, quoteColumn(k))
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
			args = append(args, row[k])
		}
		stmts = append(stmts, Statement{
			Query: fmt.Sprintf("INSERT INTO %s.%q (%s) VALUES (%s);", schema, table, strings.Join(names, ", "), strings.Join(placeholders, ", ")),
			Args:  args,
		})
	}
	return stmts
}

// SelectForUpdate builds the row-locking SELECT issued before every
// update or delete (spec.md §5.1), mirroring the teacher's
// "SELECT ... FOR UPDATE" pattern in notifications.go.
func SelectForUpdate(schema string, t fhirschema.KindTables, id uuid.UUID) Statement {
	query := fmt.Sprintf(`SELECT "versionId", __version, deleted, content FROM %s.%q WHERE id = $1 FOR UPDATE;`, schema, t.Main)
	return Statement{Query: query, Args: []interface{}{id}}
}

func quoteColumn(name string) string {
	return fmt.Sprintf("%q", name)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func arrayOrNil(ids []uuid.UUID) interface{} {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
