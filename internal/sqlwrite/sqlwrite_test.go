package sqlwrite

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/rowbuild"
)

func TestUpsertMainIncludesDynamicColumnsAndOnConflict(t *testing.T) {
	tables := fhirschema.NewKindTables("Patient")
	row := MainRow{ID: uuid.New(), VersionID: uuid.New(), Version: 1, LastUpdated: time.Now(), ProjectID: uuid.New(), Content: []byte(`{}`)}
	stmt := UpsertMain("fhir", tables, row, map[string]interface{}{"__genderSort": "male"})

	assert.Contains(t, stmt.Query, `INSERT INTO fhir."Patient"`)
	assert.Contains(t, stmt.Query, `"__genderSort"`)
	assert.Contains(t, stmt.Query, "ON CONFLICT (id) DO UPDATE SET")
	assert.Contains(t, stmt.Query, "RETURNING id")
	require.Len(t, stmt.Args, 9)
	assert.Equal(t, "male", stmt.Args[8])
}

func TestInsertHistoryTargetsHistoryTable(t *testing.T) {
	tables := fhirschema.NewKindTables("Patient")
	row := HistoryRow{VersionID: uuid.New(), ID: uuid.New(), Content: []byte(`{}`), LastUpdated: time.Now()}
	stmt := InsertHistory("fhir", tables, row)
	assert.Contains(t, stmt.Query, `INSERT INTO fhir."Patient_History"`)
	assert.Contains(t, stmt.Query, `"versionId"`)
	require.Len(t, stmt.Args, 4)
}

func TestReplaceReferencesDeletesThenInserts(t *testing.T) {
	tables := fhirschema.NewKindTables("Patient")
	id := uuid.New()
	target := uuid.New()
	stmts := ReplaceReferences("fhir", tables, id, []rowbuild.Reference{{TargetID: target, Code: "general-practitioner"}})
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0].Query, "DELETE FROM")
	assert.Contains(t, stmts[1].Query, "INSERT INTO")
	assert.Contains(t, stmts[1].Query, `"resourceId"`)
	assert.Equal(t, []interface{}{id, target, "general-practitioner"}, stmts[1].Args)
}

func TestReplaceLookupRowsBuildsOneInsertPerRow(t *testing.T) {
	id := uuid.New()
	stmts := ReplaceLookupRows("fhir", "HumanName", id, []map[string]interface{}{
		{"family": "Chalmers", "given": "Peter"},
	})
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0].Query, `DELETE FROM fhir."HumanName"`)
	assert.Contains(t, stmts[1].Query, `"resourceId"`)
	assert.Contains(t, stmts[1].Query, `"family"`)
}

func TestSelectForUpdateLocksRow(t *testing.T) {
	tables := fhirschema.NewKindTables("Patient")
	stmt := SelectForUpdate("fhir", tables, uuid.New())
	assert.Contains(t, stmt.Query, "FOR UPDATE")
}
