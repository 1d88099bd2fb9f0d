// Package pgdb wraps a standard sql.DB with the schema the resource store
// persists into, adapted from the teacher's core/csql package.
package pgdb

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/fhirstore/internal/rlog"
)

// DB encapsulates a standard sql.DB together with the postgres schema that
// holds all resource tables.
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when a query produced no row.
var ErrNoRows = sql.ErrNoRows

// OpenWithSchema opens a resource-store postgres database with the given
// schema. The schema is created if it does not exist yet.
func OpenWithSchema(dataSourceName, password, schema string) (*DB, error) {
	rlog.Default().Infoln("connecting to postgres database:", dataSourceName)
	db, err := sql.Open("postgres", fmt.Sprintf("%s password=%s", dataSourceName, password))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if schema == "" {
		schema = "public"
	} else {
		rlog.Default().Infoln("selected database schema:", schema)
		if _, err := db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";`); err != nil {
			if !strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
				return nil, fmt.Errorf("create uuid-ossp extension: %w", err)
			}
		}
		if _, err := db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// ClearSchema drops and recreates the database's schema. Intended for tests.
func (db *DB) ClearSchema() error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE; CREATE SCHEMA IF NOT EXISTS ` + db.Schema + `;`)
	return err
}
