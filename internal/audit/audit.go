// Package audit records a best-effort trail of every mutating repository
// operation to an `_audit_` table. It follows the same claim-and-delete
// discipline as the teacher's core/backend/notifications.go: a background
// drain claims pending rows with `SELECT ... FOR UPDATE SKIP LOCKED` so
// concurrent drainers never double-process a row, and a write or drain
// failure is logged, never propagated — an audit event is diagnostic, not
// part of the resource's durability contract (SPEC_FULL.md §4, §7).
package audit

import (
	"context"

	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/pgdb"
	"github.com/relabs-tech/fhirstore/internal/rlog"
)

// Sink writes audit events to the `_audit_` table and exposes Drain for a
// caller to process and remove them.
type Sink struct {
	db *pgdb.DB
}

// NewSink builds a Sink backed by db.
func NewSink(db *pgdb.DB) *Sink {
	return &Sink{db: db}
}

// EnsureTable creates the `_audit_` table if it does not already exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.db.Schema+`."_audit_" (
serial SERIAL PRIMARY KEY,
kind VARCHAR NOT NULL,
resource_id uuid NOT NULL,
operation VARCHAR NOT NULL,
project_id uuid NOT NULL,
at TIMESTAMP NOT NULL
);`)
	return err
}

// Record inserts ev. Failures are logged and swallowed: recording an audit
// event must never fail the write that triggered it.
func (s *Sink) Record(ctx context.Context, ev outcome.AuditEvent) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_audit_" (kind, resource_id, operation, project_id, at) VALUES ($1,$2,$3,$4,$5)`,
		ev.Kind, ev.ResourceID, ev.Operation, ev.ProjectID, ev.At)
	if err != nil {
		rlog.Default().Errorf("record audit event for %s/%s: %v", ev.Kind, ev.ResourceID, err)
	}
}

// Drain claims up to limit pending rows in one transaction, hands each to
// process in serial order, deletes it, and commits once every claimed row
// has been processed. It returns the number of rows removed. A drain that
// stops partway (a failed delete or commit, a panic recovered by the
// caller, context cancellation) rolls the transaction back, so every
// claimed row, processed or not, stays visible to the next drain.
func (s *Sink) Drain(ctx context.Context, limit int, process func(outcome.AuditEvent)) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT serial, kind, resource_id, operation, project_id, at
FROM `+s.db.Schema+`."_audit_"
ORDER BY serial
FOR UPDATE SKIP LOCKED
LIMIT $1`, limit)
	if err != nil {
		return 0, err
	}

	var serials []int
	var events []outcome.AuditEvent
	for rows.Next() {
		var serial int
		var ev outcome.AuditEvent
		if err := rows.Scan(&serial, &ev.Kind, &ev.ResourceID, &ev.Operation, &ev.ProjectID, &ev.At); err != nil {
			rows.Close()
			return 0, err
		}
		serials = append(serials, serial)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for i, serial := range serials {
		process(events[i])
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.db.Schema+`."_audit_" WHERE serial = $1`, serial); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(serials), nil
}
