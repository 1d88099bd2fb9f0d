// Package outcome implements the error taxonomy of spec.md §7 and its
// mapping to HTTP status codes and OperationOutcome-shaped bodies
// (component C13). Errors are plain Go values carrying a Kind, the same
// "classify at the boundary, never leak driver types" discipline the
// teacher applies when translating *pq.Error in core/csql and
// core/backend/collection.go.
package outcome

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind is one of the abstract error classes of spec.md §7.
type Kind string

// The complete error taxonomy.
const (
	KindInvariantViolation Kind = "invariant-violation"
	KindNotFound           Kind = "not-found"
	KindGone               Kind = "gone"
	KindVersionConflict    Kind = "version-conflict"
	KindPreconditionFailed Kind = "precondition-failed"
	KindInvalidParameter   Kind = "invalid-parameter"
	KindTransient          Kind = "transient"
	KindInternal           Kind = "internal"
)

// Error is a classified failure with user-facing diagnostics.
type Error struct {
	Kind        Kind
	Diagnostics string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Diagnostics, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Diagnostics)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified Error with no wrapped cause.
func New(kind Kind, diagnostics string) *Error {
	return &Error{Kind: kind, Diagnostics: diagnostics}
}

// Wrap classifies cause as kind, keeping it retrievable via errors.Unwrap.
func Wrap(kind Kind, diagnostics string, cause error) *Error {
	return &Error{Kind: kind, Diagnostics: diagnostics, cause: cause}
}

// As extracts the classified Error from err, if any was attached via New/Wrap.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code spec.md §6 names.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindVersionConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindInvalidParameter:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AuditEvent records one mutating repository operation for the best-effort
// audit trail (SPEC_FULL.md §4 "Audit events"). It carries no methods; it is
// a plain record internal/audit writes to and drains from the `_audit_`
// table.
type AuditEvent struct {
	Kind       string
	ResourceID uuid.UUID
	Operation  string
	ProjectID  uuid.UUID
	At         time.Time
}

// Issue is one entry of an OperationOutcome's issue list.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics"`
}

// Document is the error envelope body of spec.md §6.
type Document struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// ToDocument renders err as an OperationOutcome document and its HTTP
// status. Unclassified errors are reported as internal without leaking
// their message, matching the "never reveal internal identifiers" rule.
func ToDocument(err error) (Document, int) {
	classified, ok := As(err)
	if !ok {
		classified = New(KindInternal, "internal error")
	}
	status := HTTPStatus(classified.Kind)
	severity := "error"
	if classified.Kind == KindInternal || classified.Kind == KindTransient {
		severity = "fatal"
	}
	doc := Document{
		ResourceType: "OperationOutcome",
		Issue: []Issue{{
			Severity:    severity,
			Code:        string(classified.Kind),
			Diagnostics: classified.Diagnostics,
		}},
	}
	return doc, status
}
