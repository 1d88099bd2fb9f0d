// Package access carries the multi-tenant capability token through a
// request's context.Context, adapted from the teacher's core/access
// package. Minting and verifying the token itself is the authentication
// layer's job and stays out of scope (spec.md §1); this package only
// defines the shape every in-scope component reads from the context.
package access

import (
	"context"

	"github.com/google/uuid"
)

type contextKeyType struct{}

var contextKey = &contextKeyType{}

// Authorization is the active capability token: the caller's membership,
// active project scope, and role policy.
type Authorization struct {
	MembershipID uuid.UUID
	ProjectID    uuid.UUID
	Roles        []string
}

// HasRole reports whether a has the given role.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithAuthorization returns a context carrying a.
func WithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKey, a)
}

// FromContext retrieves the Authorization carried by ctx, or nil.
func FromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKey).(*Authorization)
	return a
}

// ProjectID returns the project scope carried by ctx's Authorization, or
// the zero UUID if ctx carries none (meaning: no tenant scoping).
func ProjectID(ctx context.Context) uuid.UUID {
	if a := FromContext(ctx); a != nil {
		return a.ProjectID
	}
	return uuid.UUID{}
}
