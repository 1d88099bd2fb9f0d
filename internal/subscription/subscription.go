// Package subscription implements the active-subscription registry and
// per-write criteria matcher (spec.md §4.8, component C12): it loads
// active subscriptions from the repository, evaluates every successful
// write against their criteria, and hands matched notifications to
// session.go's fan-out. Matching is grounded on the teacher's own
// "small dedicated lock guarding only registration" preference
// (core/backend's hasJobsToProcessLock) applied here to subscription
// registration rather than job dispatch.
package subscription

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relabs-tech/fhirstore/internal/fhirpath"
	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/rlog"
)

// Criteria is one subscription's match predicate (spec.md §4.8): a kind
// plus a set of exact-match/membership filters keyed by path expression
// (e.g. "Patient.gender"), evaluated with fhirpath.Extract.
type Criteria struct {
	ResourceType string
	Filters      map[string][]string // expression -> acceptable values, evaluated as OR
}

// Subscription is one active subscription (spec.md §4.8 "State").
type Subscription struct {
	ID       uuid.UUID
	Criteria Criteria
	Channel  string // free-form delivery channel label carried in notifications
	Status   string // "active", "off", "error" per the resource's own status
}

// Event is what repository hands to Evaluate after a successful write.
type Event struct {
	Kind     string
	Resource fhirschema.Resource // on delete, the tombstone envelope (or nil)
	ID       uuid.UUID
	Op       string // create, update, delete
}

// Notification is what a matched subscription emits to its bound sessions
// (spec.md §4.8 "emit a notification").
type Notification struct {
	SubscriptionID uuid.UUID             `json:"subscriptionId"`
	Type           string                `json:"type"`
	Resource       map[string]interface{} `json:"resource,omitempty"`
}

// Loader fetches the subscriptions the engine should index, e.g. the
// repository's own Search scoped to kind "Subscription" with
// status=active (spec.md §4.8 "Loading").
type Loader interface {
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
}

// Fanout delivers a notification to every session bound to a subscription
// id; implemented by session.go's Manager.
type Fanout interface {
	Deliver(subscriptionID uuid.UUID, notification Notification)
}

// Engine indexes active subscriptions by criteria and evaluates writes
// against them (spec.md §4.8 "Matching").
type Engine struct {
	mu     sync.RWMutex
	byKind map[string][]Subscription
	fanout Fanout
}

// NewEngine builds an empty engine; call Reload to populate it.
func NewEngine(fanout Fanout) *Engine {
	return &Engine{byKind: map[string][]Subscription{}, fanout: fanout}
}

// Reload replaces the engine's index with every subscription loader
// reports as active (spec.md §4.8 "Loading": "at startup and on demand").
func (e *Engine) Reload(ctx context.Context, loader Loader) error {
	subs, err := loader.ActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	byKind := map[string][]Subscription{}
	for _, s := range subs {
		byKind[s.Criteria.ResourceType] = append(byKind[s.Criteria.ResourceType], s)
	}
	e.mu.Lock()
	e.byKind = byKind
	e.mu.Unlock()
	return nil
}

// Put indexes or reindexes a single subscription, used when a
// Subscription resource is created/updated without a full Reload.
func (e *Engine) Put(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.byKind[sub.Criteria.ResourceType]
	for i, existing := range list {
		if existing.ID == sub.ID {
			list[i] = sub
			e.byKind[sub.Criteria.ResourceType] = list
			return
		}
	}
	e.byKind[sub.Criteria.ResourceType] = append(list, sub)
}

// Remove drops a subscription from the index, e.g. on delete or status
// transitioning away from active.
func (e *Engine) Remove(kind string, id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.byKind[kind]
	for i, s := range list {
		if s.ID == id {
			e.byKind[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Evaluate checks ev against every active subscription for its kind and
// hands a Notification to Fanout for each match (spec.md §4.8 "Matching").
// A panic or error in delivery for one subscription must never prevent
// evaluating the rest (spec.md "Listener errors are isolated per
// session").
func (e *Engine) Evaluate(ev Event) {
	e.mu.RLock()
	candidates := append([]Subscription{}, e.byKind[ev.Kind]...)
	e.mu.RUnlock()

	for _, sub := range candidates {
		if !matches(sub.Criteria, ev) {
			continue
		}
		notification := Notification{SubscriptionID: sub.ID, Type: "event-notification"}
		if ev.Op != "delete" && ev.Resource != nil {
			notification.Resource = map[string]interface{}(ev.Resource)
		}
		e.deliverSafely(sub.ID, notification)
	}
}

func (e *Engine) deliverSafely(subscriptionID uuid.UUID, notification Notification) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Default().Errorf("subscription fan-out panic for %s: %v", subscriptionID, r)
		}
	}()
	if e.fanout != nil {
		e.fanout.Deliver(subscriptionID, notification)
	}
}

// matches evaluates a subscription's static parameter filters against the
// just-written resource: every configured expression must yield at least
// one acceptable value on the resource (membership/OR within an
// expression, AND across expressions), per spec.md §4.8.
func matches(c Criteria, ev Event) bool {
	if ev.Op == "delete" || ev.Resource == nil {
		return len(c.Filters) == 0
	}
	for code, wanted := range c.Filters {
		values := fhirpath.Extract(code, ev.Kind, map[string]interface{}(ev.Resource))
		if !anyMatches(values, wanted) {
			return false
		}
	}
	return true
}

func anyMatches(values []interface{}, wanted []string) bool {
	for _, v := range values {
		s, ok := fhirpath.AsString(v)
		if !ok {
			continue
		}
		for _, w := range wanted {
			if s == w || strings.HasSuffix(s, "|"+w) {
				return true
			}
		}
	}
	return false
}
