// Package fhirschema describes the per-kind main/history/references tables
// and the four shared lookup tables (spec.md §3), and generates the DDL
// that creates them. It also defines the uniform "any resource" handle used
// by cache, bundle and subscription code (spec.md §9), mirroring the
// teacher's own preference for generic map[string]interface{} documents
// (core/backend/collection.go's bodyJSON) over a per-kind struct hierarchy.
package fhirschema

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Resource is the uniform handle for any stored document: a required kind
// plus a generic property bag. It carries no subclass hierarchy; per-kind
// logic only ever consults paths declared through the search-parameter
// registry (internal/searchparam).
type Resource map[string]interface{}

// Kind returns the resource's declared kind (its "resourceType" field).
func (r Resource) Kind() string {
	k, _ := r["resourceType"].(string)
	return k
}

// ID returns the resource's id, or the zero UUID if absent/malformed.
func (r Resource) ID() uuid.UUID {
	s, _ := r["id"].(string)
	id, _ := uuid.Parse(s)
	return id
}

// SetID sets the resource's id field.
func (r Resource) SetID(id uuid.UUID) {
	r["id"] = id.String()
}

// Meta returns the resource's meta block, creating an empty one if absent.
func (r Resource) Meta() map[string]interface{} {
	m, ok := r["meta"].(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		r["meta"] = m
	}
	return m
}

// VersionID returns meta.versionId, or the zero UUID.
func (r Resource) VersionID() uuid.UUID {
	s, _ := r.Meta()["versionId"].(string)
	id, _ := uuid.Parse(s)
	return id
}

// LastUpdated returns meta.lastUpdated, or the zero time.
func (r Resource) LastUpdated() time.Time {
	s, _ := r.Meta()["lastUpdated"].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// StampMeta sets id, meta.versionId and meta.lastUpdated on r.
func (r Resource) StampMeta(id, versionID uuid.UUID, lastUpdated time.Time) {
	r.SetID(id)
	meta := r.Meta()
	meta["versionId"] = versionID.String()
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
}

// Clone returns a deep copy of r obtained by a marshal/unmarshal round
// trip, the same technique the teacher uses (goccy/go-json) whenever it
// needs to branch a document without aliasing the original map.
func (r Resource) Clone() (Resource, error) {
	data, err := json.Marshal(map[string]interface{}(r))
	if err != nil {
		return nil, err
	}
	var out Resource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// tombstoneKey marks a stored resource as an empty-content sentinel rather
// than a real document. It is never a valid FHIR element name, so it can
// never collide with a resource's own content.
const tombstoneKey = "__tombstone"

// Tombstone builds the minimal resource envelope stored as an empty-content
// sentinel in history when a resource is deleted (spec.md §3).
func Tombstone(kind string, id, versionID uuid.UUID, lastUpdated time.Time) Resource {
	r := Resource{"resourceType": kind, tombstoneKey: true}
	r.StampMeta(id, versionID, lastUpdated)
	return r
}

// IsTombstone reports whether r is an empty-content sentinel written by
// Delete, rather than a real resource version. Detecting this explicitly
// (instead of counting keys) avoids misclassifying a minimal but real
// resource as deleted.
func (r Resource) IsTombstone() bool {
	gone, _ := r[tombstoneKey].(bool)
	return gone
}

// Validate ensures the minimal shape every stored resource must have.
func (r Resource) Validate() error {
	if r.Kind() == "" {
		return fmt.Errorf("resource is missing resourceType")
	}
	return nil
}
