// Package registry provides a small persistent key/value store backed by
// postgres, adapted from the teacher's core/registry package. The resource
// store uses it to remember the search-parameter configuration's hash so it
// only re-indexes when the configuration actually changed.
package registry

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fhirstore/internal/pgdb"
)

// Registry is a persistent key/value store.
type Registry struct {
	db *pgdb.DB
}

// New creates the registry table if needed and returns a Registry.
func New(db *pgdb.DB) (*Registry, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."_registry_" (
key varchar NOT NULL,
value json NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

// Accessor scopes registry keys under prefix, e.g. one accessor per
// subsystem ("search_parameters", "subscriptions").
type Accessor struct {
	prefix   string
	registry *Registry
}

// Accessor returns an Accessor scoped to prefix.
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{prefix: prefix, registry: r}
}

func (a Accessor) key(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + ":" + key
}

// Read reads value for key, returning the time it was last written. A
// missing key is not an error; value is left untouched and the zero time is
// returned.
func (a Accessor) Read(key string, value interface{}) (time.Time, error) {
	var (
		raw       json.RawMessage
		createdAt time.Time
	)
	err := a.registry.db.QueryRow(
		`SELECT value, created_at FROM `+a.registry.db.Schema+`."_registry_" WHERE key=$1;`,
		a.key(key)).Scan(&raw, &createdAt)
	if err == pgdb.ErrNoRows {
		return createdAt, nil
	}
	if err != nil {
		return createdAt, err
	}
	return createdAt, json.Unmarshal(raw, value)
}

// Write stores value under key, overwriting any previous value.
func (a Accessor) Write(key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = a.registry.db.Exec(
		`INSERT INTO `+a.registry.db.Schema+`."_registry_"(key,value,created_at)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2, created_at=$3;`,
		a.key(key), string(body), time.Now().UTC())
	return err
}
