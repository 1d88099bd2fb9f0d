// Command fhirstored runs the resource server: it loads the
// resource/search-parameter configuration, opens the Postgres schema,
// builds the repository, bundle processor and subscription engine, and
// serves the REST and websocket surface — the composition root the
// teacher's services/basic and services/fleet play for the generic
// backend.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/fhirstore/internal/audit"
	"github.com/relabs-tech/fhirstore/internal/config"
	"github.com/relabs-tech/fhirstore/internal/fhirschema"
	"github.com/relabs-tech/fhirstore/internal/httpapi"
	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/pgdb"
	"github.com/relabs-tech/fhirstore/internal/registry"
	"github.com/relabs-tech/fhirstore/internal/repository"
	"github.com/relabs-tech/fhirstore/internal/rlog"
	"github.com/relabs-tech/fhirstore/internal/schemavalidate"
	"github.com/relabs-tech/fhirstore/internal/searchparam"
	"github.com/relabs-tech/fhirstore/internal/subscription"

	"fmt"
	"net/http"
)

// resourceConfigJSON is the default resource/search-parameter
// configuration, embedded the way the teacher's services embed
// configurationJSON. Operators can override it with the RESOURCE_CONFIG
// environment variable pointing at a file.
var resourceConfigJSON = `{
  "resourceTypes": [
    {"kind": "Patient"},
    {"kind": "Practitioner"},
    {"kind": "Observation", "compartmentPaths": ["Observation.subject"]},
    {"kind": "Encounter", "compartmentPaths": ["Encounter.subject"]},
    {"kind": "Condition", "compartmentPaths": ["Condition.subject"]}
  ],
  "searchParameters": [
    {"code": "family", "type": "string", "resourceTypes": ["Patient"], "expression": "Patient.name.family", "strategy": "lookup-table", "columnName": "family", "lookupTable": "HumanName"},
    {"code": "gender", "type": "token", "resourceTypes": ["Patient"], "expression": "Patient.gender", "strategy": "token-column", "columnName": "__gender", "columnType": "text[]", "array": true},
    {"code": "birthdate", "type": "date", "resourceTypes": ["Patient"], "expression": "Patient.birthDate", "strategy": "column", "columnName": "_birthdate", "columnType": "date"},
    {"code": "subject", "type": "reference", "resourceTypes": ["Observation", "Encounter", "Condition"], "expression": "Observation.subject|Encounter.subject|Condition.subject", "strategy": "column", "columnName": "_subject", "columnType": "text"},
    {"code": "code", "type": "token", "resourceTypes": ["Observation", "Condition"], "expression": "Observation.code.coding|Condition.code.coding", "strategy": "token-column", "columnName": "__code", "columnType": "text[]", "array": true},
    {"code": "status", "type": "token", "resourceTypes": ["Observation", "Encounter"], "expression": "Observation.status|Encounter.status", "strategy": "token-column", "columnName": "__status", "columnType": "text[]", "array": true}
  ]
}`

// Service holds the process configuration, decoded from the environment
// the way every teacher service does (services/basic/basic.go,
// services/fleet/fleet.go).
type Service struct {
	Postgres      string `env:"POSTGRES,required" description:"connection string for the Postgres DB, without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"Postgres password, kept separate from the connection string"`
	Schema        string `env:"SCHEMA,default=fhirstore" description:"Postgres schema to hold resource tables"`
	Port          string `env:"PORT,default=8080" description:"HTTP listen port"`
	LogLevel      string `env:"LOG_LEVEL,default=info" description:"logrus level"`
	CacheSize     int    `env:"CACHE_SIZE,default=1024" description:"repository LRU cache entry count"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" description:"comma-separated Kafka broker addresses for the subscription outbox; empty disables it"`
	OutboxTopic   string `env:"OUTBOX_TOPIC,default=fhirstore.events" description:"Kafka topic the outbox publishes to"`
	ResourceConfigFile string `env:"RESOURCE_CONFIG" description:"path to a resource/search-parameter config file overriding the embedded default"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	rlog.Init(level)
	log := rlog.Default()

	rawConfig := resourceConfigJSON
	if service.ResourceConfigFile != "" {
		data, err := os.ReadFile(service.ResourceConfigFile)
		if err != nil {
			log.Fatalf("read resource config: %v", err)
		}
		rawConfig = string(data)
	}
	doc, err := config.Parse(rawConfig)
	if err != nil {
		log.Fatalf("parse resource config: %v", err)
	}

	reg, err := searchparam.New(doc.Parameters())
	if err != nil {
		log.Fatalf("build search parameter registry: %v", err)
	}

	db, err := pgdb.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	reggy, err := registry.New(db)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	if err := ensureTablesIfConfigChanged(reggy, db, reg, doc, rawConfig); err != nil {
		log.Fatalf("ensure tables: %v", err)
	}

	sessions := subscription.NewManager()
	engine := subscription.NewEngine(sessions)

	var outbox *subscription.Outbox
	if service.KafkaBrokers != "" {
		outbox = subscription.NewOutbox(strings.Split(service.KafkaBrokers, ","), service.OutboxTopic)
		defer outbox.Close()
	}

	notifier := &eventNotifier{engine: engine, outbox: outbox}

	validator, err := buildValidator(doc.Kinds())
	if err != nil {
		log.Fatalf("build schema validator: %v", err)
	}

	auditSink := audit.NewSink(db)
	if err := auditSink.EnsureTable(context.Background()); err != nil {
		log.Fatalf("ensure audit table: %v", err)
	}
	go runAuditDrain(auditSink)

	kindConfigs := doc.KindConfigs()
	for i := range kindConfigs {
		kindConfigs[i].SchemaID = kindConfigs[i].Kind
	}

	repo, err := repository.New(db, reg, kindConfigs, service.CacheSize, notifier, validator, auditSink)
	if err != nil {
		log.Fatalf("build repository: %v", err)
	}

	server := httpapi.New(repo, sessions, doc.Kinds())

	log.Infof("listening on :%s", service.Port)
	if err := http.ListenAndServe(":"+service.Port, server); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// buildValidator compiles one minimal structural schema per kind — every
// resource body must declare "resourceType" equal to its kind — the
// baseline gate SPEC_FULL.md §4 calls "ambient plumbing" ahead of
// indexing. A deployment can extend this with real per-kind profile
// schemas without changing the repository.
func buildValidator(kinds []string) (*schemavalidate.Validator, error) {
	schemas := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		schemas = append(schemas, fmt.Sprintf(`{
  "$id": %q,
  "type": "object",
  "required": ["resourceType"],
  "properties": {"resourceType": {"const": %q}}
}`, kind, kind))
	}
	return schemavalidate.New(schemas, nil)
}

// configHashKey is the registry key the search-parameter configuration's
// hash is cached under, scoped the way core/registry.Accessor scopes every
// subsystem's keys.
const configHashKey = "hash"

// ensureTablesIfConfigChanged skips the DDL bootstrap when rawConfig hashes
// to the same value already recorded in the registry, so a restart with an
// unchanged configuration does not re-issue a CREATE TABLE/INDEX statement
// per kind every time. The DDL itself is idempotent either way (tables.go's
// CREATE TABLE/INDEX IF NOT EXISTS); this only saves the redundant round
// trips.
func ensureTablesIfConfigChanged(reggy *registry.Registry, db *pgdb.DB, searchReg *searchparam.Registry, doc *config.Document, rawConfig string) error {
	accessor := reggy.Accessor("search_parameters")
	sum := sha256.Sum256([]byte(rawConfig))
	hash := hex.EncodeToString(sum[:])

	var stored string
	if _, err := accessor.Read(configHashKey, &stored); err != nil {
		return fmt.Errorf("read config hash: %w", err)
	}
	if stored == hash {
		rlog.Default().Infoln("resource configuration unchanged, skipping DDL bootstrap")
		return nil
	}

	if err := ensureTables(db, searchReg, doc); err != nil {
		return err
	}
	return accessor.Write(configHashKey, hash)
}

// ensureTables creates every kind's main/history/references tables and
// the shared lookup tables, mirroring backend.New's DDL bootstrap.
func ensureTables(db *pgdb.DB, reg *searchparam.Registry, doc *config.Document) error {
	for _, kind := range doc.Kinds() {
		tables := fhirschema.NewKindTables(kind)
		// Every configured kind gets a compartments column: UpsertMain always
		// writes it, and compartment search runs against every kind.
		columns := reg.ColumnsFor(kind)
		if _, err := db.Exec(fhirschema.DDL(db.Schema, tables, columns, true)); err != nil {
			return err
		}
	}
	for _, name := range fhirschema.AllLookupTables() {
		if _, err := db.Exec(fhirschema.LookupTableDDL(db.Schema, name)); err != nil {
			return err
		}
	}
	return nil
}

// eventNotifier implements repository.Notifier, fanning every committed
// write out to the in-process subscription engine and, when configured,
// the Kafka outbox — the same dual local/remote delivery the teacher's
// notifications.go performs for its own subscribers.
type eventNotifier struct {
	engine *subscription.Engine
	outbox *subscription.Outbox
}

func (n *eventNotifier) Notify(kind string, resource fhirschema.Resource, op string) {
	ev := subscription.Event{Kind: kind, Resource: resource, ID: resource.ID(), Op: op}
	n.engine.Evaluate(ev)
	if n.outbox != nil {
		n.outbox.Publish(ev)
	}
}

// runAuditDrain periodically claims and logs pending audit rows, the same
// poll-and-process loop the teacher's ProcessNotifications drives, scaled
// down to a single worker since audit rows carry no retry budget.
func runAuditDrain(sink *audit.Sink) {
	log := rlog.Default()
	for {
		n, err := sink.Drain(context.Background(), 100, func(ev outcome.AuditEvent) {
			log.Infof("audit: %s %s/%s project=%s at=%s", ev.Operation, ev.Kind, ev.ResourceID, ev.ProjectID, ev.At)
		})
		if err != nil {
			log.Errorf("drain audit events: %v", err)
		}
		if n == 0 {
			time.Sleep(2 * time.Second)
		}
	}
}
