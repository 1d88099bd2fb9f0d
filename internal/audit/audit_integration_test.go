//go:build integration

// Integration-level audit sink tests against a real Postgres container,
// matching internal/repository's own integration_test.go: the DDL and
// FOR UPDATE SKIP LOCKED claim/delete logic have no meaningful behavior to
// assert against a mock driver.
package audit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/fhirstore/internal/audit"
	"github.com/relabs-tech/fhirstore/internal/outcome"
	"github.com/relabs-tech/fhirstore/internal/pgdb"
)

type auditSuite struct {
	suite.Suite
	container testcontainers.Container
	sink      *audit.Sink
}

func (s *auditSuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fhirstore",
			"POSTGRES_PASSWORD": "fhirstore",
			"POSTGRES_DB":       "fhirstore",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	s.Require().NoError(err)
	s.container = c

	host, err := c.Host(ctx)
	s.Require().NoError(err)
	port, err := c.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	connInfo := fmt.Sprintf("host=%s port=%s user=fhirstore dbname=fhirstore sslmode=disable", host, port.Port())
	db, err := pgdb.OpenWithSchema(connInfo, "fhirstore", "audit_it")
	s.Require().NoError(err)

	sink := audit.NewSink(db)
	s.Require().NoError(sink.EnsureTable(ctx))
	s.sink = sink
}

func (s *auditSuite) TearDownSuite() {
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *auditSuite) TestRecordedEventsAreDrainedExactlyOnce() {
	ctx := context.Background()
	id := uuid.New()
	s.sink.Record(ctx, outcome.AuditEvent{Kind: "Patient", ResourceID: id, Operation: "create", ProjectID: uuid.Nil, At: time.Now().UTC()})

	var seen []outcome.AuditEvent
	n, err := s.sink.Drain(ctx, 10, func(ev outcome.AuditEvent) { seen = append(seen, ev) })
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Require().Len(seen, 1)
	s.Equal(id, seen[0].ResourceID)
	s.Equal("create", seen[0].Operation)

	n, err = s.sink.Drain(ctx, 10, func(outcome.AuditEvent) {})
	s.Require().NoError(err)
	s.Equal(0, n)
}

func TestAuditSuite(t *testing.T) {
	suite.Run(t, new(auditSuite))
}
