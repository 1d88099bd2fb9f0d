package access

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestHasRoleFindsAssignedRole(t *testing.T) {
	a := &Authorization{Roles: []string{"clinician", "auditor"}}
	assert.True(t, a.HasRole("auditor"))
	assert.False(t, a.HasRole("admin"))
}

func TestHasRoleOnNilAuthorizationIsFalse(t *testing.T) {
	var a *Authorization
	assert.False(t, a.HasRole("clinician"))
}

func TestProjectIDRoundTripsThroughContext(t *testing.T) {
	projectID := uuid.New()
	ctx := WithAuthorization(context.Background(), &Authorization{ProjectID: projectID})
	assert.Equal(t, projectID, ProjectID(ctx))
}

func TestProjectIDIsZeroWithoutAuthorization(t *testing.T) {
	assert.Equal(t, uuid.UUID{}, ProjectID(context.Background()))
}
