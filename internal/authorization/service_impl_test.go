package authorization

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) Service {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)

	return NewService(Params{Log: zaptest.NewLogger(t), Enforcer: enforcer})
}

func TestAuthorizeByRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	reviewer := snowflake.ID(11)
	operator := snowflake.ID(12)

	require.NoError(t, svc.AssignRole(ctx, reviewer, RoleReviewer))
	require.NoError(t, svc.AssignRole(ctx, operator, RoleOperator))

	assert.NoError(t, svc.Authorize(ctx, reviewer, ObjectApp, ActionAppApprove))
	assert.ErrorIs(t, svc.Authorize(ctx, reviewer, ObjectApp, ActionAppRevoke), ErrForbidden)

	assert.NoError(t, svc.Authorize(ctx, operator, ObjectApp, ActionAppSuspend))
	assert.NoError(t, svc.Authorize(ctx, operator, ObjectApp, ActionAppRevoke))
	assert.NoError(t, svc.Authorize(ctx, operator, ObjectAuditLog, ActionAuditView))
	assert.ErrorIs(t, svc.Authorize(ctx, reviewer, ObjectAuditLog, ActionAuditView), ErrForbidden)

	assert.ErrorIs(t, svc.Authorize(ctx, 99, ObjectApp, ActionAppView), ErrForbidden)
}

func TestAssignRoleReplacesPrevious(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admin := snowflake.ID(21)

	require.NoError(t, svc.AssignRole(ctx, admin, RoleOperator))
	require.NoError(t, svc.AssignRole(ctx, admin, RoleReviewer))

	roles, err := svc.Roles(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleReviewer}, roles)
	assert.ErrorIs(t, svc.Authorize(ctx, admin, ObjectApp, ActionAppSuspend), ErrForbidden)
}

func TestAuthorizeRejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, 0, ObjectApp, ActionAppView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, 1, " ", ActionAppView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, 1, ObjectApp, ""), ErrInvalidAction)
	assert.ErrorIs(t, svc.AssignRole(ctx, 1, "role:root"), ErrUnknownRole)
	assert.ErrorIs(t, svc.AssignRole(ctx, 0, RoleOperator), ErrInvalidActor)
}
