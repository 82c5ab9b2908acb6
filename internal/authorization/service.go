package authorization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

const (
	ObjectApp      = "third_party_app"
	ObjectAuditLog = "audit_log"
)

const (
	ActionAppView    = "app.view"
	ActionAppApprove = "app.approve"
	ActionAppSuspend = "app.suspend"
	ActionAppRevoke  = "app.revoke"
	ActionAuditView  = "audit.view"
)

const (
	RoleReviewer = "role:reviewer"
	RoleOperator = "role:operator"
)

// Service gates gateway administration. Admin identities are asserted by
// the upstream gateway; roles live in casbin grouping rules.
type Service interface {
	Authorize(ctx context.Context, adminID snowflake.ID, object, action string) error
	AssignRole(ctx context.Context, adminID snowflake.ID, role string) error
	Roles(ctx context.Context, adminID snowflake.ID) ([]string, error)
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrUnknownRole   = errors.New("unknown_role")
	ErrForbidden     = errors.New("forbidden")
)
