package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, adminID snowflake.ID, object string, action string) error {
	if adminID == 0 {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subject(adminID), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		logger.WithContext(ctx, s.log).Warn("authorization denied",
			zap.String("admin_id", adminID.String()),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// AssignRole replaces whatever role the admin held before.
func (s *ServiceImpl) AssignRole(ctx context.Context, adminID snowflake.ID, role string) error {
	if adminID == 0 {
		return ErrInvalidActor
	}
	switch role {
	case RoleReviewer, RoleOperator:
	default:
		return ErrUnknownRole
	}

	sub := subject(adminID)
	has, err := s.enforcer.HasGroupingPolicy(sub, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := s.enforcer.DeleteRolesForUser(sub); err != nil {
		return err
	}
	if _, err := s.enforcer.AddGroupingPolicy(sub, role); err != nil {
		return err
	}

	logger.WithContext(ctx, s.log).Info("admin role assigned",
		zap.String("admin_id", adminID.String()),
		zap.String("role", role),
	)
	return nil
}

func (s *ServiceImpl) Roles(_ context.Context, adminID snowflake.ID) ([]string, error) {
	if adminID == 0 {
		return nil, ErrInvalidActor
	}
	return s.enforcer.GetRolesForUser(subject(adminID))
}

func subject(adminID snowflake.ID) string {
	return fmt.Sprintf("admin:%s", adminID.String())
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Reviewers clear sandbox apps for production
		{RoleReviewer, ObjectApp, ActionAppView},
		{RoleReviewer, ObjectApp, ActionAppApprove},

		{RoleOperator, ObjectApp, ActionAppView},
		{RoleOperator, ObjectApp, ActionAppApprove},
		{RoleOperator, ObjectApp, ActionAppSuspend},
		{RoleOperator, ObjectApp, ActionAppRevoke},
		{RoleOperator, ObjectAuditLog, ActionAuditView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
