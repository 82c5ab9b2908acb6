package authorization

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
	fx.Invoke(bootstrapOperators),
)

func bootstrapOperators(cfg config.Config, svc Service, log *zap.Logger) error {
	for _, raw := range cfg.BootstrapOperatorIDs {
		adminID, err := snowflake.ParseString(raw)
		if err != nil || adminID == 0 {
			log.Warn("skipping invalid bootstrap operator id", zap.String("admin_id", raw))
			continue
		}
		if err := svc.AssignRole(context.Background(), adminID, RoleOperator); err != nil {
			return err
		}
	}
	return nil
}
