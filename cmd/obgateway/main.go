package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/accounts"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/config"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/oauth"
	"github.com/smallbiznis/obgateway/internal/observability"
	"github.com/smallbiznis/obgateway/internal/ratelimit"
	"github.com/smallbiznis/obgateway/internal/scheduler"
	"github.com/smallbiznis/obgateway/internal/server"
	"github.com/smallbiznis/obgateway/internal/userdirectory"
	"github.com/smallbiznis/obgateway/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		fx.Invoke(migrate),
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

func migrate(cfg db.Config, conn *gorm.DB, log *zap.Logger) error {
	return db.AutoMigrate(cfg, conn, log,
		&credentialdomain.ThirdPartyApp{},
		&consentdomain.Consent{},
		&oauth.OAuthToken{},
		&ratelimit.RequestLog{},
		&userdirectory.User{},
		&accounts.Account{},
		&accounts.Transaction{},
		&auditdomain.AuditLog{},
	)
}
