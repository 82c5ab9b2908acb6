package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/obgateway/internal/accounts"
	"github.com/smallbiznis/obgateway/internal/audit"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	"github.com/smallbiznis/obgateway/internal/authorization"
	"github.com/smallbiznis/obgateway/internal/config"
	"github.com/smallbiznis/obgateway/internal/consent"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/smallbiznis/obgateway/internal/credential"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/oauth"
	"github.com/smallbiznis/obgateway/internal/observability"
	obsmiddleware "github.com/smallbiznis/obgateway/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/obgateway/internal/observability/metrics"
	obstracing "github.com/smallbiznis/obgateway/internal/observability/tracing"
	"github.com/smallbiznis/obgateway/internal/ratelimit"
	"github.com/smallbiznis/obgateway/internal/userdirectory"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	userdirectory.Module,
	credential.Module,
	consent.Module,
	oauth.Module,
	ratelimit.Module,
	accounts.Module,
	authorization.Module,
	audit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	policy        *config.PolicyHolder
	credentials   credentialdomain.Service
	consents      consentdomain.Service
	tokens        *oauth.Service
	accounts      accounts.Reader
	limiter       *ratelimit.Limiter
	tokenThrottle *ratelimit.TokenThrottle
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Policy        *config.PolicyHolder
	Credentials   credentialdomain.Service
	Consents      consentdomain.Service
	Tokens        *oauth.Service
	Accounts      accounts.Reader
	Limiter       *ratelimit.Limiter
	TokenThrottle *ratelimit.TokenThrottle `optional:"true"`
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		policy:        p.Policy,
		credentials:   p.Credentials,
		consents:      p.Consents,
		tokens:        p.Tokens,
		accounts:      p.Accounts,
		limiter:       p.Limiter,
		tokenThrottle: p.TokenThrottle,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerDeveloperRoutes()
	svc.registerAdminRoutes()
	svc.registerConsentRoutes()
	svc.registerOAuthRoutes()
	svc.registerOBPRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerDeveloperRoutes() {
	dev := s.engine.Group("/developers")

	dev.GET("/sandbox/test-users", s.ListSandboxTestUsers)

	apps := dev.Group("/apps", s.UserRequired())
	{
		apps.POST("", s.RegisterApp)
		apps.GET("", s.ListApps)
		apps.GET("/:app_id", s.GetApp)
		apps.PUT("/:app_id", s.UpdateApp)
		apps.POST("/:app_id/credentials", s.RotateAppCredentials)
		apps.POST("/:app_id/submit-for-review", s.SubmitAppForReview)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.GET("/apps/:app_id", s.authorizeAdminAction(authorization.ObjectApp, authorization.ActionAppView), s.AdminGetApp)
	admin.POST("/apps/:app_id/approve", s.authorizeAdminAction(authorization.ObjectApp, authorization.ActionAppApprove), s.ApproveApp)
	admin.POST("/apps/:app_id/reject", s.authorizeAdminAction(authorization.ObjectApp, authorization.ActionAppApprove), s.RejectApp)
	admin.POST("/apps/:app_id/suspend", s.authorizeAdminAction(authorization.ObjectApp, authorization.ActionAppSuspend), s.SuspendApp)
	admin.POST("/apps/:app_id/revoke", s.authorizeAdminAction(authorization.ObjectApp, authorization.ActionAppRevoke), s.RevokeApp)

	admin.GET("/audit-logs", s.authorizeAdminAction(authorization.ObjectAuditLog, authorization.ActionAuditView), s.ListAuditLogs)
}

func (s *Server) registerConsentRoutes() {
	consents := s.engine.Group("/consents")

	consents.POST("", s.ClientAuthRequired(), s.CreateConsent)
	consents.GET("", s.UserRequired(), s.ListConsents)
	consents.GET("/:consent_id", s.UserRequired(), s.GetConsent)
	consents.PUT("/:consent_id/authorize", s.UserRequired(), s.AuthorizeConsent)
	consents.DELETE("/:consent_id", s.UserRequired(), s.RevokeConsent)
}

func (s *Server) registerOAuthRoutes() {
	s.engine.GET("/oauth/authorize", s.OAuthAuthorize)
	s.engine.POST("/oauth/token", s.TokenEndpointThrottle(), s.OAuthToken)
	s.engine.POST("/oauth/revoke", s.OAuthRevoke)
	s.engine.GET("/oauth/userinfo", s.OAuthUserInfo)

	s.engine.GET("/.well-known/openid-configuration", s.OpenIDConfiguration)
	s.engine.GET("/.well-known/jwks.json", s.JWKS)
}

func (s *Server) registerOBPRoutes() {
	obp := s.engine.Group("/obp/v4.0.0/my")

	obp.GET("/accounts",
		s.BearerRequired(consentdomain.ScopeAccounts), s.AppRateLimit(), s.ListMyAccounts)
	obp.GET("/accounts/:account_id/balances",
		s.BearerRequired(consentdomain.ScopeBalances), s.AppRateLimit(), s.GetAccountBalances)
	obp.GET("/accounts/:account_id/transactions",
		s.BearerRequired(consentdomain.ScopeTransactions), s.AppRateLimit(), s.ListAccountTransactions)
}
