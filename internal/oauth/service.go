package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/config"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"github.com/smallbiznis/obgateway/internal/observability/metrics"
	"github.com/smallbiznis/obgateway/internal/observability/tracing"
	"github.com/smallbiznis/obgateway/internal/secret"
	"github.com/smallbiznis/obgateway/internal/userdirectory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TokenGenerator interface {
	NewToken(nbytes int) (secret.Value, error)
}

type randomTokenGenerator struct{}

func (randomTokenGenerator) NewToken(nbytes int) (secret.Value, error) {
	return secret.New(nbytes)
}

// UserDirectory resolves the account holder behind a token.
type UserDirectory interface {
	Lookup(ctx context.Context, id snowflake.ID) (*userdirectory.User, error)
}

type ServiceParams struct {
	fx.In

	Config      Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Store       Store
	ConsentRepo consentdomain.Repository
	Consents    consentdomain.Service
	Users       UserDirectory `optional:"true"`
	Clock       clock.Clock
	Policy      *config.PolicyHolder
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	cfg         Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	store       Store
	consentRepo consentdomain.Repository
	consents    consentdomain.Service
	users       UserDirectory
	clock       clock.Clock
	policy      *config.PolicyHolder
	metrics     *metrics.Metrics
	tokenGen    TokenGenerator
	tracer      trace.Tracer
}

func NewService(p ServiceParams) *Service {
	return &Service{
		cfg:         p.Config,
		db:          p.DB,
		log:         p.Log.Named("oauth.service"),
		genID:       p.GenID,
		store:       p.Store,
		consentRepo: p.ConsentRepo,
		consents:    p.Consents,
		users:       p.Users,
		clock:       p.Clock,
		policy:      p.Policy,
		metrics:     p.Metrics,
		tokenGen:    randomTokenGenerator{},
		tracer:      otel.Tracer("obgateway/oauth"),
	}
}

// RequestMeta describes the caller of a grant for audit columns.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

type ExchangeRequest struct {
	App         *credentialdomain.ThirdPartyApp
	Code        secret.Value
	RedirectURI string
	Meta        RequestMeta
}

type RefreshRequest struct {
	App          *credentialdomain.ThirdPartyApp
	RefreshToken secret.Value
	Meta         RequestMeta
}

// TokenResponse carries plaintext token values back to the client once.
// RefreshToken is zero for the refresh grant.
type TokenResponse struct {
	AccessToken  secret.Value
	RefreshToken secret.Value
	TokenType    string
	ExpiresIn    int
	ExpiresAt    time.Time
	Scopes       []string
	ConsentID    string
}

// ExchangeAuthorizationCode redeems a consent's authorization code for an
// access and refresh token pair. The code is claimed inside the same
// transaction that writes the tokens, so a code yields tokens at most once.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.exchange_authorization_code", req.App)
	defer func() { endSpan(span, err) }()

	app := req.App
	if app == nil {
		return nil, ErrInvalidClient
	}
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if req.Code.IsZero() || redirectURI == "" {
		return nil, ErrInvalidRequest
	}
	if !app.HasRedirectURI(redirectURI) {
		return nil, ErrInvalidRequest
	}

	policy := s.policy.Get()
	codeHash := req.Code.Digest()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consent, err := s.consentRepo.FindByCodeHash(ctx, tx, app.ID, codeHash)
		if err != nil {
			return err
		}
		if consent == nil || consent.Status != consentdomain.StatusAuthorized {
			return ErrInvalidGrant
		}

		now := s.clock.Now()
		if consent.AuthorizationCodeExpiresAt == nil || now.After(*consent.AuthorizationCodeExpiresAt) {
			return ErrInvalidGrant
		}
		if consent.Expired(now) {
			return ErrInvalidGrant
		}
		if consent.RedirectURI != nil && *consent.RedirectURI != redirectURI {
			return ErrInvalidGrant
		}

		claimed, err := s.consentRepo.ClaimCode(ctx, tx, consent.ID, codeHash, now)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrInvalidGrant
		}

		scopes := consent.Scopes()
		refreshValue, refresh, err := s.mint(consent, TokenTypeRefresh, GrantTypeAuthorizationCode, scopes, s.cfg.RefreshTokenBytes, now.Add(policy.RefreshTokenTTL), req.Meta)
		if err != nil {
			return err
		}
		accessValue, access, err := s.mint(consent, TokenTypeAccess, GrantTypeAuthorizationCode, scopes, s.cfg.AccessTokenBytes, now.Add(policy.AccessTokenTTL), req.Meta)
		if err != nil {
			return err
		}
		access.RefreshTokenID = &refresh.ID

		if err := s.store.Insert(ctx, tx, refresh, access); err != nil {
			return err
		}

		resp = &TokenResponse{
			AccessToken:  accessValue,
			RefreshToken: refreshValue,
			TokenType:    TokenTypeBearer,
			ExpiresIn:    int(policy.AccessTokenTTL.Seconds()),
			ExpiresAt:    access.ExpiresAt,
			Scopes:       scopes,
			ConsentID:    consent.ConsentID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTokenIssued(ctx, string(GrantTypeAuthorizationCode))
	logger.WithContext(ctx, s.log).Info("authorization code exchanged",
		zap.String("client_id", app.ClientID),
		zap.String("consent_id", resp.ConsentID),
		zap.Strings("scopes", resp.Scopes),
	)
	return resp, nil
}

// RefreshAccessToken mints a new access token carrying the refresh
// token's scopes. The originating consent must still be live.
func (s *Service) RefreshAccessToken(ctx context.Context, req RefreshRequest) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.refresh_access_token", req.App)
	defer func() { endSpan(span, err) }()

	app := req.App
	if app == nil {
		return nil, ErrInvalidClient
	}
	if req.RefreshToken.IsZero() {
		return nil, ErrInvalidRequest
	}

	now := s.clock.Now()
	record, err := s.store.FindByHash(ctx, s.db, req.RefreshToken.Digest())
	if err != nil {
		return nil, err
	}
	if record == nil || record.TokenType != TokenTypeRefresh || record.AppID != app.ID || !record.Active(now) {
		return nil, ErrInvalidGrant
	}

	consent, err := s.consentRepo.FindByID(ctx, s.db, record.ConsentID)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		return nil, ErrInvalidGrant
	}
	live, err := s.consents.Validate(ctx, consent.ConsentID, nil)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, ErrInvalidGrant
	}

	policy := s.policy.Get()
	scopes := append([]string(nil), record.Scopes...)
	accessValue, access, err := s.mint(consent, TokenTypeAccess, GrantTypeRefreshToken, scopes, s.cfg.AccessTokenBytes, now.Add(policy.AccessTokenTTL), req.Meta)
	if err != nil {
		return nil, err
	}
	access.RefreshTokenID = &record.ID

	if err := s.store.Insert(ctx, s.db, access); err != nil {
		return nil, err
	}
	if err := s.store.TouchUsage(ctx, s.db, record.ID, now); err != nil {
		logger.WithContext(ctx, s.log).Warn("refresh token usage update failed", zap.Error(err))
	}

	s.metrics.RecordTokenIssued(ctx, string(GrantTypeRefreshToken))
	logger.WithContext(ctx, s.log).Info("access token refreshed",
		zap.String("client_id", app.ClientID),
		zap.String("consent_id", consent.ConsentID),
	)

	return &TokenResponse{
		AccessToken: accessValue,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int(policy.AccessTokenTTL.Seconds()),
		ExpiresAt:   access.ExpiresAt,
		Scopes:      scopes,
		ConsentID:   consent.ConsentID,
	}, nil
}

// ValidateAccessToken returns the stored token when it is an unrevoked,
// unexpired access token carrying every required scope.
func (s *Service) ValidateAccessToken(ctx context.Context, token secret.Value, requiredScopes []string) (*OAuthToken, error) {
	record, err := s.validateAccessToken(ctx, token, requiredScopes)
	switch {
	case err == nil:
		s.metrics.RecordTokenValidation(ctx, "valid")
	case errors.Is(err, ErrInsufficientScope):
		s.metrics.RecordTokenValidation(ctx, "insufficient_scope")
	case errors.Is(err, ErrInvalidToken):
		s.metrics.RecordTokenValidation(ctx, "invalid")
	}
	return record, err
}

func (s *Service) validateAccessToken(ctx context.Context, token secret.Value, requiredScopes []string) (*OAuthToken, error) {
	if token.IsZero() {
		return nil, ErrInvalidToken
	}

	record, err := s.store.FindByHash(ctx, s.db, token.Digest())
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if record == nil || record.TokenType != TokenTypeAccess || !record.Active(now) {
		return nil, ErrInvalidToken
	}
	live, err := s.consentLive(ctx, record.ConsentID, now)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, ErrInvalidToken
	}
	if !record.HasScopes(requiredScopes) {
		return nil, ErrInsufficientScope
	}

	if err := s.store.TouchUsage(ctx, s.db, record.ID, now); err != nil {
		logger.WithContext(ctx, s.log).Warn("token usage update failed", zap.Error(err))
	}
	return record, nil
}

// consentLive reports whether the consent behind a token still authorizes
// access. A consent found past its window is handed to the consent service,
// which moves it to EXPIRED.
func (s *Service) consentLive(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	consent, err := s.consentRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	if consent == nil || consent.Status != consentdomain.StatusAuthorized {
		return false, nil
	}
	if consent.Expired(now) {
		if _, err := s.consents.Validate(ctx, consent.ConsentID, nil); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Issuer is the base URL advertised in discovery.
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// RevokeToken revokes a token of any type. Unknown tokens and tokens of
// other apps are ignored, so the call is safe to repeat. Revoking a
// refresh token also revokes the access tokens minted from it.
func (s *Service) RevokeToken(ctx context.Context, app *credentialdomain.ThirdPartyApp, token secret.Value) (revoked bool, err error) {
	ctx, span := s.startSpan(ctx, "oauth.revoke_token", app)
	defer func() { endSpan(span, err) }()

	if token.IsZero() {
		return false, nil
	}

	record, err := s.store.FindByHash(ctx, s.db, token.Digest())
	if err != nil {
		return false, err
	}
	if record == nil || (app != nil && record.AppID != app.ID) {
		return false, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		revoked, err = s.store.Revoke(ctx, tx, record.ID, now)
		if err != nil {
			return err
		}
		if record.TokenType == TokenTypeRefresh {
			if _, err := s.store.RevokeChildren(ctx, tx, record.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if revoked {
		logger.WithContext(ctx, s.log).Info("token revoked",
			zap.String("token_id", record.ID.String()),
			zap.String("token_type", string(record.TokenType)),
		)
	}
	return revoked, nil
}

// PurgeExpired deletes up to limit tokens that have been past expiry for
// longer than retention. Validation already treats them as dead.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	deleted, err := s.store.DeleteExpired(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logger.WithContext(ctx, s.log).Info("expired tokens purged",
			zap.Int64("count", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

type UserInfo struct {
	Sub           string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

func (s *Service) UserInfo(ctx context.Context, token secret.Value) (*UserInfo, error) {
	if s.users == nil {
		return nil, ErrInvalidToken
	}
	record, err := s.ValidateAccessToken(ctx, token, nil)
	if err != nil {
		return nil, err
	}

	user, err := s.users.Lookup(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, userdirectory.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	name := strings.TrimSpace(user.FullName)
	if name == "" {
		name = strings.TrimSpace(user.Email)
	}
	return &UserInfo{
		Sub:           user.ExternalID,
		Name:          name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	}, nil
}

func (s *Service) mint(consent *consentdomain.Consent, tokenType TokenType, grant GrantType, scopes []string, nbytes int, expiresAt time.Time, meta RequestMeta) (secret.Value, *OAuthToken, error) {
	value, err := s.tokenGen.NewToken(nbytes)
	if err != nil {
		return secret.Value{}, nil, err
	}
	token := &OAuthToken{
		ID:        s.genID.Generate(),
		UserID:    consent.UserID,
		AppID:     consent.AppID,
		ConsentID: consent.ID,
		TokenType: tokenType,
		TokenHash: value.Digest(),
		GrantType: grant,
		Scopes:    datatypes.JSONSlice[string](scopes),
		ExpiresAt: expiresAt,
		ClientIP:  optional(meta.ClientIP),
		UserAgent: optional(meta.UserAgent),
		CreatedAt: s.clock.Now(),
	}
	return value, token, nil
}

func (s *Service) startSpan(ctx context.Context, name string, app *credentialdomain.ThirdPartyApp) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	if app != nil {
		span.SetAttributes(tracing.SafeAttributes(attribute.String("openbanking.app_id", app.ID.String()))...)
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
