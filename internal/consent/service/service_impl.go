package service

import (
	"context"
	"crypto/rand"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/config"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"github.com/smallbiznis/obgateway/internal/observability/metrics"
	"github.com/smallbiznis/obgateway/internal/secret"
	"github.com/smallbiznis/obgateway/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	consentIDPrefix    = "cns_"
	authCodeBytes      = 32
	defaultFrequency   = 4
	maxFrequencyPerDay = 10
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    consentdomain.Repository
	Revoker consentdomain.TokenRevoker
	Users   consentdomain.UserLookup `optional:"true"`
	Clock   clock.Clock
	Policy  *config.PolicyHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    consentdomain.Repository
	revoker consentdomain.TokenRevoker
	users   consentdomain.UserLookup
	clock   clock.Clock
	policy  *config.PolicyHolder
	metrics *metrics.Metrics
}

func New(p Params) consentdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("consent.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		revoker: p.Revoker,
		users:   p.Users,
		clock:   p.Clock,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req consentdomain.CreateRequest) (*consentdomain.Consent, error) {
	app := req.App
	if app == nil {
		return nil, consentdomain.ErrNotFound
	}
	if _, ok := consentdomain.ParseConsentType(string(req.ConsentType)); !ok {
		return nil, consentdomain.ErrInvalidType
	}
	if err := validatePermissions(req.ConsentType, req.Permissions); err != nil {
		return nil, err
	}
	for _, scope := range req.Permissions.Scopes() {
		if !app.AllowsScope(scope) {
			return nil, consentdomain.ErrInvalidPermissions
		}
	}

	now := s.clock.Now()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	validUntil := req.ValidUntil.UTC()
	if !validUntil.After(validFrom) {
		return nil, consentdomain.ErrInvalidWindow
	}
	if validUntil.Sub(validFrom) > s.policy.Get().MaxConsentValidity {
		return nil, consentdomain.ErrInvalidWindow
	}

	frequency := req.FrequencyPerDay
	if frequency == 0 {
		frequency = defaultFrequency
	}
	if frequency < 1 || frequency > maxFrequencyPerDay {
		return nil, consentdomain.ErrInvalidFrequency
	}

	var redirectURI *string
	if uri := strings.TrimSpace(req.RedirectURI); uri != "" {
		if !app.HasRedirectURI(uri) {
			return nil, consentdomain.ErrInvalidRedirectURI
		}
		redirectURI = &uri
	}

	if req.UserID == 0 {
		return nil, consentdomain.ErrUnknownUser
	}
	if s.users != nil {
		exists, err := s.users.Exists(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, consentdomain.ErrUnknownUser
		}
	}

	accountIDs, err := normalizeAccounts(req.AccountIDs)
	if err != nil {
		return nil, err
	}

	externalID, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, err
	}

	perms := req.Permissions
	consent := &consentdomain.Consent{
		ID:                 s.genID.Generate(),
		ConsentID:          consentIDPrefix + strings.ToLower(externalID.String()),
		UserID:             req.UserID,
		AppID:              app.ID,
		ConsentType:        req.ConsentType,
		Status:             consentdomain.StatusPending,
		AccountsAccess:     perms.Accounts,
		BalancesAccess:     perms.Balances,
		TransactionsAccess: perms.Transactions,
		PaymentInitiation:  perms.PaymentInitiation,
		PaymentStatus:      perms.PaymentStatus,
		AccountIDs:         datatypes.JSONSlice[string](accountIDs),
		FrequencyPerDay:    frequency,
		OneTime:            req.OneTime,
		ValidFrom:          validFrom,
		ValidUntil:         validUntil,
		RedirectURI:        redirectURI,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Insert(ctx, s.db, consent); err != nil {
		return nil, err
	}

	s.metrics.RecordConsentTransition(ctx, string(consent.ConsentType), string(consent.Status))
	logger.WithContext(ctx, s.log).Info("consent created",
		zap.String("consent_id", consent.ConsentID),
		zap.String("app_id", app.ID.String()),
		zap.String("consent_type", string(consent.ConsentType)),
	)
	return consent, nil
}

// Authorize records the user's decision on a pending consent. Approval
// mints a single-use authorization code that is stored only as a digest.
func (s *Service) Authorize(ctx context.Context, req consentdomain.AuthorizeRequest) (*consentdomain.AuthorizeResult, error) {
	var result consentdomain.AuthorizeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consent, err := s.ownedConsent(ctx, tx, req.ConsentID, req.UserID)
		if err != nil {
			return err
		}

		target := consentdomain.StatusRejected
		if req.Approve {
			target = consentdomain.StatusAuthorized
		}
		if err := consent.Status.Transition(target); err != nil {
			return err
		}

		now := s.clock.Now()
		fields := map[string]any{
			"status":     target,
			"updated_at": now,
		}

		var code secret.Value
		if req.Approve {
			accounts, err := narrowAccounts(consent.AccountIDs, req.SelectedAccounts)
			if err != nil {
				return err
			}
			code, err = secret.New(authCodeBytes)
			if err != nil {
				return err
			}
			hash := code.Digest()
			expiresAt := now.Add(s.policy.Get().AuthorizationCodeTTL)

			fields["authorized_at"] = now
			fields["authorization_code_hash"] = hash
			fields["authorization_code_expires_at"] = expiresAt
			fields["account_ids"] = datatypes.JSONSlice[string](accounts)

			consent.AuthorizedAt = &now
			consent.AuthorizationCodeHash = &hash
			consent.AuthorizationCodeExpiresAt = &expiresAt
			consent.AccountIDs = datatypes.JSONSlice[string](accounts)
		}

		updated, err := s.repo.CompareAndSet(ctx, tx, consent.ID, consentdomain.StatusPending, fields)
		if err != nil {
			return err
		}
		if !updated {
			return consentdomain.ErrConflict
		}

		consent.Status = target
		consent.UpdatedAt = now
		result = consentdomain.AuthorizeResult{Consent: consent, Code: code}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordConsentTransition(ctx, string(result.Consent.ConsentType), string(result.Consent.Status))
	logger.WithContext(ctx, s.log).Info("consent decision recorded",
		zap.String("consent_id", result.Consent.ConsentID),
		zap.String("status", string(result.Consent.Status)),
	)
	return &result, nil
}

// Revoke ends an authorized consent and invalidates all of its tokens in
// the same transaction.
func (s *Service) Revoke(ctx context.Context, consentID string, userID snowflake.ID, reason string) (*consentdomain.Consent, error) {
	var consent *consentdomain.Consent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ownedConsent(ctx, tx, consentID, userID)
		if err != nil {
			return err
		}
		if err := s.terminate(ctx, tx, current, consentdomain.StatusRevoked, reason); err != nil {
			return err
		}
		consent = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordConsentTransition(ctx, string(consent.ConsentType), string(consent.Status))
	return consent, nil
}

// Consume closes a one-time consent after its data pull. Tokens are
// revoked the same way Revoke does.
func (s *Service) Consume(ctx context.Context, consentID string) (*consentdomain.Consent, error) {
	var consent *consentdomain.Consent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByConsentID(ctx, tx, consentID)
		if err != nil {
			return err
		}
		if current == nil {
			return consentdomain.ErrNotFound
		}
		if err := s.terminate(ctx, tx, current, consentdomain.StatusConsumed, ""); err != nil {
			return err
		}
		consent = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordConsentTransition(ctx, string(consent.ConsentType), string(consent.Status))
	return consent, nil
}

func (s *Service) terminate(ctx context.Context, tx *gorm.DB, consent *consentdomain.Consent, target consentdomain.Status, reason string) error {
	if err := consent.Status.Transition(target); err != nil {
		return err
	}

	now := s.clock.Now()
	fields := map[string]any{
		"status":                  target,
		"authorization_code_hash": nil,
		"updated_at":              now,
	}
	if target == consentdomain.StatusRevoked {
		fields["revoked_at"] = now
		if reason = strings.TrimSpace(reason); reason != "" {
			fields["revocation_reason"] = reason
			consent.RevocationReason = &reason
		}
		consent.RevokedAt = &now
	}

	updated, err := s.repo.CompareAndSet(ctx, tx, consent.ID, consentdomain.StatusAuthorized, fields)
	if err != nil {
		return err
	}
	if !updated {
		return consentdomain.ErrConflict
	}

	revoked, err := s.revoker.RevokeByConsent(ctx, tx, consent.ID, now)
	if err != nil {
		return err
	}

	consent.Status = target
	consent.AuthorizationCodeHash = nil
	consent.UpdatedAt = now

	logger.WithContext(ctx, s.log).Info("consent terminated",
		zap.String("consent_id", consent.ConsentID),
		zap.String("status", string(target)),
		zap.Int64("tokens_revoked", revoked),
	)
	return nil
}

// Validate reports whether the consent is authorized, inside its window
// and grants every required scope. A consent observed past its window is
// moved to EXPIRED.
func (s *Service) Validate(ctx context.Context, consentID string, requiredScopes []string) (bool, error) {
	consent, err := s.repo.FindByConsentID(ctx, s.db, consentID)
	if err != nil {
		return false, err
	}
	if consent == nil || consent.Status != consentdomain.StatusAuthorized {
		return false, nil
	}

	now := s.clock.Now()
	if consent.Expired(now) {
		if _, err := s.expire(ctx, consent, now); err != nil {
			return false, err
		}
		return false, nil
	}

	if !consent.Permissions().Grants(requiredScopes) {
		return false, nil
	}

	if err := s.repo.TouchUsage(ctx, s.db, consent.ID, now); err != nil {
		logger.WithContext(ctx, s.log).Warn("consent usage update failed",
			zap.String("consent_id", consent.ConsentID),
			zap.Error(err),
		)
	}
	return true, nil
}

func (s *Service) expire(ctx context.Context, consent *consentdomain.Consent, now time.Time) (bool, error) {
	if err := consent.Status.Transition(consentdomain.StatusExpired); err != nil {
		return false, err
	}
	updated, err := s.repo.CompareAndSet(ctx, s.db, consent.ID, consentdomain.StatusAuthorized, map[string]any{
		"status":                  consentdomain.StatusExpired,
		"authorization_code_hash": nil,
		"updated_at":              now,
	})
	if err != nil {
		return false, err
	}
	if updated {
		s.metrics.RecordConsentTransition(ctx, string(consent.ConsentType), string(consentdomain.StatusExpired))
		logger.WithContext(ctx, s.log).Info("consent expired", zap.String("consent_id", consent.ConsentID))
	}
	return updated, nil
}

func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, consent := range due {
		if consent == nil {
			continue
		}
		updated, err := s.expire(ctx, consent, now)
		if err != nil {
			return expired, err
		}
		if updated {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, consentID string, userID snowflake.ID) (*consentdomain.Consent, error) {
	return s.ownedConsent(ctx, s.db, consentID, userID)
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID) (*consentdomain.Consent, error) {
	consent, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		return nil, consentdomain.ErrNotFound
	}
	return consent, nil
}

func (s *Service) List(ctx context.Context, req consentdomain.ListRequest) (consentdomain.ListResponse, error) {
	if req.UserID == 0 {
		return consentdomain.ListResponse{}, consentdomain.ErrUnknownUser
	}
	if req.Status != "" {
		if _, ok := consentdomain.ParseStatus(string(req.Status)); !ok {
			return consentdomain.ListResponse{}, consentdomain.ErrInvalidStatus
		}
	}

	pageSize := pagination.Size(req.PageSize)
	items, err := s.repo.List(ctx, s.db, consentdomain.ListFilter{
		UserID: req.UserID,
		Status: req.Status,
	}, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return consentdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(consent *consentdomain.Consent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: int64(consent.ID)})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	consents := make([]consentdomain.Consent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		consents = append(consents, *item)
	}

	resp := consentdomain.ListResponse{Consents: consents}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// ownedConsent hides consents of other users behind ErrNotFound.
func (s *Service) ownedConsent(ctx context.Context, db *gorm.DB, consentID string, userID snowflake.ID) (*consentdomain.Consent, error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" || userID == 0 {
		return nil, consentdomain.ErrNotFound
	}
	consent, err := s.repo.FindByConsentID(ctx, db, consentID)
	if err != nil {
		return nil, err
	}
	if consent == nil || consent.UserID != userID {
		return nil, consentdomain.ErrNotFound
	}
	return consent, nil
}

func validatePermissions(consentType consentdomain.ConsentType, perms consentdomain.Permissions) error {
	if perms.Empty() {
		return consentdomain.ErrInvalidPermissions
	}
	payments := perms.PaymentInitiation || perms.PaymentStatus
	switch consentType {
	case consentdomain.ConsentTypeAIS, consentdomain.ConsentTypeCBPII:
		if payments {
			return consentdomain.ErrInvalidPermissions
		}
	case consentdomain.ConsentTypePIS:
		if !perms.PaymentInitiation {
			return consentdomain.ErrInvalidPermissions
		}
	}
	return nil
}

func normalizeAccounts(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, consentdomain.ErrInvalidAccounts
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// narrowAccounts applies the user's account selection. A selection may
// only shrink an explicit restriction.
func narrowAccounts(current []string, selected []string) ([]string, error) {
	if len(selected) == 0 {
		return current, nil
	}
	picked, err := normalizeAccounts(selected)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return picked, nil
	}
	for _, id := range picked {
		if !slices.Contains(current, id) {
			return nil, consentdomain.ErrInvalidAccounts
		}
	}
	return picked, nil
}
