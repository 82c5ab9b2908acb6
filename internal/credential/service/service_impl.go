package service

import (
	"context"
	"net/mail"
	"net/url"
	"slices"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/config"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/secret"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	clientIDPrefix    = "obp_"
	clientIDBytes     = 16
	clientSecretBytes = 48
)

// Scopes a third-party app may request. Identity scopes are implied.
var grantableScopes = []string{"accounts", "balances", "transactions", "payments"}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   credentialdomain.Repository
	Clock  clock.Clock
	Policy *config.PolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	repo   credentialdomain.Repository
	clock  clock.Clock
	policy *config.PolicyHolder
}

func New(p Params) credentialdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credential.service"),
		genID:  p.GenID,
		repo:   p.Repo,
		clock:  p.Clock,
		policy: p.Policy,
	}
}

func (s *Service) Register(ctx context.Context, req credentialdomain.RegisterRequest) (*credentialdomain.RegisterResult, error) {
	if req.DeveloperID == 0 {
		return nil, credentialdomain.ErrInvalidOrganization
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, credentialdomain.ErrInvalidName
	}
	orgName := strings.TrimSpace(req.OrganizationName)
	orgEmail := strings.TrimSpace(req.OrganizationEmail)
	if orgName == "" || !validEmail(orgEmail) {
		return nil, credentialdomain.ErrInvalidOrganization
	}
	redirectURIs, err := normalizeRedirectURIs(req.RedirectURIs)
	if err != nil {
		return nil, err
	}
	scopes, err := normalizeScopes(req.RequestedScopes)
	if err != nil {
		return nil, err
	}
	appType := req.AppType
	if appType == "" {
		appType = credentialdomain.AppTypeWeb
	}
	if !appType.Valid() {
		return nil, credentialdomain.ErrInvalidAppType
	}

	clientID, err := secret.NewHex(clientIDBytes)
	if err != nil {
		return nil, err
	}
	clientSecret, err := secret.New(clientSecretBytes)
	if err != nil {
		return nil, err
	}
	hash, err := clientSecret.Hash()
	if err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	now := s.clock.Now()
	app := &credentialdomain.ThirdPartyApp{
		ID:                  s.genID.Generate(),
		DeveloperID:         req.DeveloperID,
		OrganizationName:    orgName,
		OrganizationEmail:   orgEmail,
		OrganizationWebsite: trimPtr(req.OrganizationWebsite),
		Name:                name,
		Slug:                slug.Make(name),
		Description:         trimPtr(req.Description),
		LogoURL:             trimPtr(req.LogoURL),
		PrivacyPolicyURL:    trimPtr(req.PrivacyPolicyURL),
		TermsOfServiceURL:   trimPtr(req.TermsOfServiceURL),
		ClientID:            clientIDPrefix + clientID.Reveal(),
		ClientSecretHash:    hash,
		RedirectURIs:        datatypes.JSONSlice[string](redirectURIs),
		AllowedScopes:       datatypes.JSONSlice[string](scopes),
		AppType:             appType,
		Status:              credentialdomain.AppStatusSandbox,
		RateLimitPerMinute:  policy.DefaultRateLimitPerMinute,
		RateLimitPerDay:     policy.DefaultRateLimitPerDay,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.repo.Insert(ctx, s.db, app); err != nil {
		return nil, err
	}

	s.log.Info("third-party app registered",
		zap.String("app_id", app.ID.String()),
		zap.String("developer_id", app.DeveloperID.String()),
		zap.String("client_id", app.ClientID),
	)

	return &credentialdomain.RegisterResult{App: app, ClientSecret: clientSecret}, nil
}

// Verify authenticates client credentials. Unknown clients, wrong secrets
// and apps outside SANDBOX/APPROVED all yield ErrInvalidClient.
func (s *Service) Verify(ctx context.Context, clientID string, clientSecret secret.Value) (*credentialdomain.ThirdPartyApp, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || clientSecret.IsZero() {
		return nil, credentialdomain.ErrInvalidClient
	}

	app, err := s.repo.FindByClientID(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, credentialdomain.ErrInvalidClient
	}
	if !clientSecret.Verify(app.ClientSecretHash) {
		return nil, credentialdomain.ErrInvalidClient
	}
	if !app.Status.CanAuthenticate() {
		s.log.Warn("client authentication refused by app status",
			zap.String("app_id", app.ID.String()),
			zap.String("status", string(app.Status)),
		)
		return nil, credentialdomain.ErrInvalidClient
	}
	return app, nil
}

// Rotate replaces the client secret. There is no grace period: the old
// secret is rejected as soon as the update commits.
func (s *Service) Rotate(ctx context.Context, appID, developerID snowflake.ID) (*credentialdomain.Credentials, error) {
	var result *credentialdomain.Credentials
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		app, err := s.ownedApp(ctx, tx, appID, developerID)
		if err != nil {
			return err
		}

		next, err := secret.New(clientSecretBytes)
		if err != nil {
			return err
		}
		hash, err := next.Hash()
		if err != nil {
			return err
		}

		updated, err := s.repo.UpdateSecretHash(ctx, tx, app.ID, hash, s.clock.Now())
		if err != nil {
			return err
		}
		if !updated {
			return credentialdomain.ErrNotFound
		}

		result = &credentialdomain.Credentials{ClientID: app.ClientID, ClientSecret: next}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("client secret rotated", zap.String("app_id", appID.String()))
	return result, nil
}

func (s *Service) GetByClientID(ctx context.Context, clientID string) (*credentialdomain.ThirdPartyApp, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, credentialdomain.ErrInvalidClient
	}
	app, err := s.repo.FindByClientID(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	if app == nil || !app.Status.CanAuthenticate() {
		return nil, credentialdomain.ErrInvalidClient
	}
	return app, nil
}

// GetByID loads an app regardless of owner or status.
func (s *Service) GetByID(ctx context.Context, appID snowflake.ID) (*credentialdomain.ThirdPartyApp, error) {
	app, err := s.repo.FindByID(ctx, s.db, appID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, credentialdomain.ErrNotFound
	}
	return app, nil
}

func (s *Service) Get(ctx context.Context, appID, developerID snowflake.ID) (*credentialdomain.ThirdPartyApp, error) {
	return s.ownedApp(ctx, s.db, appID, developerID)
}

func (s *Service) List(ctx context.Context, developerID snowflake.ID) ([]credentialdomain.ThirdPartyApp, error) {
	if developerID == 0 {
		return nil, credentialdomain.ErrNotFound
	}
	return s.repo.ListByDeveloper(ctx, s.db, developerID)
}

func (s *Service) Update(ctx context.Context, req credentialdomain.UpdateRequest) (*credentialdomain.ThirdPartyApp, error) {
	var app *credentialdomain.ThirdPartyApp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ownedApp(ctx, tx, req.AppID, req.DeveloperID)
		if err != nil {
			return err
		}
		if current.Status == credentialdomain.AppStatusRevoked {
			return credentialdomain.ErrInvalidTransition
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return credentialdomain.ErrInvalidName
			}
			current.Name = name
			current.Slug = slug.Make(name)
		}
		if req.Description != nil {
			current.Description = trimPtr(req.Description)
		}
		if req.LogoURL != nil {
			current.LogoURL = trimPtr(req.LogoURL)
		}
		if req.PrivacyPolicyURL != nil {
			current.PrivacyPolicyURL = trimPtr(req.PrivacyPolicyURL)
		}
		if req.TermsOfServiceURL != nil {
			current.TermsOfServiceURL = trimPtr(req.TermsOfServiceURL)
		}
		if req.RedirectURIs != nil {
			uris, err := normalizeRedirectURIs(req.RedirectURIs)
			if err != nil {
				return err
			}
			current.RedirectURIs = datatypes.JSONSlice[string](uris)
		}
		current.UpdatedAt = s.clock.Now()

		updated, err := s.repo.UpdateListing(ctx, tx, current)
		if err != nil {
			return err
		}
		if !updated {
			return credentialdomain.ErrInvalidTransition
		}
		app = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// SubmitForReview moves a sandbox app to PENDING once the listing carries
// a privacy policy and at least one redirect URI.
func (s *Service) SubmitForReview(ctx context.Context, appID, developerID snowflake.ID) (*credentialdomain.ThirdPartyApp, error) {
	var app *credentialdomain.ThirdPartyApp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ownedApp(ctx, tx, appID, developerID)
		if err != nil {
			return err
		}
		if current.Status != credentialdomain.AppStatusSandbox {
			return credentialdomain.ErrInvalidTransition
		}
		if current.PrivacyPolicyURL == nil || len(current.RedirectURIs) == 0 {
			return credentialdomain.ErrReviewIncomplete
		}
		if err := s.applyTransition(ctx, tx, current, credentialdomain.AppStatusPending, 0, ""); err != nil {
			return err
		}
		app = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Transition applies an administrative status change.
func (s *Service) Transition(ctx context.Context, req credentialdomain.TransitionRequest) (*credentialdomain.ThirdPartyApp, error) {
	var app *credentialdomain.ThirdPartyApp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, req.AppID)
		if err != nil {
			return err
		}
		if current == nil {
			return credentialdomain.ErrNotFound
		}
		if err := s.applyTransition(ctx, tx, current, req.Target, req.AdminID, req.Reason); err != nil {
			return err
		}
		app = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("third-party app status changed",
		zap.String("app_id", app.ID.String()),
		zap.String("status", string(app.Status)),
		zap.String("admin_id", req.AdminID.String()),
	)
	return app, nil
}

// applyTransition validates and persists a status change. The write is
// conditional on the status that was read, so a concurrent transition wins
// and this one fails with ErrInvalidTransition.
func (s *Service) applyTransition(ctx context.Context, tx *gorm.DB, app *credentialdomain.ThirdPartyApp, target credentialdomain.AppStatus, adminID snowflake.ID, reason string) error {
	from := app.Status
	if err := from.Transition(target); err != nil {
		return err
	}

	now := s.clock.Now()
	switch target {
	case credentialdomain.AppStatusApproved:
		app.ApprovedAt = &now
		if adminID != 0 {
			app.ApprovedBy = &adminID
		}
		app.RejectionReason = nil
	case credentialdomain.AppStatusSandbox:
		if from == credentialdomain.AppStatusPending {
			app.RejectionReason = trimPtr(&reason)
		}
	case credentialdomain.AppStatusSuspended, credentialdomain.AppStatusRevoked:
		app.RejectionReason = trimPtr(&reason)
	}
	app.Status = target
	app.UpdatedAt = now

	updated, err := s.repo.CompareAndSetStatus(ctx, tx, app, from)
	if err != nil {
		return err
	}
	if !updated {
		return credentialdomain.ErrInvalidTransition
	}
	return nil
}

func (s *Service) ownedApp(ctx context.Context, db *gorm.DB, appID, developerID snowflake.ID) (*credentialdomain.ThirdPartyApp, error) {
	if appID == 0 || developerID == 0 {
		return nil, credentialdomain.ErrNotFound
	}
	app, err := s.repo.FindByID(ctx, db, appID)
	if err != nil {
		return nil, err
	}
	if app == nil || app.DeveloperID != developerID {
		return nil, credentialdomain.ErrNotFound
	}
	return app, nil
}

func normalizeRedirectURIs(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		parsed, err := url.Parse(value)
		if err != nil || parsed.Host == "" || parsed.Fragment != "" {
			return nil, credentialdomain.ErrInvalidRedirectURI
		}
		switch strings.ToLower(parsed.Scheme) {
		case "https":
		case "http":
			if !isLoopback(parsed.Hostname()) {
				return nil, credentialdomain.ErrInvalidRedirectURI
			}
		default:
			return nil, credentialdomain.ErrInvalidRedirectURI
		}
		if !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out, nil
}

func normalizeScopes(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, scope := range raw {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if scope == "" {
			continue
		}
		if !slices.Contains(grantableScopes, scope) {
			return nil, credentialdomain.ErrInvalidScope
		}
		if !slices.Contains(out, scope) {
			out = append(out, scope)
		}
	}
	if len(out) == 0 {
		return nil, credentialdomain.ErrInvalidScope
	}
	return out, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func validEmail(value string) bool {
	if value == "" {
		return false
	}
	addr, err := mail.ParseAddress(value)
	return err == nil && addr.Address == value
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
