package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/secret"
	"gorm.io/gorm"
)

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error)
	Verify(ctx context.Context, clientID string, clientSecret secret.Value) (*ThirdPartyApp, error)
	Rotate(ctx context.Context, appID, developerID snowflake.ID) (*Credentials, error)

	GetByClientID(ctx context.Context, clientID string) (*ThirdPartyApp, error)
	GetByID(ctx context.Context, appID snowflake.ID) (*ThirdPartyApp, error)
	Get(ctx context.Context, appID, developerID snowflake.ID) (*ThirdPartyApp, error)
	List(ctx context.Context, developerID snowflake.ID) ([]ThirdPartyApp, error)
	Update(ctx context.Context, req UpdateRequest) (*ThirdPartyApp, error)
	SubmitForReview(ctx context.Context, appID, developerID snowflake.ID) (*ThirdPartyApp, error)
	Transition(ctx context.Context, req TransitionRequest) (*ThirdPartyApp, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, app *ThirdPartyApp) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ThirdPartyApp, error)
	FindByClientID(ctx context.Context, db *gorm.DB, clientID string) (*ThirdPartyApp, error)
	ListByDeveloper(ctx context.Context, db *gorm.DB, developerID snowflake.ID) ([]ThirdPartyApp, error)
	UpdateListing(ctx context.Context, db *gorm.DB, app *ThirdPartyApp) (bool, error)
	CompareAndSetStatus(ctx context.Context, db *gorm.DB, app *ThirdPartyApp, from AppStatus) (bool, error)
	UpdateSecretHash(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, at time.Time) (bool, error)
}

type RegisterRequest struct {
	DeveloperID         snowflake.ID
	OrganizationName    string   `json:"organization_name"`
	OrganizationEmail   string   `json:"organization_email"`
	OrganizationWebsite *string  `json:"organization_website"`
	Name                string   `json:"name"`
	Description         *string  `json:"description"`
	LogoURL             *string  `json:"logo_url"`
	PrivacyPolicyURL    *string  `json:"privacy_policy_url"`
	TermsOfServiceURL   *string  `json:"terms_of_service_url"`
	RedirectURIs        []string `json:"redirect_uris"`
	RequestedScopes     []string `json:"requested_scopes"`
	AppType             AppType  `json:"app_type"`
}

// RegisterResult carries the only copy of the plaintext client secret.
type RegisterResult struct {
	App          *ThirdPartyApp
	ClientSecret secret.Value
}

type Credentials struct {
	ClientID     string
	ClientSecret secret.Value
}

type UpdateRequest struct {
	AppID             snowflake.ID
	DeveloperID       snowflake.ID
	Name              *string  `json:"name"`
	Description       *string  `json:"description"`
	LogoURL           *string  `json:"logo_url"`
	PrivacyPolicyURL  *string  `json:"privacy_policy_url"`
	TermsOfServiceURL *string  `json:"terms_of_service_url"`
	RedirectURIs      []string `json:"redirect_uris"`
}

type TransitionRequest struct {
	AppID   snowflake.ID
	AdminID snowflake.ID
	Target  AppStatus
	Reason  string
}

var (
	ErrInvalidClient       = errors.New("invalid_client")
	ErrNotFound            = errors.New("app_not_found")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRedirectURI  = errors.New("invalid_redirect_uri")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidAppType      = errors.New("invalid_app_type")
	ErrReviewIncomplete    = errors.New("review_requirements_missing")
)
