package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/secret"
	"github.com/smallbiznis/obgateway/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Consent, error)
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	Revoke(ctx context.Context, consentID string, userID snowflake.ID, reason string) (*Consent, error)
	Consume(ctx context.Context, consentID string) (*Consent, error)
	Validate(ctx context.Context, consentID string, requiredScopes []string) (bool, error)

	Get(ctx context.Context, consentID string, userID snowflake.ID) (*Consent, error)
	// Resolve loads a consent by its internal id, for callers already
	// holding a token minted from it.
	Resolve(ctx context.Context, id snowflake.ID) (*Consent, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)

	// ExpireDue moves up to limit authorized consents whose window has
	// closed to EXPIRED and reports how many it moved.
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, consent *Consent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Consent, error)
	FindByConsentID(ctx context.Context, db *gorm.DB, consentID string) (*Consent, error)
	FindByCodeHash(ctx context.Context, db *gorm.DB, appID snowflake.ID, codeHash string) (*Consent, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*Consent, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Consent, error)

	// CompareAndSet applies fields only while the row is still in status
	// from. It reports whether the row was updated.
	CompareAndSet(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, fields map[string]any) (bool, error)
	// ClaimCode clears the code hash if it still matches, so at most one
	// caller can redeem a given code.
	ClaimCode(ctx context.Context, db *gorm.DB, id snowflake.ID, codeHash string, at time.Time) (bool, error)
	TouchUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}

// TokenRevoker invalidates every token minted from a consent. It runs on
// the caller's transaction.
type TokenRevoker interface {
	RevokeByConsent(ctx context.Context, db *gorm.DB, consentID snowflake.ID, at time.Time) (int64, error)
}

// UserLookup resolves account holders.
type UserLookup interface {
	Exists(ctx context.Context, userID snowflake.ID) (bool, error)
}

type CreateRequest struct {
	App             *credentialdomain.ThirdPartyApp
	UserID          snowflake.ID
	ConsentType     ConsentType
	Permissions     Permissions
	AccountIDs      []string
	ValidFrom       *time.Time
	ValidUntil      time.Time
	FrequencyPerDay int
	OneTime         bool
	RedirectURI     string
}

type AuthorizeRequest struct {
	ConsentID        string
	UserID           snowflake.ID
	Approve          bool
	SelectedAccounts []string
}

// AuthorizeResult carries the only plaintext copy of the authorization
// code. Code is zero when the consent was rejected.
type AuthorizeResult struct {
	Consent *Consent
	Code    secret.Value
}

type ListRequest struct {
	UserID    snowflake.ID
	Status    Status
	PageToken string
	PageSize  int32
}

type ListFilter struct {
	UserID snowflake.ID
	Status Status
}

type ListResponse struct {
	pagination.PageInfo
	Consents []Consent `json:"consents"`
}

var (
	ErrNotFound           = errors.New("consent_not_found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidWindow      = errors.New("invalid_validity_window")
	ErrInvalidType        = errors.New("invalid_consent_type")
	ErrInvalidPermissions = errors.New("invalid_permissions")
	ErrInvalidFrequency   = errors.New("invalid_frequency")
	ErrInvalidAccounts    = errors.New("invalid_accounts")
	ErrInvalidRedirectURI = errors.New("invalid_redirect_uri")
	ErrUnknownUser        = errors.New("unknown_user")
	ErrInvalidStatus      = errors.New("invalid_status")
)
