// Package domain contains the third-party app registry models.
package domain

import (
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AppType is the client profile declared at registration.
type AppType string

const (
	AppTypeWeb    AppType = "web"
	AppTypeMobile AppType = "mobile"
	AppTypeServer AppType = "server"
)

func (t AppType) Valid() bool {
	switch t {
	case AppTypeWeb, AppTypeMobile, AppTypeServer:
		return true
	default:
		return false
	}
}

// ThirdPartyApp is a registered client. Rows are never deleted; REVOKED is
// the terminal state.
type ThirdPartyApp struct {
	ID                  snowflake.ID                `gorm:"primaryKey"`
	DeveloperID         snowflake.ID                `gorm:"column:developer_id;not null;index"`
	OrganizationName    string                      `gorm:"type:text;not null"`
	OrganizationEmail   string                      `gorm:"type:text;not null"`
	OrganizationWebsite *string                     `gorm:"type:text"`
	Name                string                      `gorm:"type:text;not null"`
	Slug                string                      `gorm:"type:text;not null;index"`
	Description         *string                     `gorm:"type:text"`
	LogoURL             *string                     `gorm:"column:logo_url;type:text"`
	PrivacyPolicyURL    *string                     `gorm:"column:privacy_policy_url;type:text"`
	TermsOfServiceURL   *string                     `gorm:"column:terms_of_service_url;type:text"`
	ClientID            string                      `gorm:"column:client_id;type:text;not null;uniqueIndex"`
	ClientSecretHash    string                      `gorm:"column:client_secret_hash;type:text;not null"`
	RedirectURIs        datatypes.JSONSlice[string] `gorm:"column:redirect_uris"`
	AllowedScopes       datatypes.JSONSlice[string] `gorm:"column:allowed_scopes"`
	AppType             AppType                     `gorm:"column:app_type;type:text;not null"`
	Status              AppStatus                   `gorm:"type:text;not null;index"`
	RateLimitPerMinute  int                         `gorm:"not null;default:60"`
	RateLimitPerDay     int                         `gorm:"not null;default:10000"`
	ApprovedAt          *time.Time                  `gorm:""`
	ApprovedBy          *snowflake.ID               `gorm:""`
	RejectionReason     *string                     `gorm:"type:text"`
	CreatedAt           time.Time                   `gorm:"not null"`
	UpdatedAt           time.Time                   `gorm:"not null"`
}

// TableName sets the database table name.
func (ThirdPartyApp) TableName() string { return "third_party_apps" }

// HasRedirectURI reports an exact match against the registered set.
func (a *ThirdPartyApp) HasRedirectURI(uri string) bool {
	return uri != "" && slices.Contains([]string(a.RedirectURIs), uri)
}

func (a *ThirdPartyApp) AllowsScope(scope string) bool {
	return slices.Contains([]string(a.AllowedScopes), scope)
}
