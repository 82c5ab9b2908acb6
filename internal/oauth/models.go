package oauth

import (
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "ACCESS"
	TokenTypeRefresh TokenType = "REFRESH"
)

type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// OAuthToken stores an issued token by digest. Scopes are fixed when the
// row is written.
type OAuthToken struct {
	ID             snowflake.ID                `gorm:"primaryKey"`
	UserID         snowflake.ID                `gorm:"column:user_id;not null;index"`
	AppID          snowflake.ID                `gorm:"column:app_id;not null;index"`
	ConsentID      snowflake.ID                `gorm:"column:consent_id;not null;index"`
	TokenType      TokenType                   `gorm:"column:token_type;type:text;not null"`
	TokenHash      string                      `gorm:"column:token_hash;type:text;not null;uniqueIndex"`
	GrantType      GrantType                   `gorm:"column:grant_type;type:text;not null"`
	Scopes         datatypes.JSONSlice[string] `gorm:"column:scopes"`
	ExpiresAt      time.Time                   `gorm:"column:expires_at;not null;index"`
	RefreshTokenID *snowflake.ID               `gorm:"column:refresh_token_id;index"`
	IsRevoked      bool                        `gorm:"column:is_revoked;not null;default:false"`
	RevokedAt      *time.Time                  `gorm:"column:revoked_at"`
	LastUsedAt     *time.Time                  `gorm:"column:last_used_at"`
	UseCount       int64                       `gorm:"column:use_count;not null;default:0"`
	ClientIP       *string                     `gorm:"column:client_ip;type:text"`
	UserAgent      *string                     `gorm:"column:user_agent;type:text"`
	CreatedAt      time.Time                   `gorm:"column:created_at;not null"`
}

func (OAuthToken) TableName() string { return "oauth_tokens" }

// Active reports whether the token is neither revoked nor past expiry.
func (t *OAuthToken) Active(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.ExpiresAt)
}

func (t *OAuthToken) HasScopes(required []string) bool {
	for _, scope := range required {
		if !slices.Contains([]string(t.Scopes), scope) {
			return false
		}
	}
	return true
}
