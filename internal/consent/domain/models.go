// Package domain defines PSD2 consents and their lifecycle rules.
package domain

import (
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ConsentType string

const (
	ConsentTypeAIS      ConsentType = "AIS"
	ConsentTypePIS      ConsentType = "PIS"
	ConsentTypeCBPII    ConsentType = "CBPII"
	ConsentTypeCombined ConsentType = "COMBINED"
)

func ParseConsentType(raw string) (ConsentType, bool) {
	switch t := ConsentType(raw); t {
	case ConsentTypeAIS, ConsentTypePIS, ConsentTypeCBPII, ConsentTypeCombined:
		return t, true
	default:
		return "", false
	}
}

// Permissions are the grantable flags of a consent.
type Permissions struct {
	Accounts          bool `json:"accounts"`
	Balances          bool `json:"balances"`
	Transactions      bool `json:"transactions"`
	PaymentInitiation bool `json:"payments"`
	PaymentStatus     bool `json:"payment_status"`
}

func (p Permissions) Empty() bool {
	return !p.Accounts && !p.Balances && !p.Transactions && !p.PaymentInitiation && !p.PaymentStatus
}

type Consent struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	ConsentID string       `gorm:"column:consent_id;type:text;not null;uniqueIndex"`
	UserID    snowflake.ID `gorm:"column:user_id;not null;index"`
	AppID     snowflake.ID `gorm:"column:app_id;not null;index"`

	ConsentType ConsentType `gorm:"column:consent_type;type:text;not null"`
	Status      Status      `gorm:"type:text;not null;index"`

	AccountsAccess     bool `gorm:"column:accounts_access;not null;default:false"`
	BalancesAccess     bool `gorm:"column:balances_access;not null;default:false"`
	TransactionsAccess bool `gorm:"column:transactions_access;not null;default:false"`
	PaymentInitiation  bool `gorm:"column:payment_initiation;not null;default:false"`
	PaymentStatus      bool `gorm:"column:payment_status;not null;default:false"`

	// Empty means every account of the user.
	AccountIDs      datatypes.JSONSlice[string] `gorm:"column:account_ids"`
	FrequencyPerDay int                         `gorm:"column:frequency_per_day;not null;default:4"`
	OneTime         bool                        `gorm:"column:one_time;not null;default:false"`

	ValidFrom  time.Time `gorm:"not null"`
	ValidUntil time.Time `gorm:"not null;index"`

	RedirectURI *string `gorm:"column:redirect_uri;type:text"`

	AuthorizedAt               *time.Time
	AuthorizationCodeHash      *string `gorm:"column:authorization_code_hash;type:text;index"`
	AuthorizationCodeExpiresAt *time.Time
	CodeRedeemedAt             *time.Time

	RevokedAt        *time.Time
	RevocationReason *string `gorm:"type:text"`

	LastAccessedAt *time.Time
	AccessCount    int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Consent) TableName() string { return "consents" }

func (c *Consent) Permissions() Permissions {
	return Permissions{
		Accounts:          c.AccountsAccess,
		Balances:          c.BalancesAccess,
		Transactions:      c.TransactionsAccess,
		PaymentInitiation: c.PaymentInitiation,
		PaymentStatus:     c.PaymentStatus,
	}
}

// Expired reports whether the validity window has closed at now.
// The window is inclusive of ValidUntil.
func (c *Consent) Expired(now time.Time) bool {
	return now.After(c.ValidUntil)
}

// CoversAccount reports whether accountID falls inside the account scope.
func (c *Consent) CoversAccount(accountID string) bool {
	if len(c.AccountIDs) == 0 {
		return true
	}
	return slices.Contains([]string(c.AccountIDs), accountID)
}
