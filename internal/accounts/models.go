package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrNotFound = errors.New("account_not_found")

type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeBusiness AccountType = "BUSINESS"
)

// Account is the core banking ledger row exposed read-only to third parties.
// Amounts are minor units.
type Account struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	UserID           snowflake.ID `gorm:"not null;index"`
	AccountNumber    string       `gorm:"type:text;not null;uniqueIndex"`
	IBAN             *string      `gorm:"column:iban;type:text"`
	SwiftBIC         *string      `gorm:"column:swift_bic;type:text"`
	Label            string       `gorm:"type:text;not null"`
	AccountType      AccountType  `gorm:"type:text;not null"`
	Currency         string       `gorm:"type:text;not null"`
	CurrentBalance   int64        `gorm:"not null"`
	AvailableBalance int64        `gorm:"not null"`
	Active           bool         `gorm:"not null"`
	CreatedAt        time.Time    `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// ExternalID is the identifier third parties see and select in consents.
func (a Account) ExternalID() string {
	return a.ID.String()
}

type Transaction struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	AccountID        snowflake.ID `gorm:"not null;index:idx_account_transactions_account_posted,priority:1"`
	Amount           int64        `gorm:"not null"`
	Currency         string       `gorm:"type:text;not null"`
	Description      string       `gorm:"type:text"`
	CounterpartyName *string      `gorm:"type:text"`
	BalanceAfter     int64        `gorm:"not null"`
	PostedAt         time.Time    `gorm:"not null;index:idx_account_transactions_account_posted,priority:2"`
}

func (Transaction) TableName() string { return "account_transactions" }

// FormatAmount renders minor units with two decimals, e.g. -1050 -> "-10.50".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
