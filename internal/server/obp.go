package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/obgateway/internal/accounts"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"go.uber.org/zap"
)

type obpAmount struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type obpAccount struct {
	ID            string  `json:"id"`
	Label         string  `json:"label"`
	AccountNumber string  `json:"number"`
	AccountType   string  `json:"account_type"`
	IBAN          *string `json:"iban,omitempty"`
	SwiftBIC      *string `json:"swift_bic,omitempty"`
	Currency      string  `json:"currency"`
}

type obpBalances struct {
	AccountID string    `json:"account_id"`
	Current   obpAmount `json:"current"`
	Available obpAmount `json:"available"`
}

type obpTransaction struct {
	ID           string    `json:"id"`
	Amount       obpAmount `json:"amount"`
	Description  string    `json:"description"`
	Counterparty *string   `json:"counterparty,omitempty"`
	BalanceAfter obpAmount `json:"balance_after"`
	PostedAt     time.Time `json:"posted_at"`
}

func newOBPAccount(a *accounts.Account) obpAccount {
	return obpAccount{
		ID:            a.ExternalID(),
		Label:         a.Label,
		AccountNumber: a.AccountNumber,
		AccountType:   string(a.AccountType),
		IBAN:          a.IBAN,
		SwiftBIC:      a.SwiftBIC,
		Currency:      a.Currency,
	}
}

func (s *Server) ListMyAccounts(c *gin.Context) {
	consent := consentFromContext(c)
	if consent == nil {
		writeBearerError(c)
		return
	}

	rows, err := s.accounts.ListAccounts(c.Request.Context(), consent.UserID, consent.AccountIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]obpAccount, 0, len(rows))
	for i := range rows {
		out = append(out, newOBPAccount(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
	s.consumeOneTime(c.Request.Context(), consent)
}

func (s *Server) GetAccountBalances(c *gin.Context) {
	consent, accountID, ok := consentedAccount(c)
	if !ok {
		return
	}

	account, err := s.accounts.GetAccount(c.Request.Context(), consent.UserID, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, obpBalances{
		AccountID: account.ExternalID(),
		Current:   obpAmount{Currency: account.Currency, Amount: accounts.FormatAmount(account.CurrentBalance)},
		Available: obpAmount{Currency: account.Currency, Amount: accounts.FormatAmount(account.AvailableBalance)},
	})
	s.consumeOneTime(c.Request.Context(), consent)
}

func (s *Server) ListAccountTransactions(c *gin.Context) {
	consent, accountID, ok := consentedAccount(c)
	if !ok {
		return
	}

	limit, err := parseNonNegativeInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	offset, err := parseNonNegativeInt(c.Query("offset"))
	if err != nil {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "invalid offset"))
		return
	}

	rows, err := s.accounts.ListTransactions(c.Request.Context(), consent.UserID, accountID, limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]obpTransaction, 0, len(rows))
	for _, tx := range rows {
		out = append(out, obpTransaction{
			ID:           tx.ID.String(),
			Amount:       obpAmount{Currency: tx.Currency, Amount: accounts.FormatAmount(tx.Amount)},
			Description:  tx.Description,
			Counterparty: tx.CounterpartyName,
			BalanceAfter: obpAmount{Currency: tx.Currency, Amount: accounts.FormatAmount(tx.BalanceAfter)},
			PostedAt:     tx.PostedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "transactions": out})
	s.consumeOneTime(c.Request.Context(), consent)
}

// consentedAccount reads the account path parameter and checks it against
// the consent's account restriction. Accounts outside the consent are
// reported as missing.
func consentedAccount(c *gin.Context) (*consentdomain.Consent, string, bool) {
	consent := consentFromContext(c)
	if consent == nil {
		writeBearerError(c)
		return nil, "", false
	}
	accountID := strings.TrimSpace(c.Param("account_id"))
	if accountID == "" || !consent.CoversAccount(accountID) {
		AbortWithError(c, accounts.ErrNotFound)
		return nil, "", false
	}
	return consent, accountID, true
}

// consumeOneTime closes a one-time consent after its first successful read.
// The response is already written, so failures are only logged.
func (s *Server) consumeOneTime(ctx context.Context, consent *consentdomain.Consent) {
	if !consent.OneTime {
		return
	}
	if _, err := s.consents.Consume(ctx, consent.ConsentID); err != nil {
		logger.FromContext(ctx).Warn("one-time consent consume failed",
			zap.String("consent_id", consent.ConsentID),
			zap.Error(err),
		)
	}
}
