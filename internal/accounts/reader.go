package accounts

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 100
)

// Reader exposes a user's accounts to consented third parties.
type Reader interface {
	// ListAccounts returns the user's active accounts. A non-empty
	// restrict keeps only accounts whose external id is listed.
	ListAccounts(ctx context.Context, userID snowflake.ID, restrict []string) ([]Account, error)
	GetAccount(ctx context.Context, userID snowflake.ID, accountID string) (*Account, error)
	ListTransactions(ctx context.Context, userID snowflake.ID, accountID string, limit, offset int) ([]Transaction, error)
}

type gormReader struct {
	db *gorm.DB
}

func NewReader(db *gorm.DB) Reader {
	return &gormReader{db: db}
}

func (r *gormReader) ListAccounts(ctx context.Context, userID snowflake.ID, restrict []string) ([]Account, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true)

	if len(restrict) > 0 {
		ids := make([]snowflake.ID, 0, len(restrict))
		for _, raw := range restrict {
			id, err := snowflake.ParseString(raw)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return []Account{}, nil
		}
		query = query.Where("id IN ?", ids)
	}

	var items []Account
	if err := query.Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *gormReader) GetAccount(ctx context.Context, userID snowflake.ID, accountID string) (*Account, error) {
	id, err := snowflake.ParseString(accountID)
	if err != nil {
		return nil, ErrNotFound
	}

	var account Account
	err = r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND active = ?", id, userID, true).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormReader) ListTransactions(ctx context.Context, userID snowflake.ID, accountID string, limit, offset int) ([]Transaction, error) {
	account, err := r.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	if limit > MaxTransactionLimit {
		limit = MaxTransactionLimit
	}
	if offset < 0 {
		offset = 0
	}

	var items []Transaction
	err = r.db.WithContext(ctx).
		Where("account_id = ?", account.ID).
		Order("posted_at desc").
		Order("id desc").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
