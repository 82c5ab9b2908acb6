package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Store persists tokens. Every method runs on the handle it is given so
// callers can compose them into one transaction.
type Store interface {
	Insert(ctx context.Context, db *gorm.DB, tokens ...*OAuthToken) error
	FindByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*OAuthToken, error)
	Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	RevokeChildren(ctx context.Context, db *gorm.DB, refreshTokenID snowflake.ID, at time.Time) (int64, error)
	RevokeByConsent(ctx context.Context, db *gorm.DB, consentID snowflake.ID, at time.Time) (int64, error)
	TouchUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// DeleteExpired removes up to limit tokens that expired before cutoff.
	DeleteExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type gormStore struct{}

func NewStore() Store {
	return &gormStore{}
}

func (s *gormStore) Insert(ctx context.Context, db *gorm.DB, tokens ...*OAuthToken) error {
	if len(tokens) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(tokens).Error
}

func (s *gormStore) FindByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*OAuthToken, error) {
	var token OAuthToken
	err := db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *gormStore) Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&OAuthToken{}).
		Where("id = ? AND is_revoked = ?", id, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) RevokeChildren(ctx context.Context, db *gorm.DB, refreshTokenID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&OAuthToken{}).
		Where("refresh_token_id = ? AND is_revoked = ?", refreshTokenID, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": at})
	return res.RowsAffected, res.Error
}

// RevokeByConsent marks every live token minted from the consent as
// revoked with a single statement.
func (s *gormStore) RevokeByConsent(ctx context.Context, db *gorm.DB, consentID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE oauth_tokens SET is_revoked = ?, revoked_at = ? WHERE consent_id = ? AND is_revoked = ?`,
		true,
		at,
		consentID,
		false,
	)
	return res.RowsAffected, res.Error
}

// TouchUsage is best effort; concurrent bumps may be lost.
func (s *gormStore) TouchUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE oauth_tokens SET use_count = use_count + 1, last_used_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

func (s *gormStore) DeleteExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	var ids []snowflake.ID
	stmt := db.WithContext(ctx).
		Model(&OAuthToken{}).
		Where("expires_at < ?", cutoff).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := db.WithContext(ctx).Where("id IN ?", ids).Delete(&OAuthToken{})
	return res.RowsAffected, res.Error
}
