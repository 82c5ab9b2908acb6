package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/smallbiznis/obgateway/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() consentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, consent *consentdomain.Consent) error {
	return db.WithContext(ctx).Create(consent).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*consentdomain.Consent, error) {
	return r.findOne(ctx, db, "id = ?", id)
}

func (r *repo) FindByConsentID(ctx context.Context, db *gorm.DB, consentID string) (*consentdomain.Consent, error) {
	return r.findOne(ctx, db, "consent_id = ?", consentID)
}

func (r *repo) FindByCodeHash(ctx context.Context, db *gorm.DB, appID snowflake.ID, codeHash string) (*consentdomain.Consent, error) {
	return r.findOne(ctx, db, "app_id = ? AND authorization_code_hash = ?", appID, codeHash)
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter consentdomain.ListFilter, page pagination.Pagination) ([]*consentdomain.Consent, error) {
	stmt := db.WithContext(ctx).
		Model(&consentdomain.Consent{}).
		Where("user_id = ?", filter.UserID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		stmt = stmt.Where("id < ?", cursor.ID)
	}

	var consents []*consentdomain.Consent
	err := stmt.
		Order("id desc").
		Limit(page.PageSize + 1).
		Find(&consents).Error
	if err != nil {
		return nil, err
	}
	return consents, nil
}

// ListDue returns authorized consents whose window closed before now,
// oldest first.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*consentdomain.Consent, error) {
	var consents []*consentdomain.Consent
	stmt := db.WithContext(ctx).
		Where("status = ? AND valid_until < ?", consentdomain.StatusAuthorized, now).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&consents).Error; err != nil {
		return nil, err
	}
	return consents, nil
}

func (r *repo) CompareAndSet(ctx context.Context, db *gorm.DB, id snowflake.ID, from consentdomain.Status, fields map[string]any) (bool, error) {
	res := db.WithContext(ctx).
		Model(&consentdomain.Consent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ClaimCode(ctx context.Context, db *gorm.DB, id snowflake.ID, codeHash string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE consents
		SET authorization_code_hash = NULL, code_redeemed_at = ?, updated_at = ?
		WHERE id = ? AND authorization_code_hash = ? AND status = ?`,
		at,
		at,
		id,
		codeHash,
		consentdomain.StatusAuthorized,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TouchUsage bumps the access counters. Concurrent bumps may be lost.
func (r *repo) TouchUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE consents SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*consentdomain.Consent, error) {
	var consent consentdomain.Consent
	err := db.WithContext(ctx).Where(query, args...).First(&consent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &consent, nil
}
