package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() credentialdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp) error {
	return db.WithContext(ctx).Create(app).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*credentialdomain.ThirdPartyApp, error) {
	return r.findOne(ctx, db, "id = ?", id)
}

func (r *repo) FindByClientID(ctx context.Context, db *gorm.DB, clientID string) (*credentialdomain.ThirdPartyApp, error) {
	return r.findOne(ctx, db, "client_id = ?", clientID)
}

func (r *repo) ListByDeveloper(ctx context.Context, db *gorm.DB, developerID snowflake.ID) ([]credentialdomain.ThirdPartyApp, error) {
	var apps []credentialdomain.ThirdPartyApp
	err := db.WithContext(ctx).
		Where("developer_id = ?", developerID).
		Order("created_at DESC").
		Find(&apps).Error
	if err != nil {
		return nil, err
	}
	return apps, nil
}

// UpdateListing writes the developer-editable columns only. Credentials and
// status are owned by UpdateSecretHash and CompareAndSetStatus.
func (r *repo) UpdateListing(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp) (bool, error) {
	res := db.WithContext(ctx).
		Model(&credentialdomain.ThirdPartyApp{}).
		Where("id = ? AND status <> ?", app.ID, credentialdomain.AppStatusRevoked).
		Updates(map[string]any{
			"name":                 app.Name,
			"slug":                 app.Slug,
			"description":          app.Description,
			"logo_url":             app.LogoURL,
			"privacy_policy_url":   app.PrivacyPolicyURL,
			"terms_of_service_url": app.TermsOfServiceURL,
			"redirect_uris":        app.RedirectURIs,
			"updated_at":           app.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompareAndSetStatus moves the app out of from. It reports false when the
// stored status has already changed.
func (r *repo) CompareAndSetStatus(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp, from credentialdomain.AppStatus) (bool, error) {
	res := db.WithContext(ctx).
		Model(&credentialdomain.ThirdPartyApp{}).
		Where("id = ? AND status = ?", app.ID, from).
		Updates(map[string]any{
			"status":           app.Status,
			"approved_at":      app.ApprovedAt,
			"approved_by":      app.ApprovedBy,
			"rejection_reason": app.RejectionReason,
			"updated_at":       app.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateSecretHash swaps the stored hash in a single statement so the old
// secret stops verifying the moment it commits.
func (r *repo) UpdateSecretHash(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE third_party_apps SET client_secret_hash = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		hash,
		at,
		id,
		credentialdomain.AppStatusRevoked,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*credentialdomain.ThirdPartyApp, error) {
	var app credentialdomain.ThirdPartyApp
	err := db.WithContext(ctx).Where(query, args...).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}
