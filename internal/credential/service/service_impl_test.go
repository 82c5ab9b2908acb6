package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/config"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/credential/repository"
	"github.com/smallbiznis/obgateway/internal/secret"
	"github.com/smallbiznis/obgateway/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// interleavingRepo runs afterRead once, right after the first FindByID,
// using the same handle the service is about to write with.
type interleavingRepo struct {
	credentialdomain.Repository
	afterRead func(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp)
}

func (r *interleavingRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*credentialdomain.ThirdPartyApp, error) {
	app, err := r.Repository.FindByID(ctx, db, id)
	if err == nil && app != nil && r.afterRead != nil {
		hook := r.afterRead
		r.afterRead = nil
		hook(ctx, db, app)
	}
	return app, err
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&credentialdomain.ThirdPartyApp{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:     conn,
		Log:    zaptest.NewLogger(t),
		GenID:  node,
		Repo:   repository.Provide(),
		Clock:  fake,
		Policy: config.NewStaticPolicyHolder(config.DefaultGatewayPolicy()),
	}).(*Service)
	return svc, conn, fake
}

func validRegisterRequest(developerID snowflake.ID) credentialdomain.RegisterRequest {
	privacy := "https://fintech.example/privacy"
	return credentialdomain.RegisterRequest{
		DeveloperID:       developerID,
		OrganizationName:  "Fintech Ltd",
		OrganizationEmail: "dev@fintech.example",
		Name:              "Budget Buddy",
		PrivacyPolicyURL:  &privacy,
		RedirectURIs:      []string{"https://fintech.example/callback", "http://localhost:8080/cb"},
		RequestedScopes:   []string{"accounts", "balances"},
	}
}

func TestRegisterStoresOnlySecretHash(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	app := res.App
	assert.Equal(t, credentialdomain.AppStatusSandbox, app.Status)
	assert.Equal(t, credentialdomain.AppTypeWeb, app.AppType)
	assert.Equal(t, "budget-buddy", app.Slug)
	assert.Equal(t, 60, app.RateLimitPerMinute)
	assert.Equal(t, 10000, app.RateLimitPerDay)
	assert.Len(t, app.ClientID, len(clientIDPrefix)+clientIDBytes*2)
	assert.False(t, res.ClientSecret.IsZero())

	var stored credentialdomain.ThirdPartyApp
	require.NoError(t, conn.First(&stored, "id = ?", app.ID).Error)
	assert.NotEqual(t, res.ClientSecret.Reveal(), stored.ClientSecretHash)
	assert.NotContains(t, stored.ClientSecretHash, res.ClientSecret.Reveal())
	assert.True(t, res.ClientSecret.Verify(stored.ClientSecretHash))
	assert.Equal(t, []string{"accounts", "balances"}, []string(stored.AllowedScopes))
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*credentialdomain.RegisterRequest)
		want   error
	}{
		{"missing name", func(r *credentialdomain.RegisterRequest) { r.Name = "  " }, credentialdomain.ErrInvalidName},
		{"bad email", func(r *credentialdomain.RegisterRequest) { r.OrganizationEmail = "nope" }, credentialdomain.ErrInvalidOrganization},
		{"plain http redirect", func(r *credentialdomain.RegisterRequest) { r.RedirectURIs = []string{"http://fintech.example/cb"} }, credentialdomain.ErrInvalidRedirectURI},
		{"fragment redirect", func(r *credentialdomain.RegisterRequest) { r.RedirectURIs = []string{"https://fintech.example/cb#x"} }, credentialdomain.ErrInvalidRedirectURI},
		{"unknown scope", func(r *credentialdomain.RegisterRequest) { r.RequestedScopes = []string{"accounts", "loans"} }, credentialdomain.ErrInvalidScope},
		{"no scopes", func(r *credentialdomain.RegisterRequest) { r.RequestedScopes = nil }, credentialdomain.ErrInvalidScope},
		{"bad app type", func(r *credentialdomain.RegisterRequest) { r.AppType = "desktop" }, credentialdomain.ErrInvalidAppType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRegisterRequest(7)
			tc.mutate(&req)
			_, err := svc.Register(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerifyFailsClosedOnStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)
	clientID := res.App.ClientID

	app, err := svc.Verify(ctx, clientID, res.ClientSecret)
	require.NoError(t, err)
	assert.Equal(t, res.App.ID, app.ID)

	_, err = svc.Verify(ctx, clientID, secret.FromString("wrong"))
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidClient)

	_, err = svc.Verify(ctx, "obp_unknown", res.ClientSecret)
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidClient)

	_, err = svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:   res.App.ID,
		AdminID: 1,
		Target:  credentialdomain.AppStatusSuspended,
		Reason:  "abuse report",
	})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, clientID, res.ClientSecret)
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidClient)
}

func TestRotateInvalidatesOldSecretImmediately(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	creds, err := svc.Rotate(ctx, res.App.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, res.App.ClientID, creds.ClientID)
	assert.NotEqual(t, res.ClientSecret.Reveal(), creds.ClientSecret.Reveal())

	_, err = svc.Verify(ctx, res.App.ClientID, res.ClientSecret)
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidClient)

	_, err = svc.Verify(ctx, res.App.ClientID, creds.ClientSecret)
	assert.NoError(t, err)
}

func TestRotateRequiresOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, res.App.ID, 43)
	assert.ErrorIs(t, err, credentialdomain.ErrNotFound)

	_, err = svc.Verify(ctx, res.App.ClientID, res.ClientSecret)
	assert.NoError(t, err)
}

func TestRotateRevokedApp(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	_, err = svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:  res.App.ID,
		Target: credentialdomain.AppStatusRevoked,
	})
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, res.App.ID, 42)
	assert.ErrorIs(t, err, credentialdomain.ErrNotFound)
}

func TestReviewLifecycle(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	req := validRegisterRequest(42)
	req.PrivacyPolicyURL = nil
	res, err := svc.Register(ctx, req)
	require.NoError(t, err)

	_, err = svc.SubmitForReview(ctx, res.App.ID, 42)
	require.ErrorIs(t, err, credentialdomain.ErrReviewIncomplete)

	privacy := "https://fintech.example/privacy"
	_, err = svc.Update(ctx, credentialdomain.UpdateRequest{
		AppID:            res.App.ID,
		DeveloperID:      42,
		PrivacyPolicyURL: &privacy,
	})
	require.NoError(t, err)

	app, err := svc.SubmitForReview(ctx, res.App.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, credentialdomain.AppStatusPending, app.Status)

	// pending apps cannot authenticate
	_, err = svc.Verify(ctx, res.App.ClientID, res.ClientSecret)
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidClient)

	fake.Advance(time.Hour)
	app, err = svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:   res.App.ID,
		AdminID: 9,
		Target:  credentialdomain.AppStatusApproved,
	})
	require.NoError(t, err)
	require.NotNil(t, app.ApprovedAt)
	require.NotNil(t, app.ApprovedBy)
	assert.Equal(t, snowflake.ID(9), *app.ApprovedBy)
	assert.True(t, app.ApprovedAt.Equal(fake.Now()))

	_, err = svc.Verify(ctx, res.App.ClientID, res.ClientSecret)
	assert.NoError(t, err)

	_, err = svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:  res.App.ID,
		Target: credentialdomain.AppStatusPending,
	})
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidTransition)
}

func TestRejectionReturnsToSandbox(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)
	_, err = svc.SubmitForReview(ctx, res.App.ID, 42)
	require.NoError(t, err)

	app, err := svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:  res.App.ID,
		Target: credentialdomain.AppStatusSandbox,
		Reason: "missing terms of service",
	})
	require.NoError(t, err)
	assert.Equal(t, credentialdomain.AppStatusSandbox, app.Status)
	require.NotNil(t, app.RejectionReason)
	assert.Equal(t, "missing terms of service", *app.RejectionReason)
}

func TestListScopedToDeveloper(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)
	_, err = svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)
	_, err = svc.Register(ctx, validRegisterRequest(77))
	require.NoError(t, err)

	apps, err := svc.List(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, apps, 2)

	res, err := svc.Register(ctx, validRegisterRequest(77))
	require.NoError(t, err)
	_, err = svc.Get(ctx, res.App.ID, 42)
	assert.ErrorIs(t, err, credentialdomain.ErrNotFound)
}

func TestAppStatusTransitions(t *testing.T) {
	assert.NoError(t, credentialdomain.AppStatusSandbox.Transition(credentialdomain.AppStatusPending))
	assert.NoError(t, credentialdomain.AppStatusSuspended.Transition(credentialdomain.AppStatusApproved))
	assert.ErrorIs(t, credentialdomain.AppStatusRevoked.Transition(credentialdomain.AppStatusApproved), credentialdomain.ErrInvalidTransition)
	assert.ErrorIs(t, credentialdomain.AppStatusSandbox.Transition(credentialdomain.AppStatusApproved), credentialdomain.ErrInvalidTransition)
	assert.False(t, credentialdomain.AppStatusPending.CanAuthenticate())
	assert.True(t, credentialdomain.AppStatusSandbox.CanAuthenticate())
}

func TestGetByIDIgnoresOwnerAndStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	app, err := svc.GetByID(ctx, res.App.ID)
	require.NoError(t, err)
	assert.Equal(t, res.App.ClientID, app.ClientID)

	_, err = svc.GetByID(ctx, res.App.ID+1)
	assert.ErrorIs(t, err, credentialdomain.ErrNotFound)
}

func TestTransitionKeepsConcurrentRotation(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)
	_, err = svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:  res.App.ID,
		Target: credentialdomain.AppStatusSuspended,
		Reason: "key leaked",
	})
	require.NoError(t, err)

	rotated, err := secret.New(clientSecretBytes)
	require.NoError(t, err)
	rotatedHash, err := rotated.Hash()
	require.NoError(t, err)

	svc.repo = &interleavingRepo{
		Repository: svc.repo,
		afterRead: func(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp) {
			updated, err := repository.Provide().UpdateSecretHash(ctx, db, app.ID, rotatedHash, fake.Now())
			require.NoError(t, err)
			require.True(t, updated)
		},
	}

	app, err := svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:  res.App.ID,
		Target: credentialdomain.AppStatusApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, credentialdomain.AppStatusApproved, app.Status)

	_, err = svc.Verify(ctx, res.App.ClientID, res.ClientSecret)
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidClient)
	_, err = svc.Verify(ctx, res.App.ClientID, rotated)
	assert.NoError(t, err)
}

func TestStatusWritesLoseToConcurrentRevoke(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	revokeBehind := func(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp) {
		require.NoError(t, db.Exec(`UPDATE third_party_apps SET status = ? WHERE id = ?`,
			credentialdomain.AppStatusRevoked, app.ID).Error)
	}
	base := svc.repo

	svc.repo = &interleavingRepo{Repository: base, afterRead: revokeBehind}
	_, err = svc.SubmitForReview(ctx, res.App.ID, 42)
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidTransition)

	var stored credentialdomain.ThirdPartyApp
	require.NoError(t, conn.First(&stored, "id = ?", res.App.ID).Error)
	assert.Equal(t, credentialdomain.AppStatusSandbox, stored.Status, "failed transaction rolls back the interleaved write too")

	require.NoError(t, conn.Exec(`UPDATE third_party_apps SET status = ? WHERE id = ?`,
		credentialdomain.AppStatusSuspended, res.App.ID).Error)
	svc.repo = &interleavingRepo{Repository: base, afterRead: revokeBehind}
	_, err = svc.Transition(ctx, credentialdomain.TransitionRequest{
		AppID:  res.App.ID,
		Target: credentialdomain.AppStatusApproved,
	})
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidTransition)

	name := "Renamed"
	svc.repo = &interleavingRepo{Repository: base, afterRead: revokeBehind}
	_, err = svc.Update(ctx, credentialdomain.UpdateRequest{
		AppID:       res.App.ID,
		DeveloperID: 42,
		Name:        &name,
	})
	assert.ErrorIs(t, err, credentialdomain.ErrInvalidTransition)
}

func TestUpdateLeavesSecretAndStatusAlone(t *testing.T) {
	svc, conn, fake := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, validRegisterRequest(42))
	require.NoError(t, err)

	rotated, err := secret.New(clientSecretBytes)
	require.NoError(t, err)
	rotatedHash, err := rotated.Hash()
	require.NoError(t, err)

	svc.repo = &interleavingRepo{
		Repository: svc.repo,
		afterRead: func(ctx context.Context, db *gorm.DB, app *credentialdomain.ThirdPartyApp) {
			_, err := repository.Provide().UpdateSecretHash(ctx, db, app.ID, rotatedHash, fake.Now())
			require.NoError(t, err)
		},
	}

	name := "Budget Buddy Pro"
	app, err := svc.Update(ctx, credentialdomain.UpdateRequest{
		AppID:       res.App.ID,
		DeveloperID: 42,
		Name:        &name,
	})
	require.NoError(t, err)
	assert.Equal(t, "budget-buddy-pro", app.Slug)

	var stored credentialdomain.ThirdPartyApp
	require.NoError(t, conn.First(&stored, "id = ?", res.App.ID).Error)
	assert.Equal(t, "Budget Buddy Pro", stored.Name)
	assert.Equal(t, rotatedHash, stored.ClientSecretHash)
	assert.Equal(t, credentialdomain.AppStatusSandbox, stored.Status)
}
