package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	"github.com/smallbiznis/obgateway/internal/audit/repository"
	"github.com/smallbiznis/obgateway/internal/clock"
	obscontext "github.com/smallbiznis/obgateway/internal/observability/context"
	"github.com/smallbiznis/obgateway/pkg/db"
	"github.com/smallbiznis/obgateway/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    conn,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fake,
	}).(*Service)
	return svc, fake
}

func TestRecordCapturesRequestContextAndMasksCredentials(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithClientIP(ctx, "10.0.0.9")

	err := svc.Record(ctx, auditdomain.Event{
		ActorType:  auditdomain.ActorTypeDeveloper,
		ActorID:    "77",
		Action:     "app.credentials_rotated",
		TargetType: auditdomain.TargetApp,
		TargetID:   "123",
		Metadata:   map[string]any{"client_id": "0123456789abcdef", "status": "SANDBOX"},
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, auditdomain.ActorTypeDeveloper, entry.ActorType)
	require.NotNil(t, entry.RequestID)
	assert.Equal(t, "req-1", *entry.RequestID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.9", *entry.IPAddress)
	assert.Equal(t, "****cdef", entry.Metadata["client_id"])
	assert.Equal(t, "SANDBOX", entry.Metadata["status"])
}

func TestRecordRequiresAction(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Record(context.Background(), auditdomain.Event{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestRecordDefaultsActorToSystem(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.Record(context.Background(), auditdomain.Event{
		Action:     "token.revoked",
		TargetType: auditdomain.TargetToken,
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, auditdomain.ActorTypeSystem, resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
	assert.Empty(t, resp.AuditLogs[0].Metadata)
}

func TestListFiltersAndPaginatesNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Event{
			ActorType:  auditdomain.ActorTypeUser,
			Action:     "consent.authorized",
			TargetType: auditdomain.TargetConsent,
			TargetID:   "cns_1",
		}))
	}
	require.NoError(t, svc.Record(ctx, auditdomain.Event{
		Action:     "app.approved",
		TargetType: auditdomain.TargetApp,
	}))

	first, err := svc.List(ctx, auditdomain.ListRequest{TargetType: auditdomain.TargetConsent, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.Greater(t, first.AuditLogs[0].ID, first.AuditLogs[1].ID)

	second, err := svc.List(ctx, auditdomain.ListRequest{
		TargetType: auditdomain.TargetConsent,
		PageSize:   2,
		PageToken:  first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.Less(t, second.AuditLogs[0].ID, first.AuditLogs[1].ID)
}

func TestListValidatesInput(t *testing.T) {
	svc, fake := newTestService(t)

	start := fake.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	_, err = svc.List(context.Background(), auditdomain.ListRequest{PageToken: "not-a-cursor"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
