package userdirectory

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDirectoryLookup(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&User{}))

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&User{ID: 1, ExternalID: "u-1", FullName: "Ada Lovelace", Email: "ada@example.com", EmailVerified: true, Status: UserStatusActive, CreatedAt: now}).Error)
	require.NoError(t, conn.Create(&User{ID: 2, ExternalID: "u-2", Email: "gone@example.com", Status: UserStatusDisabled, CreatedAt: now}).Error)

	dir := New(conn, zaptest.NewLogger(t))
	ctx := context.Background()

	user, err := dir.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", user.FullName)

	// served from cache after the row changes
	require.NoError(t, conn.Model(&User{}).Where("id = ?", 1).Update("full_name", "Renamed").Error)
	user, err = dir.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", user.FullName)

	dir.Invalidate(1)
	user, err = dir.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", user.FullName)

	ok, err := dir.Exists(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dir.Exists(ctx, snowflake.ID(99))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = dir.Lookup(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}
