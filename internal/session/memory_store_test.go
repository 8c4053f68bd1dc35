package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conarchive/api/internal/clock"
)

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)

	require.NoError(t, s.SaveRefreshSession(ctx, "h", 9, clk.Now().Add(time.Hour)))
	userID, err := s.LookupRefreshSession(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(9), userID)

	clk.Advance(time.Hour)
	_, err = s.LookupRefreshSession(ctx, "h")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreRevocation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)

	require.NoError(t, s.RevokeToken(ctx, "jti", clk.Now().Add(time.Minute)))
	revoked, err := s.IsRevoked(ctx, "jti")
	require.NoError(t, err)
	assert.True(t, revoked)

	clk.Advance(2 * time.Minute)
	revoked, err = s.IsRevoked(ctx, "jti")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.SaveRefreshSession(ctx, "h", 1, clk.Now().Add(time.Hour)))
	require.NoError(t, s.RevokeRefreshSession(ctx, "h"))
	_, err = s.LookupRefreshSession(ctx, "h")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
