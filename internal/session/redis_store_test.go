package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"conarchive/api/internal/store"
)

type RedisStoreSuite struct {
	suite.Suite
	mini  *miniredis.Miniredis
	store *RedisStore
	ctx   context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())
	var err error
	s.store, err = NewRedisStore("redis://" + s.mini.Addr())
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *RedisStoreSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *RedisStoreSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func (s *RedisStoreSuite) TestSaveAndLookupRefreshSession() {
	err := s.store.SaveRefreshSession(s.ctx, "hash-1", 42, time.Now().Add(24*time.Hour))
	s.Require().NoError(err)

	userID, err := s.store.LookupRefreshSession(s.ctx, "hash-1")
	s.Require().NoError(err)
	s.Equal(int64(42), userID)
	s.True(s.mini.Exists("refresh:hash-1"))
}

func (s *RedisStoreSuite) TestLookupExpiredSession() {
	err := s.store.SaveRefreshSession(s.ctx, "short", 7, time.Now().Add(time.Minute))
	s.Require().NoError(err)

	s.mini.FastForward(2 * time.Minute)

	_, err = s.store.LookupRefreshSession(s.ctx, "short")
	s.ErrorIs(err, ErrSessionNotFound)
}

func (s *RedisStoreSuite) TestLookupNonExistentSession() {
	_, err := s.store.LookupRefreshSession(s.ctx, "missing")
	s.ErrorIs(err, ErrSessionNotFound)
}

func (s *RedisStoreSuite) TestRevokeRefreshSession() {
	s.Require().NoError(s.store.SaveRefreshSession(s.ctx, "a", 1, time.Now().Add(time.Hour)))
	s.Require().NoError(s.store.SaveRefreshSession(s.ctx, "b", 2, time.Now().Add(time.Hour)))

	s.Require().NoError(s.store.RevokeRefreshSession(s.ctx, "a"))
	s.NoError(s.store.RevokeRefreshSession(s.ctx, "never-existed"))

	_, err := s.store.LookupRefreshSession(s.ctx, "a")
	s.ErrorIs(err, ErrSessionNotFound)

	userID, err := s.store.LookupRefreshSession(s.ctx, "b")
	s.Require().NoError(err)
	s.Equal(int64(2), userID)
}

func (s *RedisStoreSuite) TestRevokedTokenExpires() {
	revoked, err := s.store.IsRevoked(s.ctx, "jti-1")
	s.Require().NoError(err)
	s.False(revoked)

	s.Require().NoError(s.store.RevokeToken(s.ctx, "jti-1", time.Now().Add(15*time.Minute)))
	revoked, err = s.store.IsRevoked(s.ctx, "jti-1")
	s.Require().NoError(err)
	s.True(revoked)

	s.mini.FastForward(16 * time.Minute)
	revoked, err = s.store.IsRevoked(s.ctx, "jti-1")
	s.Require().NoError(err)
	s.False(revoked)
}

func (s *RedisStoreSuite) TestServerDownIsUnavailable() {
	s.mini.Close()

	_, err := s.store.LookupRefreshSession(s.ctx, "any")
	s.True(errors.Is(err, store.ErrUnavailable), "got %v", err)
	s.ErrorIs(s.store.Ping(s.ctx), store.ErrUnavailable)
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestNewRedisStoreWithClient(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	s := NewRedisStoreWithClient(client)
	defer s.Close()

	if err := s.SaveRefreshSession(context.Background(), "x", 3, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mini.Exists("refresh:x") {
		t.Fatal("expected key refresh:x in redis")
	}
}
