package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("ARCHIVE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("ARCHIVE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL, DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = ApplyMigrations(ctx, db, Migrations())
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func createTestUser(t *testing.T, s *PostgresStore) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), User{
		Name:         "it-" + uuid.NewString(),
		PasswordHash: "x",
		Role:         "moderator",
		Active:       true,
	})
	require.NoError(t, err)
	return u
}

func TestPostgresDecidedSubmissionIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	key := GuestSubject("Guest "+uuid.NewString(), 2020)
	item, err := s.InsertSubmission(ctx, Submission{
		Entity:      EntityGuest,
		Kind:        KindCreate,
		Subject:     key,
		Guest:       &GuestFields{},
		SubmittedBy: user.ID,
		SubmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	err = s.WithSubject(ctx, key, func(u Unit) error {
		return u.SetSubmissionState(ctx, item.ID, StateRejected, user.ID, time.Now().UTC())
	})
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE submissions SET state = 'approved' WHERE id = $1`, item.ID)
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.Equal(t, "P0001", pgErr.Code)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM submissions WHERE id = $1`, item.ID)
	require.Error(t, err)
}

func TestPostgresWithSubjectRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "Guest " + uuid.NewString()
	boom := errors.New("boom")
	err := s.WithSubject(ctx, GuestSubject(name, 2021), func(u Unit) error {
		if _, err := u.PutGuest(ctx, Guest{GuestName: name, Year: 2021, Version: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetGuestByName(ctx, name, 2021)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresWithSubjectSerializesCreates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "Guest " + uuid.NewString()
	key := GuestSubject(name, 2022)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithSubject(ctx, key, func(u Unit) error {
				if _, err := u.Guest(ctx, name, 2022); err == nil {
					return nil
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
				if _, err := u.PutGuest(ctx, Guest{GuestName: name, Year: 2022, Version: 1}); err != nil {
					return err
				}
				mu.Lock()
				created++
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)

	g, err := s.GetGuestByName(ctx, name, 2022)
	require.NoError(t, err)
	require.Equal(t, 1, g.Version)
}
