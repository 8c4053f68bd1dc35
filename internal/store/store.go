package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("duplicate record")
	ErrUnavailable = errors.New("storage unavailable")
)

// Unit is the storage available to a caller holding a subject lock.
// Writes become visible only when the enclosing WithSubject returns nil.
type Unit interface {
	Submission(ctx context.Context, id int64) (Submission, error)
	SetSubmissionState(ctx context.Context, id int64, state State, decidedBy int64, at time.Time) error
	Guest(ctx context.Context, name string, year int) (Guest, error)
	// PutGuest inserts or overwrites a yearly guest row. A zero GuestID is
	// resolved through the guest directory, creating the entry if needed.
	PutGuest(ctx context.Context, g Guest) (Guest, error)
	DeleteGuest(ctx context.Context, g Guest, deletedBy int64, at time.Time) error
	Collectible(ctx context.Context, id string) (Collectible, error)
	PutCollectible(ctx context.Context, c Collectible) (Collectible, error)
	DeleteCollectible(ctx context.Context, c Collectible, deletedBy int64, at time.Time) error
	InsertAudit(ctx context.Context, e AuditEntry) error
	// LastVersion is the highest version the subject has ever had, across
	// deletes and re-creates. Zero if it never existed.
	LastVersion(ctx context.Context, key SubjectKey) (int, error)
}

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	WithSubject(ctx context.Context, key SubjectKey, fn func(Unit) error) error

	InsertSubmission(ctx context.Context, s Submission) (Submission, error)
	GetSubmission(ctx context.Context, id int64) (Submission, error)
	ListPending(ctx context.Context, entity EntityType) ([]Submission, error)
	ListSubmissionsByUser(ctx context.Context, entity EntityType, userID int64, limit, offset int) ([]Submission, int, error)
	ListAudit(ctx context.Context, key SubjectKey) ([]AuditEntry, error)
	UserMetrics(ctx context.Context, userID int64) (UserMetrics, error)

	Years(ctx context.Context) ([]int, error)
	ListGuests(ctx context.Context, year int) ([]Guest, error)
	GetGuest(ctx context.Context, guestID int64, year int) (Guest, error)
	GetGuestByName(ctx context.Context, name string, year int) (Guest, error)
	SearchGuestDirectory(ctx context.Context, query string, limit, offset int) ([]GuestRef, int, error)
	ListGuestsWithAccolades(ctx context.Context) ([]Guest, error)
	ListCollectibles(ctx context.Context, year int) ([]Collectible, error)
	GetCollectible(ctx context.Context, id string) (Collectible, error)
	CollectibleCategories(ctx context.Context, query string) ([]string, error)

	GetUserByID(ctx context.Context, id int64) (User, error)
	GetUserByName(ctx context.Context, name string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, u User) (User, error)
	UpdateUser(ctx context.Context, u User) error

	Ping(ctx context.Context) error
}

// classify maps driver errors onto the package sentinels, keeping the original in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %w", op, ErrDuplicate, err)
	case isTransient(err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
	}
	return false
}
