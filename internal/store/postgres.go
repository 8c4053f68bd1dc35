package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping db", s.db.PingContext(ctx))
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// WithSubject runs fn in a transaction holding a transaction-scoped advisory
// lock on the subject key. The lock exists even when no row does yet, which
// is what serializes racing creates.
func (s *PostgresStore) WithSubject(ctx context.Context, key SubjectKey, fn func(Unit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin subject tx", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		_ = tx.Rollback()
		return classify("lock subject", err)
	}
	if err := fn(&pgUnit{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit subject tx", err)
	}
	return nil
}

const submissionColumns = `s.id, s.entity_type, s.kind, s.subject_guest_name, s.subject_year, s.subject_collectible_id,
	s.payload, s.base_version, s.submitted_by, COALESCE(u.user_name, ''), s.submitted_at, s.state, s.deleted,
	s.decided_by, s.decided_at`

const submissionFrom = `FROM submissions s LEFT JOIN users u ON u.user_id = s.submitted_by`

func scanSubmission(row rowScanner) (Submission, error) {
	var (
		item      Submission
		payload   []byte
		decidedBy sql.NullInt64
		decidedAt sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.Entity, &item.Kind,
		&item.Subject.GuestName, &item.Subject.Year, &item.Subject.CollectibleID,
		&payload, &item.BaseVersion, &item.SubmittedBy, &item.SubmitterName, &item.SubmittedAt,
		&item.State, &item.Deleted, &decidedBy, &decidedAt,
	)
	if err != nil {
		return Submission{}, err
	}
	item.Subject.Entity = item.Entity
	item.SubmittedAt = item.SubmittedAt.UTC()
	if decidedBy.Valid {
		id := decidedBy.Int64
		item.DecidedBy = &id
	}
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		item.DecidedAt = &at
	}
	if err := decodePayload(&item, payload); err != nil {
		return Submission{}, err
	}
	return item, nil
}

func encodePayload(item Submission) ([]byte, error) {
	var value any = struct{}{}
	switch {
	case item.Entity == EntityGuest && item.Guest != nil:
		value = item.Guest
	case item.Entity == EntityCollectible && item.Collectible != nil:
		value = item.Collectible
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode submission payload: %w", err)
	}
	return payload, nil
}

func decodePayload(item *Submission, payload []byte) error {
	switch item.Entity {
	case EntityGuest:
		var fields GuestFields
		if err := json.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("decode guest payload %d: %w", item.ID, err)
		}
		item.Guest = &fields
	case EntityCollectible:
		var fields CollectibleFields
		if err := json.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("decode collectible payload %d: %w", item.ID, err)
		}
		item.Collectible = &fields
	}
	return nil
}

func collectSubmissions(rows *sql.Rows) ([]Submission, error) {
	defer rows.Close()
	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, item Submission) (Submission, error) {
	payload, err := encodePayload(item)
	if err != nil {
		return Submission{}, err
	}
	item.State = StatePending
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO submissions (entity_type, kind, subject_key, subject_guest_name, subject_year, subject_collectible_id,
			payload, base_version, submitted_by, submitted_at, state, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11)
		RETURNING id
	`,
		item.Entity, item.Kind, item.Subject.String(), item.Subject.GuestName, item.Subject.Year, item.Subject.CollectibleID,
		payload, item.BaseVersion, item.SubmittedBy, item.SubmittedAt, item.Deleted,
	).Scan(&item.ID)
	if err != nil {
		return Submission{}, classify("insert submission", err)
	}
	return item, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	item, err := scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` `+submissionFrom+` WHERE s.id = $1`, id))
	if err != nil {
		return Submission{}, classify("get submission", err)
	}
	return item, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, entity EntityType) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` `+submissionFrom+`
		WHERE s.entity_type = $1 AND s.state = 'pending'
		ORDER BY s.submitted_at ASC, s.id ASC
	`, entity)
	if err != nil {
		return nil, classify("list pending submissions", err)
	}
	items, err := collectSubmissions(rows)
	if err != nil {
		return nil, classify("scan pending submissions", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSubmissionsByUser(ctx context.Context, entity EntityType, userID int64, limit, offset int) ([]Submission, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE entity_type = $1 AND submitted_by = $2`, entity, userID).Scan(&total); err != nil {
		return nil, 0, classify("count user submissions", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` `+submissionFrom+`
		WHERE s.entity_type = $1 AND s.submitted_by = $2
		ORDER BY s.submitted_at DESC, s.id DESC
		LIMIT $3 OFFSET $4
	`, entity, userID, limit, offset)
	if err != nil {
		return nil, 0, classify("list user submissions", err)
	}
	items, err := collectSubmissions(rows)
	if err != nil {
		return nil, 0, classify("scan user submissions", err)
	}
	return items, total, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, key SubjectKey) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, subject_key, submission_id, kind, applied_by, applied_at, resulting_version
		FROM audit_log
		WHERE subject_key = $1
		ORDER BY applied_at ASC, id ASC
	`, key.String())
	if err != nil {
		return nil, classify("list audit", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		if err := rows.Scan(&item.ID, &item.Entity, &item.SubjectKey, &item.SubmissionID, &item.Kind, &item.AppliedBy, &item.AppliedAt, &item.ResultingVersion); err != nil {
			return nil, classify("scan audit", err)
		}
		item.AppliedAt = item.AppliedAt.UTC()
		items = append(items, item)
	}
	return items, classify("iterate audit", rows.Err())
}

func (s *PostgresStore) UserMetrics(ctx context.Context, userID int64) (UserMetrics, error) {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return UserMetrics{}, err
	}
	metrics := UserMetrics{UserID: user.ID, UserName: user.Name}
	for _, target := range []struct {
		entity EntityType
		into   *EntityMetrics
	}{
		{EntityGuest, &metrics.Guests},
		{EntityCollectible, &metrics.Collectibles},
	} {
		var first, last sql.NullTime
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*),
				COUNT(*) FILTER (WHERE state = 'approved'),
				COUNT(*) FILTER (WHERE state = 'rejected'),
				COUNT(*) FILTER (WHERE state = 'pending'),
				MIN(submitted_at),
				MAX(submitted_at)
			FROM submissions
			WHERE submitted_by = $1 AND entity_type = $2
		`, userID, target.entity).Scan(&target.into.Submitted, &target.into.Approved, &target.into.Rejected, &target.into.Pending, &first, &last)
		if err != nil {
			return UserMetrics{}, classify("user metrics", err)
		}
		if first.Valid {
			at := first.Time.UTC()
			target.into.FirstActivity = &at
		}
		if last.Valid {
			at := last.Time.UTC()
			target.into.LastActivity = &at
		}
	}
	return metrics, nil
}

const guestColumns = `guest_id, year, guest_name, url, blurb, biography, guest_type, guest_category, accolades_1, accolades_2, version, modified`

const guestBackupColumns = `guest_id, year, guest_name, url, blurb, biography, guest_type, guest_category, accolades_1, accolades_2, version`

func scanGuest(row rowScanner) (Guest, error) {
	var g Guest
	err := row.Scan(&g.GuestID, &g.Year, &g.GuestName, &g.URL, &g.Blurb, &g.Biography, &g.GuestType, &g.GuestCategory, &g.Accolades1, &g.Accolades2, &g.Version, &g.Modified)
	return g, err
}

func queryGuests(ctx context.Context, q querier, op, query string, args ...any) ([]Guest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	items := make([]Guest, 0)
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		items = append(items, g)
	}
	return items, classify(op, rows.Err())
}

const collectibleColumns = `collectible_id, year, guest_id, guest_name, name, category, notes_1, notes_2, filename, version, modified`

func scanCollectible(row rowScanner) (Collectible, error) {
	var (
		c       Collectible
		guestID sql.NullInt64
	)
	err := row.Scan(&c.CollectibleID, &c.Year, &guestID, &c.GuestName, &c.Name, &c.Category, &c.Notes1, &c.Notes2, &c.Filename, &c.Version, &c.Modified)
	if guestID.Valid {
		id := guestID.Int64
		c.GuestID = &id
	}
	return c, err
}

func queryCollectibles(ctx context.Context, q querier, op, query string, args ...any) ([]Collectible, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	items := make([]Collectible, 0)
	for rows.Next() {
		c, err := scanCollectible(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		items = append(items, c)
	}
	return items, classify(op, rows.Err())
}

func (s *PostgresStore) Years(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT year FROM yearly_guests ORDER BY year`)
	if err != nil {
		return nil, classify("list years", err)
	}
	defer rows.Close()
	years := make([]int, 0)
	for rows.Next() {
		var year int
		if err := rows.Scan(&year); err != nil {
			return nil, classify("scan year", err)
		}
		years = append(years, year)
	}
	return years, classify("iterate years", rows.Err())
}

// ListGuests returns the guests of one year, or of every year when year is 0.
func (s *PostgresStore) ListGuests(ctx context.Context, year int) ([]Guest, error) {
	if year == 0 {
		return queryGuests(ctx, s.db, "list guests", `SELECT `+guestColumns+` FROM yearly_guests ORDER BY guest_name ASC, year ASC`)
	}
	return queryGuests(ctx, s.db, "list guests", `SELECT `+guestColumns+` FROM yearly_guests WHERE year = $1 ORDER BY guest_name ASC`, year)
}

func (s *PostgresStore) GetGuest(ctx context.Context, guestID int64, year int) (Guest, error) {
	g, err := scanGuest(s.db.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM yearly_guests WHERE guest_id = $1 AND year = $2`, guestID, year))
	if err != nil {
		return Guest{}, classify("get guest", err)
	}
	return g, nil
}

func (s *PostgresStore) GetGuestByName(ctx context.Context, name string, year int) (Guest, error) {
	g, err := scanGuest(s.db.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM yearly_guests WHERE guest_name = $1 AND year = $2`, name, year))
	if err != nil {
		return Guest{}, classify("get guest by name", err)
	}
	return g, nil
}

func (s *PostgresStore) SearchGuestDirectory(ctx context.Context, query string, limit, offset int) ([]GuestRef, int, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guests WHERE guest_name ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, classify("count guest directory", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT guest_id, guest_name FROM guests
		WHERE guest_name ILIKE $1
		ORDER BY guest_name
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, classify("search guest directory", err)
	}
	defer rows.Close()
	refs := make([]GuestRef, 0)
	for rows.Next() {
		var ref GuestRef
		if err := rows.Scan(&ref.GuestID, &ref.GuestName); err != nil {
			return nil, 0, classify("scan guest directory", err)
		}
		refs = append(refs, ref)
	}
	return refs, total, classify("iterate guest directory", rows.Err())
}

func (s *PostgresStore) ListGuestsWithAccolades(ctx context.Context) ([]Guest, error) {
	return queryGuests(ctx, s.db, "list accolades", `
		SELECT `+guestColumns+` FROM yearly_guests
		WHERE accolades_1 <> '' OR accolades_2 <> ''
		ORDER BY guest_name, year
	`)
}

// ListCollectibles returns the collectibles of one year, or every collectible when year is 0.
func (s *PostgresStore) ListCollectibles(ctx context.Context, year int) ([]Collectible, error) {
	if year == 0 {
		return queryCollectibles(ctx, s.db, "list collectibles", `SELECT `+collectibleColumns+` FROM collectibles ORDER BY year, guest_name, name`)
	}
	return queryCollectibles(ctx, s.db, "list collectibles", `SELECT `+collectibleColumns+` FROM collectibles WHERE year = $1 ORDER BY guest_name, name`, year)
}

func (s *PostgresStore) GetCollectible(ctx context.Context, id string) (Collectible, error) {
	c, err := scanCollectible(s.db.QueryRowContext(ctx, `SELECT `+collectibleColumns+` FROM collectibles WHERE collectible_id = $1`, id))
	if err != nil {
		return Collectible{}, classify("get collectible", err)
	}
	return c, nil
}

func (s *PostgresStore) CollectibleCategories(ctx context.Context, query string) ([]string, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM collectibles
		WHERE category <> '' AND category ILIKE $1
		ORDER BY category
		LIMIT 100
	`, pattern)
	if err != nil {
		return nil, classify("list categories", err)
	}
	defer rows.Close()
	categories := make([]string, 0)
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, classify("scan category", err)
		}
		categories = append(categories, category)
	}
	return categories, classify("iterate categories", rows.Err())
}

const userColumns = `user_id, user_name, password_hash, role, active, created_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id))
	if err != nil {
		return User{}, classify("get user", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_name = $1`, name))
	if err != nil {
		return User{}, classify("get user by name", err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE active ORDER BY user_name`)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()
	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify("scan user", err)
		}
		users = append(users, u)
	}
	return users, classify("iterate users", rows.Err())
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (user_name, password_hash, role, active)
		VALUES ($1, $2, $3, $4)
		RETURNING user_id, created_at
	`, u.Name, u.PasswordHash, u.Role, u.Active).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return User{}, classify("insert user", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// UpdateUser overwrites the mutable fields of an account: password hash, role, active.
func (s *PostgresStore) UpdateUser(ctx context.Context, u User) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, role = $3, active = $4 WHERE user_id = $1
	`, u.ID, u.PasswordHash, u.Role, u.Active)
	if err != nil {
		return classify("update user", err)
	}
	return requireAffected(result, "update user")
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// pgUnit is the Unit handed to WithSubject callbacks.
type pgUnit struct {
	tx *sql.Tx
}

func (u *pgUnit) Submission(ctx context.Context, id int64) (Submission, error) {
	item, err := scanSubmission(u.tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` `+submissionFrom+` WHERE s.id = $1 FOR UPDATE OF s`, id))
	if err != nil {
		return Submission{}, classify("lock submission", err)
	}
	return item, nil
}

func (u *pgUnit) SetSubmissionState(ctx context.Context, id int64, state State, decidedBy int64, at time.Time) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE submissions SET state = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND state = 'pending'
	`, id, state, decidedBy, at)
	if err != nil {
		return classify("set submission state", err)
	}
	return requireAffected(result, "set submission state")
}

func (u *pgUnit) Guest(ctx context.Context, name string, year int) (Guest, error) {
	g, err := scanGuest(u.tx.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM yearly_guests WHERE guest_name = $1 AND year = $2 FOR UPDATE`, name, year))
	if err != nil {
		return Guest{}, classify("lock guest", err)
	}
	return g, nil
}

func (u *pgUnit) PutGuest(ctx context.Context, g Guest) (Guest, error) {
	if g.GuestID == 0 {
		err := u.tx.QueryRowContext(ctx, `
			INSERT INTO guests (guest_name) VALUES ($1)
			ON CONFLICT (guest_name) DO UPDATE SET guest_name = EXCLUDED.guest_name
			RETURNING guest_id
		`, g.GuestName).Scan(&g.GuestID)
		if err != nil {
			return Guest{}, classify("resolve guest directory", err)
		}
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO yearly_guests (`+guestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (guest_id, year) DO UPDATE SET
			guest_name = EXCLUDED.guest_name,
			url = EXCLUDED.url,
			blurb = EXCLUDED.blurb,
			biography = EXCLUDED.biography,
			guest_type = EXCLUDED.guest_type,
			guest_category = EXCLUDED.guest_category,
			accolades_1 = EXCLUDED.accolades_1,
			accolades_2 = EXCLUDED.accolades_2,
			version = EXCLUDED.version,
			modified = EXCLUDED.modified
	`, g.GuestID, g.Year, g.GuestName, g.URL, g.Blurb, g.Biography, g.GuestType, g.GuestCategory, g.Accolades1, g.Accolades2, g.Version, g.Modified)
	if err != nil {
		return Guest{}, classify("put guest", err)
	}
	return g, nil
}

func (u *pgUnit) DeleteGuest(ctx context.Context, g Guest, deletedBy int64, at time.Time) error {
	if _, err := u.tx.ExecContext(ctx, `
		INSERT INTO deleted_yearly_guests (`+guestBackupColumns+`, deleted_by, deleted_at)
		SELECT `+guestBackupColumns+`, $3, $4 FROM yearly_guests WHERE guest_id = $1 AND year = $2
	`, g.GuestID, g.Year, deletedBy, at); err != nil {
		return classify("backup guest", err)
	}
	result, err := u.tx.ExecContext(ctx, `DELETE FROM yearly_guests WHERE guest_id = $1 AND year = $2`, g.GuestID, g.Year)
	if err != nil {
		return classify("delete guest", err)
	}
	if err := requireAffected(result, "delete guest"); err != nil {
		return err
	}
	return u.dropOrphanGuest(ctx, g.GuestID, deletedBy, at)
}

// dropOrphanGuest removes a guest directory entry once nothing refers to it.
func (u *pgUnit) dropOrphanGuest(ctx context.Context, guestID int64, deletedBy int64, at time.Time) error {
	var name string
	err := u.tx.QueryRowContext(ctx, `SELECT guest_name FROM guests WHERE guest_id = $1 FOR UPDATE`, guestID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return classify("lock guest directory", err)
	}
	var referenced bool
	err = u.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM yearly_guests WHERE guest_id = $1)
			OR EXISTS(SELECT 1 FROM collectibles WHERE guest_id = $1)
	`, guestID).Scan(&referenced)
	if err != nil {
		return classify("check guest references", err)
	}
	if referenced {
		return nil
	}
	if _, err := u.tx.ExecContext(ctx, `INSERT INTO deleted_guests (guest_id, guest_name, deleted_by, deleted_at) VALUES ($1, $2, $3, $4)`, guestID, name, deletedBy, at); err != nil {
		return classify("backup guest directory", err)
	}
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM guests WHERE guest_id = $1`, guestID); err != nil {
		return classify("delete guest directory", err)
	}
	return nil
}

func (u *pgUnit) Collectible(ctx context.Context, id string) (Collectible, error) {
	c, err := scanCollectible(u.tx.QueryRowContext(ctx, `SELECT `+collectibleColumns+` FROM collectibles WHERE collectible_id = $1 FOR UPDATE`, id))
	if err != nil {
		return Collectible{}, classify("lock collectible", err)
	}
	return c, nil
}

func (u *pgUnit) PutCollectible(ctx context.Context, c Collectible) (Collectible, error) {
	c.GuestID = nil
	if c.GuestName != "" {
		var guestID int64
		err := u.tx.QueryRowContext(ctx, `SELECT guest_id FROM guests WHERE guest_name = $1`, c.GuestName).Scan(&guestID)
		switch {
		case err == nil:
			c.GuestID = &guestID
		case !errors.Is(err, sql.ErrNoRows):
			return Collectible{}, classify("resolve collectible guest", err)
		}
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO collectibles (`+collectibleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (collectible_id) DO UPDATE SET
			year = EXCLUDED.year,
			guest_id = EXCLUDED.guest_id,
			guest_name = EXCLUDED.guest_name,
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			notes_1 = EXCLUDED.notes_1,
			notes_2 = EXCLUDED.notes_2,
			filename = EXCLUDED.filename,
			version = EXCLUDED.version,
			modified = EXCLUDED.modified
	`, c.CollectibleID, c.Year, c.GuestID, c.GuestName, c.Name, c.Category, c.Notes1, c.Notes2, c.Filename, c.Version, c.Modified)
	if err != nil {
		return Collectible{}, classify("put collectible", err)
	}
	return c, nil
}

func (u *pgUnit) DeleteCollectible(ctx context.Context, c Collectible, deletedBy int64, at time.Time) error {
	if _, err := u.tx.ExecContext(ctx, `
		INSERT INTO deleted_collectibles (collectible_id, year, guest_id, guest_name, name, category, notes_1, notes_2, filename, version, deleted_by, deleted_at)
		SELECT collectible_id, year, guest_id, guest_name, name, category, notes_1, notes_2, filename, version, $2, $3
		FROM collectibles WHERE collectible_id = $1
	`, c.CollectibleID, deletedBy, at); err != nil {
		return classify("backup collectible", err)
	}
	result, err := u.tx.ExecContext(ctx, `DELETE FROM collectibles WHERE collectible_id = $1`, c.CollectibleID)
	if err != nil {
		return classify("delete collectible", err)
	}
	if err := requireAffected(result, "delete collectible"); err != nil {
		return err
	}
	if c.GuestID != nil {
		return u.dropOrphanGuest(ctx, *c.GuestID, deletedBy, at)
	}
	return nil
}

func (u *pgUnit) LastVersion(ctx context.Context, key SubjectKey) (int, error) {
	var version int
	err := u.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(resulting_version), 0) FROM audit_log WHERE subject_key = $1
	`, key.String()).Scan(&version)
	if err != nil {
		return 0, classify("last version", err)
	}
	return version, nil
}

func (u *pgUnit) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, subject_key, submission_id, kind, applied_by, applied_at, resulting_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Entity, e.SubjectKey, e.SubmissionID, e.Kind, e.AppliedBy, e.AppliedAt, e.ResultingVersion)
	return classify("insert audit", err)
}
