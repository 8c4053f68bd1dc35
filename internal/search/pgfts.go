package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres there is nothing to search.
func (p *PgFTS) Healthy() bool {
	return true
}

const (
	guestVector       = "to_tsvector('simple', g.guest_name || ' ' || g.blurb || ' ' || g.biography)"
	collectibleVector = "to_tsvector('simple', c.name || ' ' || c.guest_name || ' ' || c.category || ' ' || c.notes_1)"
)

// Search runs a UNION ALL over yearly guests and collectibles using
// plainto_tsquery and ts_rank, with ts_headline for snippets. The vectors
// match the expression indexes in the schema.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}

	yearFilter := ""
	if q.Year != 0 {
		args = append(args, q.Year)
		yearFilter = fmt.Sprintf(" AND %%s.year = $%d", len(args))
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultGuest {
		where := guestVector + " @@ " + tsQuery
		if yearFilter != "" {
			where += fmt.Sprintf(yearFilter, "g")
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'guest'::text AS type, g.guest_id::text || '-' || g.year::text AS id, g.guest_name AS title,
				ts_headline('simple', g.blurb || ' ' || g.biography, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				g.year, g.guest_id, g.guest_name,
				ts_rank(%s, %s) AS rank
			FROM yearly_guests g
			WHERE %s`, tsQuery, guestVector, tsQuery, where))
	}
	if q.FilterType == "" || q.FilterType == ResultCollectible {
		where := collectibleVector + " @@ " + tsQuery
		if yearFilter != "" {
			where += fmt.Sprintf(yearFilter, "c")
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'collectible'::text AS type, c.collectible_id AS id, c.name AS title,
				ts_headline('simple', c.notes_1 || ' ' || c.category, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.year, COALESCE(c.guest_id, 0) AS guest_id, c.guest_name,
				ts_rank(%s, %s) AS rank
			FROM collectibles c
			WHERE %s`, tsQuery, collectibleVector, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, year, guest_id, guest_name
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r   Result
			typ string
		)
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Year, &r.GuestID, &r.GuestName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]GuestRecord, []CollectibleRecord, error) {
	guestRows, err := p.db.QueryContext(ctx, `
		SELECT guest_id, year, guest_name, blurb, biography, guest_type
		FROM yearly_guests
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load guests: %w", err)
	}
	defer guestRows.Close()

	guests := make([]GuestRecord, 0)
	for guestRows.Next() {
		var g GuestRecord
		if err := guestRows.Scan(&g.GuestID, &g.Year, &g.GuestName, &g.Blurb, &g.Biography, &g.GuestType); err != nil {
			return nil, nil, fmt.Errorf("scan guest: %w", err)
		}
		g.ID = GuestDocumentID(g.GuestID, g.Year)
		guests = append(guests, g)
	}
	if err := guestRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate guests: %w", err)
	}

	collectibleRows, err := p.db.QueryContext(ctx, `
		SELECT collectible_id, year, name, guest_name, category, notes_1, notes_2
		FROM collectibles
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load collectibles: %w", err)
	}
	defer collectibleRows.Close()

	collectibles := make([]CollectibleRecord, 0)
	for collectibleRows.Next() {
		var (
			c      CollectibleRecord
			notes2 string
		)
		if err := collectibleRows.Scan(&c.ID, &c.Year, &c.Name, &c.GuestName, &c.Category, &c.Notes, &notes2); err != nil {
			return nil, nil, fmt.Errorf("scan collectible: %w", err)
		}
		if notes2 != "" {
			c.Notes += "\n" + notes2
		}
		collectibles = append(collectibles, c)
	}
	if err := collectibleRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate collectibles: %w", err)
	}
	return guests, collectibles, nil
}
