// Package search answers full-text queries over canonical guests and
// collectibles, using Meilisearch when it is up and Postgres otherwise.
package search

import (
	"context"
	"fmt"

	"conarchive/api/internal/store"
)

// ResultType identifies the kind of record in a search result.
type ResultType string

const (
	ResultGuest       ResultType = "guest"
	ResultCollectible ResultType = "collectible"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	Year      int        `json:"year"`
	GuestID   int64      `json:"guest_id,omitempty"`
	GuestName string     `json:"guest_name,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Year       int        // 0 = all years
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// GuestRecord is the data we index for a yearly guest row.
type GuestRecord struct {
	ID        string `json:"id"`
	GuestID   int64  `json:"guest_id"`
	Year      int    `json:"year"`
	GuestName string `json:"guest_name"`
	Blurb     string `json:"blurb"`
	Biography string `json:"biography"`
	GuestType string `json:"guest_type"`
}

// CollectibleRecord is the data we index for a collectible.
type CollectibleRecord struct {
	ID        string `json:"id"`
	Year      int    `json:"year"`
	Name      string `json:"name"`
	GuestName string `json:"guest_name"`
	Category  string `json:"category"`
	Notes     string `json:"notes"`
}

// GuestDocumentID is the index key of a yearly guest row.
func GuestDocumentID(guestID int64, year int) string {
	return fmt.Sprintf("%d-%d", guestID, year)
}

func GuestRecordFrom(g store.Guest) GuestRecord {
	return GuestRecord{
		ID:        GuestDocumentID(g.GuestID, g.Year),
		GuestID:   g.GuestID,
		Year:      g.Year,
		GuestName: g.GuestName,
		Blurb:     g.Blurb,
		Biography: g.Biography,
		GuestType: g.GuestType,
	}
}

func CollectibleRecordFrom(c store.Collectible) CollectibleRecord {
	notes := c.Notes1
	if c.Notes2 != "" {
		notes += "\n" + c.Notes2
	}
	return CollectibleRecord{
		ID:        c.CollectibleID,
		Year:      c.Year,
		Name:      c.Name,
		GuestName: c.GuestName,
		Category:  c.Category,
		Notes:     notes,
	}
}
