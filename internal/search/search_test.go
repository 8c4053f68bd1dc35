package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conarchive/api/internal/moderation"
	"conarchive/api/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSearchWithoutBackendsIsEmpty(t *testing.T) {
	svc := NewService(nil, nil, discardLogger())
	resp := svc.Search(context.Background(), Query{Text: "lovelace"})
	require.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, "lovelace", resp.Query)
}

func TestAfterApplyWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil, discardLogger())
	g := store.Guest{GuestID: 3, Year: 2020, GuestName: "Ada"}
	err := svc.AfterApply(context.Background(), moderation.Change{Result: moderation.Result{Guest: &g}})
	assert.NoError(t, err)
}

func TestHitToResultGuest(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"3-2020"`),
		"guest_id":   json.RawMessage(`3`),
		"year":       json.RawMessage(`2020`),
		"guest_name": json.RawMessage(`"Ada Lovelace"`),
		"blurb":      json.RawMessage(`"Analyst"`),
		"_formatted": json.RawMessage(`{"guest_name":"<mark>Ada</mark> Lovelace","year":"2020"}`),
	}
	r := hitToResult(hit, ResultGuest)
	assert.Equal(t, ResultGuest, r.Type)
	assert.Equal(t, "3-2020", r.ID)
	assert.Equal(t, int64(3), r.GuestID)
	assert.Equal(t, 2020, r.Year)
	assert.Equal(t, "<mark>Ada</mark> Lovelace", r.Title)
	assert.Equal(t, "Analyst", r.Snippet)
}

func TestHitToResultCollectible(t *testing.T) {
	hit := meili.Hit{
		"id":       json.RawMessage(`"c-1"`),
		"year":     json.RawMessage(`2019`),
		"name":     json.RawMessage(`"Badge"`),
		"category": json.RawMessage(`"Badges"`),
	}
	r := hitToResult(hit, ResultCollectible)
	assert.Equal(t, "Badge", r.Title)
	assert.Equal(t, "Badges", r.Snippet)
	assert.Equal(t, 2019, r.Year)
}

func TestRecordsFromCanonical(t *testing.T) {
	g := GuestRecordFrom(store.Guest{GuestID: 7, Year: 2001, GuestName: "Bea", Blurb: "b"})
	assert.Equal(t, "7-2001", g.ID)

	c := CollectibleRecordFrom(store.Collectible{CollectibleID: "x", Notes1: "one", Notes2: "two"})
	assert.Equal(t, "one\ntwo", c.Notes)
}

func TestIndexToResultType(t *testing.T) {
	assert.Equal(t, ResultGuest, indexToResultType(idxGuests))
	assert.Equal(t, ResultCollectible, indexToResultType(idxCollectibles))
	assert.Equal(t, ResultType(""), indexToResultType("other"))
}
