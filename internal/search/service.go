package search

import (
	"context"
	"log/slog"

	"conarchive/api/internal/moderation"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// Either backend may be nil.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *slog.Logger
}

var _ moderation.Observer = (*Service)(nil)

func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger.With("component", "search")}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// AfterApply keeps the index in step with an approved submission. Postgres
// FTS reads live tables, so only Meilisearch needs updating.
func (s *Service) AfterApply(_ context.Context, change moderation.Change) error {
	if !s.meiliReady() {
		return nil
	}
	result := change.Result
	switch {
	case result.Guest != nil && result.Removed:
		return s.meili.DeleteGuest(GuestDocumentID(result.Guest.GuestID, result.Guest.Year))
	case result.Guest != nil:
		return s.meili.IndexGuest(GuestRecordFrom(*result.Guest))
	case result.Collectible != nil && result.Removed:
		return s.meili.DeleteCollectible(result.Collectible.CollectibleID)
	case result.Collectible != nil:
		return s.meili.IndexCollectible(CollectibleRecordFrom(*result.Collectible))
	}
	return nil
}

// ReindexAllFromPG pushes every canonical record from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	guests, collectibles, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexGuests(guests); err != nil {
		s.logger.Error("reindex guests", "error", err)
	}
	if err := s.meili.IndexCollectibles(collectibles); err != nil {
		s.logger.Error("reindex collectibles", "error", err)
	}
	s.logger.Info("search reindexed", "guests", len(guests), "collectibles", len(collectibles))
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
