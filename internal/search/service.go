package search

import (
	"context"
	"log"

	"surat/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: sanitizeResults(nonNil(results), q.IncludeConfidential), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(nonNil(results), q.IncludeConfidential), Total: total, Query: q.Text}
}

// IndexLetter indexes a letter (fire-and-forget to Meilisearch).
func (s *Service) IndexLetter(rec LetterRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexLetter(rec); err != nil {
			log.Printf("search: index letter %s: %v", rec.ID, err)
		}
	}()
}

// DeleteLetter removes a letter from the search index (fire-and-forget).
func (s *Service) DeleteLetter(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteLetter(id); err != nil {
			log.Printf("search: delete letter %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all letters from PostgreSQL into Meilisearch.
// Called during Bootstrap if Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexLetters(records); err != nil {
		log.Printf("search: reindex letters: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// sanitizeResults enforces the confidentiality tiers on whatever the
// backend returned. Rahasia hits are dropped for callers without
// clearance; terbatas hits stay visible because non-cleared queries are
// already scoped to the caller's own unit.
func sanitizeResults(results []Result, includeConfidential bool) []Result {
	if includeConfidential {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		switch result.Confidentiality {
		case store.ConfidentialityRahasia:
			continue
		case store.ConfidentialityTerbatas, store.ConfidentialityBiasa, "":
			filtered = append(filtered, result)
		default:
			// Unknown tiers are treated as closed.
			continue
		}
	}
	return filtered
}
