package audit

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates an audit search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("audit: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("audit: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexArchivedSession pushes a freshly archived session and its edits to
// Meilisearch (fire-and-forget). PG FTS needs no push; it reads the archive
// tables directly.
func (s *Service) IndexArchivedSession(session SessionRecord, edits []EditRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSession(session); err != nil {
			log.Printf("audit: index session %s: %v", session.ID, err)
		}
		if err := s.meili.IndexEdits(edits); err != nil {
			log.Printf("audit: index edits for %s: %v", session.ID, err)
		}
	}()
}

// ReindexAllFromPG reads the whole archive from Postgres and pushes it to
// Meilisearch. Called at startup when Meilisearch is configured.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	sessions, edits, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("audit: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexSessions(sessions); err != nil {
		log.Printf("audit: reindex sessions: %v", err)
	}
	if err := s.meili.IndexEdits(edits); err != nil {
		log.Printf("audit: reindex edits: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
