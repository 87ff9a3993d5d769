package search

import (
	"context"
	"log"
	"strings"

	"townhall/api/internal/location"
	"townhall/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// database searcher.
type Service struct {
	graph    *location.Graph
	meili    *Meili
	fallback Searcher
	loader   Loader
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(graph *location.Graph, meili *Meili, fallback Searcher, loader Loader) *Service {
	return &Service{graph: graph, meili: meili, fallback: fallback, loader: loader}
}

// Search resolves the location's descendant set, then tries Meilisearch if
// healthy and the fallback otherwise. Only an unknown location is an error;
// backend failures yield an empty response.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	ids, err := s.graph.DescendantIDs(q.LocationID)
	if err != nil {
		return Response{}, err
	}
	q.LocationIDs = ids
	q.Limit = normalizeLimit(q.Limit)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Query: q.Text}, nil
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

// IndexIdea indexes an idea (fire-and-forget to Meilisearch).
func (s *Service) IndexIdea(idea store.Idea) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFromIdea(idea)
	go func() {
		if err := s.meili.IndexIdea(rec); err != nil {
			log.Printf("search: index idea %s: %v", rec.ID, err)
		}
	}()
}

// ReindexAll pushes every stored idea to Meilisearch and reports how many
// were sent.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return 0, nil
	}
	records, err := s.loader.LoadAllIdeas(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.meili.IndexIdeas(records); err != nil {
		return 0, err
	}
	log.Printf("search: reindexed %d ideas", len(records))
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
