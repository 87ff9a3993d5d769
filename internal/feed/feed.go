// Package feed computes the ideas visible at a location: everything posted
// there or anywhere below it.
package feed

import (
	"context"
	"fmt"
	"log"
	"sort"

	"townhall/api/internal/location"
	"townhall/api/internal/metrics"
	"townhall/api/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps a requested page to the supported range.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type ideaLister interface {
	ListIdeasAt(ctx context.Context, locationIDs []string, limit, offset int) ([]store.Idea, error)
}

// Cache stores feed pages. Get returns a stamp that Set must be given back,
// so a page computed before an invalidation is never served after it.
// Invalidate must make every cached page of the given locations unreachable.
type Cache interface {
	Get(ctx context.Context, locationID string, page Page) (ideas []store.Idea, hit bool, stamp int64, err error)
	Set(ctx context.Context, locationID string, page Page, stamp int64, ideas []store.Idea) error
	Invalidate(ctx context.Context, locationIDs ...string) error
}

type Engine struct {
	graph   *location.Graph
	ideas   ideaLister
	cache   Cache
	metrics *metrics.Metrics
}

// NewEngine builds an engine; cache may be nil.
func NewEngine(graph *location.Graph, ideas ideaLister, cache Cache, m *metrics.Metrics) *Engine {
	return &Engine{graph: graph, ideas: ideas, cache: cache, metrics: m}
}

// IdeasVisibleAt returns one page of the aggregated feed at locationID,
// ordered by support count, then newest first, then id.
func (e *Engine) IdeasVisibleAt(ctx context.Context, locationID string, page Page) ([]store.Idea, error) {
	page = page.Normalize()
	scope, err := e.graph.DescendantIDs(locationID)
	if err != nil {
		return nil, err
	}

	var (
		stamp     int64
		cacheable = e.cache != nil
	)
	if e.cache != nil {
		cached, ok, gen, err := e.cache.Get(ctx, locationID, page)
		stamp = gen
		switch {
		case err != nil:
			cacheable = false
			e.metrics.FeedCache("error")
			log.Printf("feed: cache get location=%s: %v", locationID, err)
		case ok:
			e.metrics.FeedCache("hit")
			return cached, nil
		default:
			e.metrics.FeedCache("miss")
		}
	}

	rows, err := e.ideas.ListIdeasAt(ctx, scope, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list ideas at %s: %w", locationID, err)
	}
	items := Merge(rows)

	if cacheable {
		if err := e.cache.Set(ctx, locationID, page, stamp, items); err != nil {
			log.Printf("feed: cache set location=%s: %v", locationID, err)
		}
	}
	return items, nil
}

// Invalidate drops cached pages for locationID and every ancestor, which are
// the only feeds an idea posted there can appear in.
func (e *Engine) Invalidate(ctx context.Context, locationID string) {
	if e.cache == nil {
		return
	}
	ancestors, err := e.graph.Ancestors(locationID)
	if err != nil {
		log.Printf("feed: invalidate location=%s: %v", locationID, err)
		return
	}
	ids := make([]string, 0, len(ancestors)+1)
	ids = append(ids, locationID)
	for _, a := range ancestors {
		ids = append(ids, a.ID)
	}
	if err := e.cache.Invalidate(ctx, ids...); err != nil {
		log.Printf("feed: invalidate locations=%v: %v", ids, err)
	}
}

// Merge de-duplicates rows by id and applies the feed order. It tolerates
// stores that return overlapping or unsorted result sets.
func Merge(batches ...[]store.Idea) []store.Idea {
	seen := make(map[string]struct{})
	out := make([]store.Idea, 0)
	for _, batch := range batches {
		for _, item := range batch {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Less is the feed order.
func Less(a, b store.Idea) bool {
	if a.SupportCount != b.SupportCount {
		return a.SupportCount > b.SupportCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
