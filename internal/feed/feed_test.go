package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"townhall/api/internal/location"
	"townhall/api/internal/store"
)

func ptr(s string) *string { return &s }

type fixture struct {
	mem   *store.MemoryStore
	graph *location.Graph
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	if err := mem.UpsertLocations(ctx, []store.Location{
		{ID: "ca", Kind: "country", Name: "Canada"},
		{ID: "ca-mb", Kind: "province", ParentID: ptr("ca"), Name: "Manitoba", Position: 1},
		{ID: "ca-on", Kind: "province", ParentID: ptr("ca"), Name: "Ontario", Position: 2},
		{ID: "fr-mb-brandon-souris", Kind: "federalRiding", ParentID: ptr("ca-mb"), Name: "Brandon-Souris", Position: 3},
		{ID: "town-abc", Kind: "town", ParentID: ptr("ca-mb"), Name: "Abc", Position: 4},
		{ID: "town-ottawa", Kind: "town", ParentID: ptr("ca-on"), Name: "Ottawa", Position: 5},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, id := range []string{"author", "u1", "u2", "u3"} {
		if err := mem.EnsureUser(ctx, id, id); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
	}
	graph := location.NewGraph(mem)
	if err := graph.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return fixture{mem: mem, graph: graph}
}

func (f fixture) idea(t *testing.T, id, locationID string, created time.Time) {
	t.Helper()
	if err := f.mem.InsertIdea(context.Background(), store.Idea{ID: id, LocationID: locationID, AuthorID: "author", Title: id, CreatedAt: created}); err != nil {
		t.Fatalf("insert idea %s: %v", id, err)
	}
}

func (f fixture) support(t *testing.T, userID, ideaID string) {
	t.Helper()
	if _, err := f.mem.Support(context.Background(), store.SupportInput{UserID: userID, IdeaID: ideaID, At: time.Now()}); err != nil {
		t.Fatalf("support: %v", err)
	}
}

func feedIDs(t *testing.T, e *Engine, locationID string) []string {
	t.Helper()
	items, err := e.IdeasVisibleAt(context.Background(), locationID, Page{Limit: MaxLimit})
	if err != nil {
		t.Fatalf("IdeasVisibleAt(%s): %v", locationID, err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func TestBubblingAcrossLevels(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.idea(t, "bridge", "fr-mb-brandon-souris", base)
	f.idea(t, "park", "town-abc", base.Add(time.Hour))
	f.idea(t, "transit", "ca-mb", base.Add(2*time.Hour))
	f.idea(t, "canal", "town-ottawa", base.Add(3*time.Hour))
	f.idea(t, "national", "ca", base.Add(4*time.Hour))
	for _, u := range []string{"u1", "u2", "u3"} {
		f.support(t, u, "bridge")
	}

	e := NewEngine(f.graph, f.mem, nil, nil)

	riding, err := e.IdeasVisibleAt(context.Background(), "fr-mb-brandon-souris", Page{})
	if err != nil {
		t.Fatalf("riding feed: %v", err)
	}
	if len(riding) != 1 || riding[0].SupportCount != 3 {
		t.Fatalf("unexpected riding feed %+v", riding)
	}

	if got, want := feedIDs(t, e, "ca-mb"), []string{"bridge", "transit", "park"}; !equal(got, want) {
		t.Fatalf("province feed = %v, want %v", got, want)
	}
	if got, want := feedIDs(t, e, "ca"), []string{"bridge", "national", "canal", "transit", "park"}; !equal(got, want) {
		t.Fatalf("country feed = %v, want %v", got, want)
	}
	if got := feedIDs(t, e, "town-ottawa"); !equal(got, []string{"canal"}) {
		t.Fatalf("unexpected ottawa feed %v", got)
	}
}

func TestAncestorFeedIsUnionOfChildren(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.idea(t, "a", "fr-mb-brandon-souris", base)
	f.idea(t, "b", "town-abc", base)
	f.idea(t, "c", "ca-mb", base)
	e := NewEngine(f.graph, f.mem, nil, nil)

	union := map[string]int{}
	for _, loc := range []string{"fr-mb-brandon-souris", "town-abc"} {
		for _, id := range feedIDs(t, e, loc) {
			union[id]++
		}
	}
	union["c"]++
	province := feedIDs(t, e, "ca-mb")
	if len(province) != len(union) {
		t.Fatalf("province feed %v is not the union %v", province, union)
	}
	for _, id := range province {
		if union[id] != 1 {
			t.Fatalf("idea %s appears %d times across children", id, union[id])
		}
	}
}

func TestUnknownLocationAndEmptyFeed(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.graph, f.mem, nil, nil)

	if _, err := e.IdeasVisibleAt(context.Background(), "nowhere", Page{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	items, err := e.IdeasVisibleAt(context.Background(), "town-abc", Page{})
	if err != nil || items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil feed, got %v %v", items, err)
	}
}

type overlappingLister struct{ rows []store.Idea }

func (o overlappingLister) ListIdeasAt(context.Context, []string, int, int) ([]store.Idea, error) {
	return o.rows, nil
}

func TestMergeDropsDuplicatesAndResorts(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []store.Idea{
		{ID: "b", SupportCount: 1, CreatedAt: base},
		{ID: "a", SupportCount: 1, CreatedAt: base},
		{ID: "b", SupportCount: 1, CreatedAt: base},
		{ID: "z", SupportCount: 4, CreatedAt: base},
		{ID: "n", SupportCount: 1, CreatedAt: base.Add(time.Minute)},
	}
	e := NewEngine(f.graph, overlappingLister{rows: rows}, nil, nil)

	if got, want := feedIDs(t, e, "ca"), []string{"z", "n", "a", "b"}; !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPageNormalize(t *testing.T) {
	tests := []struct {
		in, want Page
	}{
		{Page{}, Page{Limit: DefaultLimit}},
		{Page{Limit: 500, Offset: -3}, Page{Limit: MaxLimit}},
		{Page{Limit: 5, Offset: 10}, Page{Limit: 5, Offset: 10}},
	}
	for _, tc := range tests {
		if got := tc.in.Normalize(); got != tc.want {
			t.Fatalf("Normalize(%+v) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPaginationWalksFeed(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.idea(t, fmt.Sprintf("idea-%d", i), "town-abc", base.Add(time.Duration(i)*time.Minute))
	}
	e := NewEngine(f.graph, f.mem, nil, nil)

	first, err := e.IdeasVisibleAt(context.Background(), "ca", Page{Limit: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	second, err := e.IdeasVisibleAt(context.Background(), "ca", Page{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(first) != 2 || len(second) != 2 || first[0].ID != "idea-4" || second[0].ID != "idea-2" {
		t.Fatalf("unexpected pages %v / %v", first, second)
	}
}

func TestRedisCacheServesAndInvalidatesAncestors(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer cache.Close()

	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.idea(t, "bridge", "fr-mb-brandon-souris", base)
	e := NewEngine(f.graph, f.mem, cache, nil)

	if got := feedIDs(t, e, "ca"); !equal(got, []string{"bridge"}) {
		t.Fatalf("unexpected first read %v", got)
	}

	// A write that skips invalidation stays hidden behind the cached page.
	f.idea(t, "park", "town-abc", base.Add(time.Hour))
	if got := feedIDs(t, e, "ca"); !equal(got, []string{"bridge"}) {
		t.Fatalf("expected cached page, got %v", got)
	}

	e.Invalidate(context.Background(), "town-abc")
	if got := feedIDs(t, e, "ca"); !equal(got, []string{"park", "bridge"}) {
		t.Fatalf("expected fresh page after invalidation, got %v", got)
	}
	if got := mr.Exists("feed:gen:ca-mb"); !got {
		t.Fatal("expected province generation to be bumped")
	}
	if got := mr.Exists("feed:gen:ca-on"); got {
		t.Fatal("sibling province generation must not change")
	}
}

func TestRedisCacheStaleStampIsNeverServed(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()
	page := Page{Limit: 20}

	_, hit, stamp, err := cache.Get(ctx, "ca", page)
	if err != nil || hit {
		t.Fatalf("expected miss, hit=%v err=%v", hit, err)
	}
	if err := cache.Invalidate(ctx, "ca"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := cache.Set(ctx, "ca", page, stamp, []store.Idea{{ID: "stale"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, hit, _, err = cache.Get(ctx, "ca", page)
	if err != nil || hit {
		t.Fatalf("stale page must not be served, hit=%v err=%v", hit, err)
	}
}

func TestCacheErrorsFallBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer cache.Close()

	f := newFixture(t)
	f.idea(t, "bridge", "town-abc", time.Now())
	e := NewEngine(f.graph, f.mem, cache, nil)

	mr.Close()
	if got := feedIDs(t, e, "ca"); !equal(got, []string{"bridge"}) {
		t.Fatalf("expected store fallback, got %v", got)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
