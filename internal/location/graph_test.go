package location

import (
	"context"
	"errors"
	"testing"

	"townhall/api/internal/store"
)

func ptr(s string) *string { return &s }

func seed() []store.Location {
	return []store.Location{
		{ID: "ca", Kind: "country", Name: "Canada"},
		{ID: "ca-mb", Kind: "province", ParentID: ptr("ca"), Name: "Manitoba", Position: 1},
		{ID: "ca-on", Kind: "province", ParentID: ptr("ca"), Name: "Ontario", Position: 2},
		{ID: "fr-mb-brandon-souris", Kind: "federalRiding", ParentID: ptr("ca-mb"), Name: "Brandon-Souris", Position: 3},
		{ID: "town-abc", Kind: "town", ParentID: ptr("ca-mb"), Name: "Abc", Position: 4},
		{ID: "town-abc-2", Kind: "town", ParentID: ptr("ca-mb"), Name: "Abc", Position: 5},
		{ID: "fn-peguis", Kind: "firstNation", ParentID: ptr("ca-mb"), Name: "Peguis", Position: 6},
		{ID: "town-ottawa", Kind: "town", ParentID: ptr("ca-on"), Name: "Ottawa", Position: 7},
	}
}

func newSeededGraph(t *testing.T) *Graph {
	t.Helper()
	mem := store.NewMemoryStore()
	if err := mem.UpsertLocations(context.Background(), seed()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	g := NewGraph(mem)
	if err := g.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return g
}

func ids(items []Location) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
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

func TestValidateRejectsIllegalTrees(t *testing.T) {
	tests := []struct {
		name  string
		items []store.Location
	}{
		{name: "unknown kind", items: []store.Location{{ID: "ca", Kind: "planet"}}},
		{name: "two countries", items: []store.Location{{ID: "ca", Kind: "country"}, {ID: "us", Kind: "country"}}},
		{name: "country with parent", items: []store.Location{{ID: "ca", Kind: "country", ParentID: ptr("x")}}},
		{name: "town under country", items: []store.Location{
			{ID: "ca", Kind: "country"},
			{ID: "t", Kind: "town", ParentID: ptr("ca")},
		}},
		{name: "province under province", items: []store.Location{
			{ID: "ca", Kind: "country"},
			{ID: "p1", Kind: "province", ParentID: ptr("ca")},
			{ID: "p2", Kind: "province", ParentID: ptr("p1")},
		}},
		{name: "dangling parent", items: []store.Location{
			{ID: "ca", Kind: "country"},
			{ID: "p1", Kind: "province", ParentID: ptr("zz")},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.items); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if err := Validate(seed()); err != nil {
		t.Fatalf("seed should be valid: %v", err)
	}
}

func TestChildrenOrderedByNameThenInsertion(t *testing.T) {
	g := newSeededGraph(t)

	children, err := g.Children("ca-mb", "")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	want := []string{"town-abc", "town-abc-2", "fr-mb-brandon-souris", "fn-peguis"}
	if got := ids(children); !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	towns, err := g.Children("ca-mb", KindTown)
	if err != nil {
		t.Fatalf("Children(town): %v", err)
	}
	if got := ids(towns); !equal(got, []string{"town-abc", "town-abc-2"}) {
		t.Fatalf("unexpected towns %v", got)
	}

	leaf, err := g.Children("town-abc", "")
	if err != nil || len(leaf) != 0 {
		t.Fatalf("expected empty children for leaf, got %v %v", leaf, err)
	}
}

func TestProvinces(t *testing.T) {
	g := newSeededGraph(t)
	provinces, err := g.Provinces("ca")
	if err != nil {
		t.Fatalf("Provinces: %v", err)
	}
	if got := ids(provinces); !equal(got, []string{"ca-mb", "ca-on"}) {
		t.Fatalf("unexpected provinces %v", got)
	}
	if _, err := g.Provinces("ca-mb"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for non-country, got %v", err)
	}
}

func TestDescendantQueries(t *testing.T) {
	g := newSeededGraph(t)

	cases := []struct {
		candidate, ancestor string
		want                bool
	}{
		{"fr-mb-brandon-souris", "ca-mb", true},
		{"fr-mb-brandon-souris", "ca", true},
		{"ca-mb", "ca", true},
		{"town-ottawa", "ca-mb", false},
		{"ca", "ca-mb", false},
		{"ca-mb", "ca-mb", false},
	}
	for _, tc := range cases {
		got, err := g.IsDescendant(tc.candidate, tc.ancestor)
		if err != nil {
			t.Fatalf("IsDescendant(%s, %s): %v", tc.candidate, tc.ancestor, err)
		}
		if got != tc.want {
			t.Fatalf("IsDescendant(%s, %s) = %v, want %v", tc.candidate, tc.ancestor, got, tc.want)
		}
	}

	all, err := g.DescendantsOf("ca")
	if err != nil {
		t.Fatalf("DescendantsOf: %v", err)
	}
	if len(all) != len(seed()) || all[0].ID != "ca" {
		t.Fatalf("expected every location with ca first, got %v", ids(all))
	}
	own, err := g.DescendantIDs("town-abc")
	if err != nil || !equal(own, []string{"town-abc"}) {
		t.Fatalf("leaf descendants should be itself, got %v %v", own, err)
	}
}

func TestUnknownIDsAreNotFound(t *testing.T) {
	g := newSeededGraph(t)

	if _, _, err := g.Parent("nowhere"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Parent: expected not found, got %v", err)
	}
	if _, err := g.Children("nowhere", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Children: expected not found, got %v", err)
	}
	if _, err := g.IsDescendant("nowhere", "ca"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("IsDescendant: expected not found, got %v", err)
	}
	if _, err := g.DescendantsOf("nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DescendantsOf: expected not found, got %v", err)
	}
}

func TestParentAndAncestors(t *testing.T) {
	g := newSeededGraph(t)

	parent, ok, err := g.Parent("fn-peguis")
	if err != nil || !ok || parent.ID != "ca-mb" {
		t.Fatalf("unexpected parent %+v ok=%v err=%v", parent, ok, err)
	}
	_, ok, err = g.Parent("ca")
	if err != nil || ok {
		t.Fatalf("country should have no parent, ok=%v err=%v", ok, err)
	}
	chain, err := g.Ancestors("fn-peguis")
	if err != nil || !equal(ids(chain), []string{"ca-mb", "ca"}) {
		t.Fatalf("unexpected ancestors %v err=%v", ids(chain), err)
	}
}

func TestRenameReloadsSnapshot(t *testing.T) {
	g := newSeededGraph(t)
	if err := g.Rename(context.Background(), "town-abc", "Zed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	loc, err := g.Get("town-abc")
	if err != nil || loc.Name != "Zed" {
		t.Fatalf("expected renamed location, got %+v %v", loc, err)
	}
	children, _ := g.Children("ca-mb", KindTown)
	if got := ids(children); !equal(got, []string{"town-abc-2", "town-abc"}) {
		t.Fatalf("expected re-sorted children, got %v", got)
	}
}
