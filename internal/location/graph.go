// Package location holds the validated location tree and answers hierarchy
// queries from an immutable snapshot.
package location

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"townhall/api/internal/store"
)

var (
	ErrNotFound = fmt.Errorf("location: %w", store.ErrNotFound)
	ErrInvalid  = errors.New("invalid location tree")
)

type Location struct {
	ID       string
	Kind     Kind
	ParentID string
	Name     string
	Position int
}

// snapshot is never mutated after build returns.
type snapshot struct {
	byID     map[string]Location
	children map[string][]string
	// closure maps an ancestor to its descendant ids, itself included.
	closure map[string]map[string]struct{}
	// ordered lists the closure in feed-stable order.
	ordered map[string][]string
}

// Validate checks seed rows against the hierarchy rules: known kinds, legal
// parent kinds and a single country root.
func Validate(items []store.Location) error {
	_, err := build(items)
	return err
}

// build validates seed rows and precomputes the closure index.
func build(items []store.Location) (*snapshot, error) {
	snap := &snapshot{
		byID:     make(map[string]Location, len(items)),
		children: make(map[string][]string),
		closure:  make(map[string]map[string]struct{}, len(items)),
		ordered:  make(map[string][]string, len(items)),
	}

	roots := 0
	for _, item := range items {
		kind, err := ParseKind(item.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, item.ID, err)
		}
		if _, dup := snap.byID[item.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalid, item.ID)
		}
		loc := Location{ID: item.ID, Kind: kind, Name: item.Name, Position: item.Position}
		if item.ParentID != nil {
			loc.ParentID = *item.ParentID
		}
		if kind == KindCountry {
			if loc.ParentID != "" {
				return nil, fmt.Errorf("%w: country %s has a parent", ErrInvalid, item.ID)
			}
			roots++
		}
		snap.byID[loc.ID] = loc
	}
	if len(items) > 0 && roots != 1 {
		return nil, fmt.Errorf("%w: expected exactly one country, found %d", ErrInvalid, roots)
	}

	for _, loc := range snap.byID {
		if loc.Kind == KindCountry {
			continue
		}
		parent, ok := snap.byID[loc.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s references unknown parent %q", ErrInvalid, loc.ID, loc.ParentID)
		}
		// Kinds carry fixed levels, so a legal parent kind also rules out cycles.
		want, _ := loc.Kind.LegalParent()
		if parent.Kind != want {
			return nil, fmt.Errorf("%w: %s (%s) cannot sit under %s (%s)", ErrInvalid, loc.ID, loc.Kind, parent.ID, parent.Kind)
		}
		snap.children[parent.ID] = append(snap.children[parent.ID], loc.ID)
	}

	for parentID, ids := range snap.children {
		sort.SliceStable(ids, func(i, j int) bool {
			a, b := snap.byID[ids[i]], snap.byID[ids[j]]
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			if a.Position != b.Position {
				return a.Position < b.Position
			}
			return a.ID < b.ID
		})
		snap.children[parentID] = ids
	}

	for id := range snap.byID {
		ordered := snap.collect(id, nil)
		set := make(map[string]struct{}, len(ordered))
		for _, d := range ordered {
			set[d] = struct{}{}
		}
		snap.closure[id] = set
		snap.ordered[id] = ordered
	}
	return snap, nil
}

func (s *snapshot) collect(id string, acc []string) []string {
	acc = append(acc, id)
	for _, child := range s.children[id] {
		acc = s.collect(child, acc)
	}
	return acc
}

type locationSource interface {
	ListLocations(ctx context.Context) ([]store.Location, error)
	RenameLocation(ctx context.Context, locationID, name string) error
}

// Graph serves hierarchy queries. Reads use the current snapshot without
// locking; Reload swaps in a new one.
type Graph struct {
	source locationSource
	snap   atomic.Pointer[snapshot]
}

func NewGraph(source locationSource) *Graph {
	g := &Graph{source: source}
	empty, _ := build(nil)
	g.snap.Store(empty)
	return g
}

// Reload rebuilds the snapshot from the store. The previous snapshot stays
// in place if the stored tree fails validation.
func (g *Graph) Reload(ctx context.Context) error {
	items, err := g.source.ListLocations(ctx)
	if err != nil {
		return fmt.Errorf("load locations: %w", err)
	}
	snap, err := build(items)
	if err != nil {
		return err
	}
	g.snap.Store(snap)
	return nil
}

// Rename edits a location name, the only mutable field.
func (g *Graph) Rename(ctx context.Context, id, name string) error {
	if _, err := g.Get(id); err != nil {
		return err
	}
	if err := g.source.RenameLocation(ctx, id, name); err != nil {
		return err
	}
	return g.Reload(ctx)
}

func (g *Graph) Len() int {
	return len(g.snap.Load().byID)
}

func (g *Graph) Get(id string) (Location, error) {
	loc, ok := g.snap.Load().byID[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return loc, nil
}

// Parent returns the parent of id; ok is false for the country.
func (g *Graph) Parent(id string) (Location, bool, error) {
	snap := g.snap.Load()
	loc, ok := snap.byID[id]
	if !ok {
		return Location{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if loc.ParentID == "" {
		return Location{}, false, nil
	}
	return snap.byID[loc.ParentID], true, nil
}

// Children lists the direct children of id ordered by name, then insertion.
// An empty kind matches every child.
func (g *Graph) Children(id string, kind Kind) ([]Location, error) {
	snap := g.snap.Load()
	if _, ok := snap.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]Location, 0, len(snap.children[id]))
	for _, childID := range snap.children[id] {
		child := snap.byID[childID]
		if kind != "" && child.Kind != kind {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// Provinces lists the provinces of a country.
func (g *Graph) Provinces(countryID string) ([]Location, error) {
	country, err := g.Get(countryID)
	if err != nil {
		return nil, err
	}
	if country.Kind != KindCountry {
		return nil, fmt.Errorf("%w: %s is not a country", ErrInvalid, countryID)
	}
	return g.Children(countryID, KindProvince)
}

// IsDescendant reports whether candidate sits strictly below ancestor.
func (g *Graph) IsDescendant(candidateID, ancestorID string) (bool, error) {
	snap := g.snap.Load()
	if _, ok := snap.byID[candidateID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, candidateID)
	}
	set, ok := snap.closure[ancestorID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, ancestorID)
	}
	if candidateID == ancestorID {
		return false, nil
	}
	_, below := set[candidateID]
	return below, nil
}

// DescendantsOf returns id and everything below it, parents before children.
func (g *Graph) DescendantsOf(id string) ([]Location, error) {
	snap := g.snap.Load()
	ids, ok := snap.ordered[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]Location, 0, len(ids))
	for _, d := range ids {
		out = append(out, snap.byID[d])
	}
	return out, nil
}

// DescendantIDs is DescendantsOf without the record copies.
func (g *Graph) DescendantIDs(id string) ([]string, error) {
	ids, ok := g.snap.Load().ordered[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]string(nil), ids...), nil
}

// Ancestors returns the chain above id, nearest first.
func (g *Graph) Ancestors(id string) ([]Location, error) {
	snap := g.snap.Load()
	loc, ok := snap.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]Location, 0, 2)
	for loc.ParentID != "" {
		loc = snap.byID[loc.ParentID]
		out = append(out, loc)
	}
	return out, nil
}

// IDs lists every location id in the snapshot, sorted.
func (g *Graph) IDs() []string {
	snap := g.snap.Load()
	out := make([]string, 0, len(snap.byID))
	for id := range snap.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
