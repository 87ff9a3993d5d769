// Package search finds ideas by text within a location and everything below
// it.
package search

import (
	"context"

	"townhall/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	LocationID   string `json:"locationId"`
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
	SupportCount int64  `json:"supportCount"`
}

// Query describes a search request. LocationIDs is the resolved descendant
// set of LocationID and is filled in by the Service.
type Query struct {
	Text        string
	LocationID  string
	LocationIDs []string
	Limit       int
	Offset      int
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

// Loader returns every idea for a full reindex.
type Loader interface {
	LoadAllIdeas(ctx context.Context) ([]IdeaRecord, error)
}

// IdeaRecord is the data we index for an idea.
type IdeaRecord struct {
	ID           string   `json:"id"`
	LocationID   string   `json:"locationId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
	SupportCount int64    `json:"supportCount"`
	CreatedAt    int64    `json:"createdAt"`
}

func RecordFromIdea(idea store.Idea) IdeaRecord {
	tags := idea.Tags
	if tags == nil {
		tags = []string{}
	}
	return IdeaRecord{
		ID:           idea.ID,
		LocationID:   idea.LocationID,
		Title:        idea.Title,
		Description:  idea.Description,
		Tags:         tags,
		SupportCount: idea.SupportCount,
		CreatedAt:    idea.CreatedAt.UTC().UnixMilli(),
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
