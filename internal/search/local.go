package search

import (
	"context"
	"strings"

	"townhall/api/internal/store"
)

type ideaLister interface {
	ListIdeasAt(ctx context.Context, locationIDs []string, limit, offset int) ([]store.Idea, error)
}

// Local scans ideas straight from the store. It serves the in-memory
// deployment, where neither Meilisearch nor Postgres is available.
type Local struct {
	ideas     ideaLister
	locations func() []string
}

func NewLocal(ideas ideaLister, locations func() []string) *Local {
	return &Local{ideas: ideas, locations: locations}
}

func (l *Local) Healthy() bool {
	return true
}

// Search matches ideas whose title, description or tags contain every word
// of the query, case-insensitively, in feed order.
func (l *Local) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 || len(q.LocationIDs) == 0 {
		return nil, 0, nil
	}
	ideas, err := l.ideas.ListIdeasAt(ctx, q.LocationIDs, -1, 0)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]Result, 0)
	for _, idea := range ideas {
		haystack := strings.ToLower(idea.Title + " " + idea.Description + " " + strings.Join(idea.Tags, " "))
		if !containsAll(haystack, terms) {
			continue
		}
		matched = append(matched, Result{
			ID:           idea.ID,
			LocationID:   idea.LocationID,
			Title:        idea.Title,
			Snippet:      snippet(idea.Description, 30),
			SupportCount: idea.SupportCount,
		})
	}

	total := len(matched)
	offset := max(q.Offset, 0)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := min(offset+normalizeLimit(q.Limit), total)
	return matched[offset:end], total, nil
}

func (l *Local) LoadAllIdeas(ctx context.Context) ([]IdeaRecord, error) {
	ideas, err := l.ideas.ListIdeasAt(ctx, l.locations(), -1, 0)
	if err != nil {
		return nil, err
	}
	records := make([]IdeaRecord, 0, len(ideas))
	for _, idea := range ideas {
		records = append(records, RecordFromIdea(idea))
	}
	return records, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// snippet keeps the first n words of text.
func snippet(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ") + "…"
}
