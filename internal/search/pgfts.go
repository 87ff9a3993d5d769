package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const ftsWhere = `i.fts @@ plainto_tsquery('english', $1)
	AND i.location_id IN (SELECT jsonb_array_elements_text($2::jsonb))`

// Search ranks matching ideas with ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.LocationIDs) == 0 {
		return nil, 0, nil
	}
	ids, err := json.Marshal(q.LocationIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts encode locations: %w", err)
	}
	args := []any{q.Text, string(ids)}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM ideas i WHERE `+ftsWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT i.id, i.location_id, i.title,
			ts_headline('english', coalesce(i.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			i.support_count
		FROM ideas i
		WHERE %s
		ORDER BY ts_rank(i.fts, plainto_tsquery('english', $1)) DESC, i.support_count DESC, i.id ASC
		LIMIT %d OFFSET %d`, ftsWhere, normalizeLimit(q.Limit), max(q.Offset, 0))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.LocationID, &r.Title, &r.Snippet, &r.SupportCount); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllIdeas returns every idea for full reindexing.
func (p *PgFTS) LoadAllIdeas(ctx context.Context) ([]IdeaRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, location_id, title, description, tags, support_count, created_at
		FROM ideas
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load ideas: %w", err)
	}
	defer rows.Close()

	records := make([]IdeaRecord, 0)
	for rows.Next() {
		var (
			rec  IdeaRecord
			tags []byte
			at   sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.LocationID, &rec.Title, &rec.Description, &tags, &rec.SupportCount, &at); err != nil {
			return nil, fmt.Errorf("scan idea: %w", err)
		}
		rec.Tags = []string{}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &rec.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for %s: %w", rec.ID, err)
			}
		}
		if at.Valid {
			rec.CreatedAt = at.Time.UTC().UnixMilli()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ideas: %w", err)
	}
	return records, nil
}
