package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"townhall/api/internal/util"
)

type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, timeout: timeout}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify("ping", s.db.PingContext(ctx))
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) ListLocations(ctx context.Context) ([]Location, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, parent_id, name, position
		FROM locations
		ORDER BY position, id
	`)
	if err != nil {
		return nil, classify("list locations", err)
	}
	defer rows.Close()

	items := make([]Location, 0)
	for rows.Next() {
		var item Location
		var parentID sql.NullString
		if err := rows.Scan(&item.ID, &item.Kind, &parentID, &item.Name, &item.Position); err != nil {
			return nil, classify("scan location", err)
		}
		if parentID.Valid {
			parent := parentID.String
			item.ParentID = &parent
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate locations", err)
	}
	return items, nil
}

// UpsertLocations seeds locations in one transaction, parents first. Kind and
// parent of an existing location are immutable; only the name is updated.
func (s *PostgresStore) UpsertLocations(ctx context.Context, items []Location) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ordered := orderParentsFirst(items)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, item := range ordered {
			result, err := tx.ExecContext(ctx, `
				INSERT INTO locations (id, kind, parent_id, name, position)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name
				WHERE locations.kind = EXCLUDED.kind
					AND locations.parent_id IS NOT DISTINCT FROM EXCLUDED.parent_id
			`, item.ID, item.Kind, nullableString(item.ParentID), item.Name, item.Position)
			if err != nil {
				return fmt.Errorf("upsert location %s: %w", item.ID, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("upsert location rows: %w", err)
			}
			if affected == 0 {
				return fmt.Errorf("location %s changes kind or parent: %w", item.ID, ErrConflict)
			}
		}
		return nil
	})
	return classify("upsert locations", err)
}

func (s *PostgresStore) RenameLocation(ctx context.Context, locationID, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `UPDATE locations SET name=$2 WHERE id=$1`, locationID, name)
	if err != nil {
		return classify("rename location", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify("rename location rows", err)
	}
	if affected == 0 {
		return classify("rename location", ErrNotFound)
	}
	return nil
}

// orderParentsFirst sorts seed rows so every parent present in the batch is
// inserted before its children.
func orderParentsFirst(items []Location) []Location {
	inBatch := make(map[string]Location, len(items))
	for _, item := range items {
		inBatch[item.ID] = item
	}
	depth := func(item Location) int {
		d := 0
		for seen := 0; item.ParentID != nil && seen < len(items); seen++ {
			parent, ok := inBatch[*item.ParentID]
			if !ok {
				break
			}
			d++
			item = parent
		}
		return d
	}
	ordered := append([]Location(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depth(ordered[i]) < depth(ordered[j])
	})
	return ordered
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID, displayName string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name)
	`, userID, displayName)
	return classify("ensure user", err)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.DisplayName)
	if err != nil {
		return User{}, classify("get user", err)
	}
	return user, nil
}

const ideaColumns = `i.id, i.location_id, i.author_id, COALESCE(u.display_name, ''), i.title, i.description,
	i.tags, i.support_count, i.created_at, i.updated_at`

func scanIdea(row rowScanner) (Idea, error) {
	var item Idea
	var tagsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.LocationID,
		&item.AuthorID,
		&item.AuthorName,
		&item.Title,
		&item.Description,
		&tagsRaw,
		&item.SupportCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Idea{}, err
	}
	item.Tags = []string{}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &item.Tags); err != nil {
			return Idea{}, fmt.Errorf("decode idea tags: %w", err)
		}
	}
	return item, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal idea tags: %w", err)
	}
	return string(encoded), nil
}

func (s *PostgresStore) InsertIdea(ctx context.Context, item Idea) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ideas (id, location_id, author_id, title, description, tags, support_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 0, $7, $7)
	`, item.ID, item.LocationID, item.AuthorID, item.Title, item.Description, tags, item.CreatedAt)
	return classify("insert idea", err)
}

func getIdea(ctx context.Context, q queryer, ideaID string) (Idea, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+ideaColumns+`
		FROM ideas i
		LEFT JOIN users u ON u.id = i.author_id
		WHERE i.id=$1
	`, ideaID)
	return scanIdea(row)
}

func (s *PostgresStore) GetIdea(ctx context.Context, ideaID string) (Idea, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	item, err := getIdea(ctx, s.db, ideaID)
	if err != nil {
		return Idea{}, classify("get idea", err)
	}
	return item, nil
}

// UpdateIdea edits the author-owned fields. support_count is left alone.
func (s *PostgresStore) UpdateIdea(ctx context.Context, item Idea) (Idea, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tags, err := encodeTags(item.Tags)
	if err != nil {
		return Idea{}, err
	}
	var updated Idea
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE ideas
			SET title=$2, description=$3, tags=$4::jsonb, updated_at=$5
			WHERE id=$1
		`, item.ID, item.Title, item.Description, tags, item.UpdatedAt)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		updated, err = getIdea(ctx, tx, item.ID)
		return err
	})
	if err != nil {
		return Idea{}, classify("update idea", err)
	}
	return updated, nil
}

// ListIdeasAt returns ideas posted at any of locationIDs in feed order.
func (s *PostgresStore) ListIdeasAt(ctx context.Context, locationIDs []string, limit, offset int) ([]Idea, error) {
	if len(locationIDs) == 0 {
		return []Idea{}, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	encodedIDs, err := json.Marshal(locationIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal location ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ideaColumns+`
		FROM ideas i
		LEFT JOIN users u ON u.id = i.author_id
		WHERE i.location_id IN (SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY i.support_count DESC, i.created_at DESC, i.id ASC
		LIMIT $2 OFFSET $3
	`, string(encodedIDs), limit, offset)
	if err != nil {
		return nil, classify("list ideas", err)
	}
	defer rows.Close()

	items := make([]Idea, 0)
	for rows.Next() {
		item, err := scanIdea(rows)
		if err != nil {
			return nil, classify("scan idea", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate ideas", err)
	}
	return items, nil
}

// Support records (user, idea) once. A repeated call changes nothing.
func (s *PostgresStore) Support(ctx context.Context, in SupportInput) (SupportResult, error) {
	return s.applySupport(ctx, in, 1)
}

// Unsupport removes a support; removing a missing one changes nothing.
func (s *PostgresStore) Unsupport(ctx context.Context, in SupportInput) (SupportResult, error) {
	return s.applySupport(ctx, in, -1)
}

func (s *PostgresStore) applySupport(ctx context.Context, in SupportInput, delta int64) (SupportResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out SupportResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			result sql.Result
			err    error
		)
		if delta > 0 {
			result, err = tx.ExecContext(ctx, `
				INSERT INTO supports (user_id, idea_id, created_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, idea_id) DO NOTHING
			`, in.UserID, in.IdeaID, in.At)
		} else {
			result, err = tx.ExecContext(ctx, `DELETE FROM supports WHERE user_id=$1 AND idea_id=$2`, in.UserID, in.IdeaID)
		}
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if affected > 0 {
			var authorID, locationID string
			if err := tx.QueryRowContext(ctx, `
				UPDATE ideas SET support_count = support_count + $2
				WHERE id=$1
				RETURNING author_id, location_id
			`, in.IdeaID, delta).Scan(&authorID, &locationID); err != nil {
				return err
			}
			event := in.Points
			event.UserID = authorID
			event.ReferenceID = in.IdeaID
			event.LocationID = locationID
			event.Amount = delta * abs(event.Amount)
			if event.CreatedAt.IsZero() {
				event.CreatedAt = in.At
			}
			if err := appendPointEvent(ctx, tx, event); err != nil {
				return err
			}
			out.Changed = true
		}

		out.Idea, err = getIdea(ctx, tx, in.IdeaID)
		return err
	})
	if err != nil {
		if delta > 0 {
			return SupportResult{}, classify("support idea", err)
		}
		return SupportResult{}, classify("unsupport idea", err)
	}
	return out, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func appendPointEvent(ctx context.Context, q queryer, event PointEvent) error {
	if event.Amount == 0 {
		return nil
	}
	if event.ID == "" {
		event.ID = util.NewID("pt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO point_events (id, user_id, amount, source, reference_id, location_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, event.ID, event.UserID, event.Amount, event.Source, event.ReferenceID, event.LocationID, event.CreatedAt); err != nil {
		return fmt.Errorf("append point event: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO user_points (user_id, total)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET total = user_points.total + EXCLUDED.total
	`, event.UserID, event.Amount); err != nil {
		return fmt.Errorf("update user points: %w", err)
	}
	if event.LocationID != "" {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO user_location_points (user_id, location_id, total)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, location_id) DO UPDATE SET total = user_location_points.total + EXCLUDED.total
		`, event.UserID, event.LocationID, event.Amount); err != nil {
			return fmt.Errorf("update location points: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendPointEvent(ctx context.Context, event PointEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return appendPointEvent(ctx, tx, event)
	})
	return classify("append point event", err)
}

func (s *PostgresStore) TotalPoints(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT total FROM user_points WHERE user_id=$1`, userID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("total points", err)
	}
	return total, nil
}

func (s *PostgresStore) LocationPoints(ctx context.Context, userID string) (map[string]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT location_id, total FROM user_location_points WHERE user_id=$1`, userID)
	if err != nil {
		return nil, classify("location points", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var locationID string
		var total int64
		if err := rows.Scan(&locationID, &total); err != nil {
			return nil, classify("scan location points", err)
		}
		totals[locationID] = total
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate location points", err)
	}
	return totals, nil
}

func (s *PostgresStore) ListPointEvents(ctx context.Context, userID string, limit int) ([]PointEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, source, reference_id, COALESCE(location_id, ''), created_at
		FROM point_events
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, classify("list point events", err)
	}
	defer rows.Close()

	items := make([]PointEvent, 0)
	for rows.Next() {
		var item PointEvent
		if err := rows.Scan(&item.ID, &item.UserID, &item.Amount, &item.Source, &item.ReferenceID, &item.LocationID, &item.CreatedAt); err != nil {
			return nil, classify("scan point event", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate point events", err)
	}
	return items, nil
}

// GrantBadge inserts the badge if absent and, only then, queues its event.
func (s *PostgresStore) GrantBadge(ctx context.Context, badge Badge, event OutboxMessage) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	granted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO badges (user_id, kind, scope, awarded_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, kind, scope) DO NOTHING
		`, badge.UserID, badge.Kind, badge.Scope, badge.AwardedAt)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		granted = true
		return enqueueOutbox(ctx, tx, event)
	})
	if err != nil {
		return false, classify("grant badge", err)
	}
	return granted, nil
}

func (s *PostgresStore) ListBadges(ctx context.Context, userID string) ([]Badge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, kind, scope, awarded_at
		FROM badges
		WHERE user_id=$1
		ORDER BY awarded_at, kind, scope
	`, userID)
	if err != nil {
		return nil, classify("list badges", err)
	}
	defer rows.Close()

	items := make([]Badge, 0)
	for rows.Next() {
		var item Badge
		if err := rows.Scan(&item.UserID, &item.Kind, &item.Scope, &item.AwardedAt); err != nil {
			return nil, classify("scan badge", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate badges", err)
	}
	return items, nil
}

func enqueueOutbox(ctx context.Context, q queryer, msg OutboxMessage) error {
	if msg.Topic == "" {
		return nil
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO outbox (topic, payload, created_at)
		VALUES ($1, $2::jsonb, $3)
	`, msg.Topic, string(msg.Payload), createdAt); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// ClaimOutbox marks up to limit pending messages as claimed and returns them.
// A claimed message is never handed out again.
func (s *PostgresStore) ClaimOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox SET claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox
			WHERE claimed_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, created_at
	`, limit)
	if err != nil {
		return nil, classify("claim outbox", err)
	}
	defer rows.Close()

	items := make([]OutboxMessage, 0)
	for rows.Next() {
		var item OutboxMessage
		if err := rows.Scan(&item.ID, &item.Topic, &item.Payload, &item.CreatedAt); err != nil {
			return nil, classify("scan outbox", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate outbox", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

const planColumns = `id, location_id, year, adhoc, stage, stage_entered_at, stage_deadline, initiator_id, created_at`

func scanPlan(row rowScanner) (Plan, error) {
	var item Plan
	err := row.Scan(
		&item.ID,
		&item.LocationID,
		&item.Year,
		&item.Adhoc,
		&item.Stage,
		&item.StageEnteredAt,
		&item.StageDeadline,
		&item.InitiatorID,
		&item.CreatedAt,
	)
	return item, err
}

// InsertPlan creates a plan. A second non-completed plan for the same slot
// fails with ErrConflict through the uniq_plans_active index.
func (s *PostgresStore) InsertPlan(ctx context.Context, plan Plan) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, location_id, year, adhoc, stage, stage_entered_at, stage_deadline, active_key, initiator_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, plan.ID, plan.LocationID, plan.Year, plan.Adhoc, plan.Stage, plan.StageEnteredAt, plan.StageDeadline,
			ActiveKey(plan), plan.InitiatorID, plan.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plan_stage_log (plan_id, from_stage, to_stage, actor, override, reason, at)
			VALUES ($1, '', $2, $3, FALSE, 'started', $4)
		`, plan.ID, plan.Stage, plan.InitiatorID, plan.StageEnteredAt)
		return err
	})
	return classify("insert plan", err)
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	item, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=$1`, planID))
	if err != nil {
		return Plan{}, classify("get plan", err)
	}
	return item, nil
}

// CurrentPlan prefers the active plan for a location and falls back to the
// most recently created one.
func (s *PostgresStore) CurrentPlan(ctx context.Context, locationID string) (Plan, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	item, err := scanPlan(s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE location_id=$1
		ORDER BY (stage <> 'Completed') DESC, created_at DESC, id DESC
		LIMIT 1
	`, locationID))
	if err != nil {
		return Plan{}, classify("current plan", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDuePlans(ctx context.Context, now time.Time, limit int) ([]Plan, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE stage <> 'Completed' AND stage_deadline <= $1
		ORDER BY stage_deadline, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, classify("list due plans", err)
	}
	defer rows.Close()

	items := make([]Plan, 0)
	for rows.Next() {
		item, err := scanPlan(rows)
		if err != nil {
			return nil, classify("scan plan", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate plans", err)
	}
	return items, nil
}

// ApplyTransition moves a plan from t.FromStage to t.ToStage. It reports
// false, without error, when the plan is no longer in t.FromStage.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	applied := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE plans
			SET stage=$3, stage_entered_at=$4, stage_deadline=$5
			WHERE id=$1 AND stage=$2
		`, t.PlanID, t.FromStage, t.ToStage, t.EnteredAt, t.Deadline)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM plans WHERE id=$1)`, t.PlanID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_stage_log (plan_id, from_stage, to_stage, actor, override, reason, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.PlanID, t.FromStage, t.ToStage, t.Actor, t.Override, t.Reason, t.EnteredAt); err != nil {
			return fmt.Errorf("log stage change: %w", err)
		}
		if err := enqueueOutbox(ctx, tx, t.Event); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, classify("apply transition", err)
	}
	return applied, nil
}

func (s *PostgresStore) ListStageChanges(ctx context.Context, planID string) ([]StageChange, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, from_stage, to_stage, actor, override, reason, at
		FROM plan_stage_log
		WHERE plan_id=$1
		ORDER BY id
	`, planID)
	if err != nil {
		return nil, classify("list stage changes", err)
	}
	defer rows.Close()

	items := make([]StageChange, 0)
	for rows.Next() {
		var item StageChange
		if err := rows.Scan(&item.PlanID, &item.FromStage, &item.ToStage, &item.Actor, &item.Override, &item.Reason, &item.At); err != nil {
			return nil, classify("scan stage change", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate stage changes", err)
	}
	return items, nil
}

// AddContribution stores a contribution while holding the plan row, so the
// stage check and the contributor ordinal cannot race a transition.
func (s *PostgresStore) AddContribution(ctx context.Context, in ContributionInput) (Contribution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	item := in.Contribution
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var stage, locationID string
		if err := tx.QueryRowContext(ctx, `
			SELECT stage, location_id FROM plans WHERE id=$1 FOR UPDATE
		`, item.PlanID).Scan(&stage, &locationID); err != nil {
			return err
		}
		if !containsString(in.AllowedStages, stage) {
			return fmt.Errorf("plan is in %s: %w", stage, ErrStageNotAllowed)
		}

		if item.ParentID != nil {
			var parentKind string
			err := tx.QueryRowContext(ctx, `
				SELECT kind FROM contributions WHERE id=$1 AND plan_id=$2
			`, *item.ParentID, item.PlanID).Scan(&parentKind)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent %s: %w", *item.ParentID, ErrInvalidReference)
			}
			if err != nil {
				return err
			}
			if !containsString(in.ParentKinds, parentKind) {
				return fmt.Errorf("parent kind %s: %w", parentKind, ErrInvalidReference)
			}
		}

		ordinal, err := contributorOrdinal(ctx, tx, item.PlanID, item.AuthorID)
		if err != nil {
			return err
		}
		item.Contributor = ordinal

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contributions (id, plan_id, kind, parent_id, author_id, body, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.PlanID, item.Kind, nullableString(item.ParentID), item.AuthorID, item.Body, item.CreatedAt); err != nil {
			return fmt.Errorf("insert contribution: %w", err)
		}

		event := in.Points
		event.UserID = item.AuthorID
		event.ReferenceID = item.ID
		event.LocationID = locationID
		if event.CreatedAt.IsZero() {
			event.CreatedAt = item.CreatedAt
		}
		return appendPointEvent(ctx, tx, event)
	})
	if err != nil {
		return Contribution{}, classify("add contribution", err)
	}
	return item, nil
}

// contributorOrdinal returns the author's per-plan ordinal, assigning the next
// one on first contribution. Caller must hold the plan row lock.
func contributorOrdinal(ctx context.Context, tx *sql.Tx, planID, userID string) (int, error) {
	var ordinal int
	err := tx.QueryRowContext(ctx, `
		SELECT ordinal FROM plan_contributors WHERE plan_id=$1 AND user_id=$2
	`, planID, userID).Scan(&ordinal)
	if err == nil {
		return ordinal, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup contributor: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		UPDATE plans SET contributor_seq = contributor_seq + 1 WHERE id=$1 RETURNING contributor_seq
	`, planID).Scan(&ordinal); err != nil {
		return 0, fmt.Errorf("next contributor ordinal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plan_contributors (plan_id, user_id, ordinal) VALUES ($1, $2, $3)
	`, planID, userID, ordinal); err != nil {
		return 0, fmt.Errorf("insert contributor: %w", err)
	}
	return ordinal, nil
}

func (s *PostgresStore) ListContributions(ctx context.Context, planID string) ([]Contribution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.plan_id, c.kind, c.parent_id, c.author_id, pc.ordinal, c.body, c.created_at
		FROM contributions c
		JOIN plan_contributors pc ON pc.plan_id = c.plan_id AND pc.user_id = c.author_id
		WHERE c.plan_id=$1
		ORDER BY c.created_at, c.id
	`, planID)
	if err != nil {
		return nil, classify("list contributions", err)
	}
	defer rows.Close()

	items := make([]Contribution, 0)
	for rows.Next() {
		var item Contribution
		var parentID sql.NullString
		if err := rows.Scan(&item.ID, &item.PlanID, &item.Kind, &parentID, &item.AuthorID, &item.Contributor, &item.Body, &item.CreatedAt); err != nil {
			return nil, classify("scan contribution", err)
		}
		if parentID.Valid {
			parent := parentID.String
			item.ParentID = &parent
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate contributions", err)
	}
	return items, nil
}

// CastDecision records one vote per (user, contribution). A repeated vote is
// ignored and reported as false.
func (s *PostgresStore) CastDecision(ctx context.Context, in DecisionInput) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	recorded := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var stage, locationID string
		if err := tx.QueryRowContext(ctx, `
			SELECT stage, location_id FROM plans WHERE id=$1 FOR SHARE
		`, in.PlanID).Scan(&stage, &locationID); err != nil {
			return err
		}
		if stage != in.RequiredStage {
			return fmt.Errorf("plan is in %s: %w", stage, ErrStageNotAllowed)
		}

		var kind string
		err := tx.QueryRowContext(ctx, `
			SELECT kind FROM contributions WHERE id=$1 AND plan_id=$2
		`, in.ContributionID, in.PlanID).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("contribution %s: %w", in.ContributionID, ErrInvalidReference)
		}
		if err != nil {
			return err
		}
		if !containsString(in.DecidableKinds, kind) {
			return fmt.Errorf("contribution kind %s: %w", kind, ErrInvalidReference)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO decision_votes (plan_id, contribution_id, user_id, approve, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (contribution_id, user_id) DO NOTHING
		`, in.PlanID, in.ContributionID, in.UserID, in.Approve, in.At)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		recorded = true

		event := in.Points
		event.UserID = in.UserID
		event.ReferenceID = in.ContributionID
		event.LocationID = locationID
		if event.CreatedAt.IsZero() {
			event.CreatedAt = in.At
		}
		return appendPointEvent(ctx, tx, event)
	})
	if err != nil {
		return false, classify("cast decision", err)
	}
	return recorded, nil
}

func (s *PostgresStore) DecisionTallies(ctx context.Context, planID string) ([]DecisionTally, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT contribution_id,
			COUNT(*) FILTER (WHERE approve),
			COUNT(*) FILTER (WHERE NOT approve)
		FROM decision_votes
		WHERE plan_id=$1
		GROUP BY contribution_id
		ORDER BY contribution_id
	`, planID)
	if err != nil {
		return nil, classify("decision tallies", err)
	}
	defer rows.Close()

	items := make([]DecisionTally, 0)
	for rows.Next() {
		var item DecisionTally
		if err := rows.Scan(&item.ContributionID, &item.Approve, &item.Reject); err != nil {
			return nil, classify("scan decision tally", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate decision tallies", err)
	}
	return items, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
