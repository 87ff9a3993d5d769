package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, time.Second), mock
}

var ideaRowColumns = []string{
	"id", "location_id", "author_id", "display_name", "title", "description",
	"tags", "support_count", "created_at", "updated_at",
}

func TestSupportInsertsOnceAndCreditsAuthor(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO supports").
		WithArgs("fan", "idea-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE ideas SET support_count = support_count \\+").
		WithArgs("idea-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"author_id", "location_id"}).AddRow("author", "town-abc"))
	mock.ExpectExec("INSERT INTO point_events").
		WithArgs(sqlmock.AnyArg(), "author", int64(1), "support.received", "idea-1", "town-abc", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_points").
		WithArgs("author", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_location_points").
		WithArgs("author", "town-abc", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM ideas i").
		WithArgs("idea-1").
		WillReturnRows(sqlmock.NewRows(ideaRowColumns).
			AddRow("idea-1", "town-abc", "author", "Author", "Fix the bridge", "", []byte(`["roads"]`), int64(1), at, at))
	mock.ExpectCommit()

	result, err := s.Support(context.Background(), SupportInput{
		UserID: "fan",
		IdeaID: "idea-1",
		Points: PointEvent{Amount: 1, Source: "support.received"},
		At:     at,
	})
	if err != nil {
		t.Fatalf("Support: %v", err)
	}
	if !result.Changed {
		t.Fatal("expected first support to change state")
	}
	if result.Idea.SupportCount != 1 || result.Idea.AuthorName != "Author" {
		t.Fatalf("unexpected idea: %+v", result.Idea)
	}
	if len(result.Idea.Tags) != 1 || result.Idea.Tags[0] != "roads" {
		t.Fatalf("unexpected tags: %v", result.Idea.Tags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDuplicateSupportSkipsCounterAndLedger(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO supports").
		WithArgs("fan", "idea-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM ideas i").
		WithArgs("idea-1").
		WillReturnRows(sqlmock.NewRows(ideaRowColumns).
			AddRow("idea-1", "town-abc", "author", "Author", "Fix the bridge", "", []byte(`[]`), int64(1), at, at))
	mock.ExpectCommit()

	result, err := s.Support(context.Background(), SupportInput{
		UserID: "fan",
		IdeaID: "idea-1",
		Points: PointEvent{Amount: 1, Source: "support.received"},
		At:     at,
	})
	if err != nil {
		t.Fatalf("Support: %v", err)
	}
	if result.Changed {
		t.Fatal("expected duplicate support to be a no-op")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnsupportReversesCounterAndPoints(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM supports").
		WithArgs("fan", "idea-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE ideas SET support_count").
		WithArgs("idea-1", int64(-1)).
		WillReturnRows(sqlmock.NewRows([]string{"author_id", "location_id"}).AddRow("author", "town-abc"))
	mock.ExpectExec("INSERT INTO point_events").
		WithArgs(sqlmock.AnyArg(), "author", int64(-1), "support.withdrawn", "idea-1", "town-abc", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_points").
		WithArgs("author", int64(-1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_location_points").
		WithArgs("author", "town-abc", int64(-1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM ideas i").
		WithArgs("idea-1").
		WillReturnRows(sqlmock.NewRows(ideaRowColumns).
			AddRow("idea-1", "town-abc", "author", "Author", "Fix the bridge", "", []byte(`[]`), int64(0), at, at))
	mock.ExpectCommit()

	result, err := s.Unsupport(context.Background(), SupportInput{
		UserID: "fan",
		IdeaID: "idea-1",
		Points: PointEvent{Amount: 1, Source: "support.withdrawn"},
		At:     at,
	})
	if err != nil {
		t.Fatalf("Unsupport: %v", err)
	}
	if !result.Changed || result.Idea.SupportCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSupportMissingIdeaIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO supports").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	_, err := s.Support(context.Background(), SupportInput{UserID: "fan", IdeaID: "missing", At: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertPlanDuplicateActiveIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO plans").
		WithArgs("plan-2", "town-abc", 2026, false, "Draft", now, now.Add(time.Hour), "town-abc|2026", "u1", now).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uniq_plans_active"})
	mock.ExpectRollback()

	err := s.InsertPlan(context.Background(), Plan{
		ID:             "plan-2",
		LocationID:     "town-abc",
		Year:           2026,
		Stage:          "Draft",
		StageEnteredAt: now,
		StageDeadline:  now.Add(time.Hour),
		InitiatorID:    "u1",
		CreatedAt:      now,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyTransitionSkipsWhenStageMoved(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE plans").
		WithArgs("plan-1", "Draft", "Discussion", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("plan-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	applied, err := s.ApplyTransition(context.Background(), Transition{
		PlanID:    "plan-1",
		FromStage: "Draft",
		ToStage:   "Discussion",
		EnteredAt: now,
		Deadline:  now.Add(time.Hour),
		Actor:     "system",
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if applied {
		t.Fatal("expected transition to be skipped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyTransitionWritesLogAndOutbox(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	payload := []byte(`{"planId":"plan-1"}`)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE plans").
		WithArgs("plan-1", "Draft", "Discussion", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO plan_stage_log").
		WithArgs("plan-1", "Draft", "Discussion", "system", false, "deadline", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("plan.stage_changed", string(payload), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := s.ApplyTransition(context.Background(), Transition{
		PlanID:    "plan-1",
		FromStage: "Draft",
		ToStage:   "Discussion",
		EnteredAt: now,
		Deadline:  now.Add(time.Hour),
		Actor:     "system",
		Reason:    "deadline",
		Event:     OutboxMessage{Topic: "plan.stage_changed", Payload: payload, CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if !applied {
		t.Fatal("expected transition to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyTransitionMissingPlan(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE plans").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.ApplyTransition(context.Background(), Transition{PlanID: "ghost", FromStage: "Draft", ToStage: "Discussion", EnteredAt: now, Deadline: now})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddContributionRejectsClosedStage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stage, location_id FROM plans").
		WithArgs("plan-1").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "location_id"}).AddRow("Review", "town-abc"))
	mock.ExpectRollback()

	_, err := s.AddContribution(context.Background(), ContributionInput{
		Contribution:  Contribution{ID: "c1", PlanID: "plan-1", Kind: "issue", AuthorID: "u1", Body: "Potholes"},
		AllowedStages: []string{"Draft", "Discussion", "Decision"},
	})
	if !errors.Is(err, ErrStageNotAllowed) {
		t.Fatalf("expected ErrStageNotAllowed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddContributionAssignsOrdinalOnFirstContribution(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stage, location_id FROM plans").
		WithArgs("plan-1").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "location_id"}).AddRow("Draft", "town-abc"))
	mock.ExpectQuery("SELECT ordinal FROM plan_contributors").
		WithArgs("plan-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"ordinal"}))
	mock.ExpectQuery("UPDATE plans SET contributor_seq").
		WithArgs("plan-1").
		WillReturnRows(sqlmock.NewRows([]string{"contributor_seq"}).AddRow(3))
	mock.ExpectExec("INSERT INTO plan_contributors").
		WithArgs("plan-1", "u1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO contributions").
		WithArgs("c1", "plan-1", "issue", nil, "u1", "Potholes", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO point_events").
		WithArgs(sqlmock.AnyArg(), "u1", int64(2), "plan.issue", "c1", "town-abc", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_points").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_location_points").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	item, err := s.AddContribution(context.Background(), ContributionInput{
		Contribution:  Contribution{ID: "c1", PlanID: "plan-1", Kind: "issue", AuthorID: "u1", Body: "Potholes", CreatedAt: now},
		AllowedStages: []string{"Draft", "Discussion", "Decision"},
		Points:        PointEvent{Amount: 2, Source: "plan.issue"},
	})
	if err != nil {
		t.Fatalf("AddContribution: %v", err)
	}
	if item.Contributor != 3 {
		t.Fatalf("expected contributor ordinal 3, got %d", item.Contributor)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimOutboxReturnsMessagesInIDOrder(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE outbox SET claimed_at").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic", "payload", "created_at"}).
			AddRow(int64(7), "badge.awarded", []byte(`{}`), now).
			AddRow(int64(3), "plan.stage_changed", []byte(`{}`), now))

	items, err := s.ClaimOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimOutbox: %v", err)
	}
	if len(items) != 2 || items[0].ID != 3 || items[1].ID != 7 {
		t.Fatalf("unexpected order: %+v", items)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListIdeasAtWithNoLocationsSkipsQuery(t *testing.T) {
	s, mock := newMockStore(t)

	items, err := s.ListIdeasAt(context.Background(), nil, 20, 0)
	if err != nil {
		t.Fatalf("ListIdeasAt: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no ideas, got %d", len(items))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTotalPointsDefaultsToZero(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT total FROM user_points").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"total"}))

	total, err := s.TotalPoints(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("TotalPoints: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0, got %d", total)
	}
}

func TestGrantBadgeOnlyQueuesEventForNewGrant(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	badge := Badge{UserID: "u1", Kind: "first-point", Scope: "global", AwardedAt: now}
	event := OutboxMessage{Topic: "badge.awarded", Payload: []byte(`{}`), CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO badges").
		WithArgs("u1", "first-point", "global", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("badge.awarded", "{}", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO badges").
		WithArgs("u1", "first-point", "global", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	granted, err := s.GrantBadge(context.Background(), badge, event)
	if err != nil || !granted {
		t.Fatalf("first grant: granted=%v err=%v", granted, err)
	}
	granted, err = s.GrantBadge(context.Background(), badge, event)
	if err != nil || granted {
		t.Fatalf("second grant: granted=%v err=%v", granted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertLocationsWritesParentsFirstInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	parent := "ca"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO locations").
		WithArgs("ca", "country", nil, "Canada", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO locations").
		WithArgs("ca-mb", "province", "ca", "Manitoba", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpsertLocations(context.Background(), []Location{
		{ID: "ca-mb", Kind: "province", ParentID: &parent, Name: "Manitoba", Position: 1},
		{ID: "ca", Kind: "country", Name: "Canada"},
	})
	if err != nil {
		t.Fatalf("UpsertLocations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
