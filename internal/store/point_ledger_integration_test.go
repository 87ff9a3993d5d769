package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db, 5*time.Second)
}

func seedIntegrationIdea(t *testing.T, s *PostgresStore) {
	t.Helper()
	ctx := context.Background()
	ca, mb := "ca", "ca-mb"
	if err := s.UpsertLocations(ctx, []Location{
		{ID: "fr-mb-brandon-souris", Kind: "federalRiding", ParentID: &mb, Name: "Brandon-Souris", Position: 2},
		{ID: "ca-mb", Kind: "province", ParentID: &ca, Name: "Manitoba", Position: 1},
		{ID: "ca", Kind: "country", Name: "Canada"},
	}); err != nil {
		t.Fatalf("seed locations: %v", err)
	}
	if err := s.EnsureUser(ctx, "author", "Author"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := s.InsertIdea(ctx, Idea{
		ID:         "idea-bridge",
		LocationID: "fr-mb-brandon-souris",
		AuthorID:   "author",
		Title:      "Fix the bridge",
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert idea: %v", err)
	}
}

func TestPointEventsRejectUpdate(t *testing.T) {
	s := openIntegrationStore(t)
	seedIntegrationIdea(t, s)
	ctx := context.Background()

	if err := s.AppendPointEvent(ctx, PointEvent{UserID: "author", Amount: 2, Source: "plan.issue"}); err != nil {
		t.Fatalf("append point event: %v", err)
	}

	_, err := s.DB().ExecContext(ctx, `UPDATE point_events SET amount = 100 WHERE user_id = 'author'`)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
	}
}

func TestConcurrentSupportCountsOncePostgres(t *testing.T) {
	s := openIntegrationStore(t)
	seedIntegrationIdea(t, s)
	ctx := context.Background()
	if err := s.EnsureUser(ctx, "fan", "Fan"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Support(ctx, SupportInput{
				UserID: "fan",
				IdeaID: "idea-bridge",
				Points: PointEvent{Amount: 1, Source: "support.received"},
				At:     time.Now().UTC(),
			})
			if err != nil && !errors.Is(err, ErrTransient) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("support: %v", err)
	}

	idea, err := s.GetIdea(ctx, "idea-bridge")
	if err != nil {
		t.Fatalf("get idea: %v", err)
	}
	if idea.SupportCount != 1 {
		t.Fatalf("expected support count 1, got %d", idea.SupportCount)
	}
	total, err := s.TotalPoints(ctx, "author")
	if err != nil {
		t.Fatalf("total points: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 point credited, got %d", total)
	}
}
