package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: sql.ErrNoRows, want: ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: ErrConflict},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, want: ErrNotFound},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: ErrTransient},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: ErrTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrTransient},
		{name: "bad conn", err: driver.ErrBadConn, want: ErrTransient},
		{name: "wrapped sentinel", err: fmt.Errorf("parent: %w", ErrInvalidReference), want: ErrInvalidReference},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("op", tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyKeepsOriginalError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "uniq_plans_active"}
	got := classify("insert plan", pgErr)
	var unwrapped *pgconn.PgError
	if !errors.As(got, &unwrapped) || unwrapped.ConstraintName != "uniq_plans_active" {
		t.Fatalf("expected original pg error in chain, got %v", got)
	}
}

func TestClassifyNilAndUnknown(t *testing.T) {
	if classify("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	plain := errors.New("boom")
	got := classify("op", plain)
	if errors.Is(got, ErrTransient) || errors.Is(got, ErrNotFound) || errors.Is(got, ErrConflict) {
		t.Fatalf("unexpected classification for %v", got)
	}
	if !errors.Is(got, plain) {
		t.Fatalf("expected original error to be wrapped, got %v", got)
	}
}
