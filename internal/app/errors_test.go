package app

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"townhall/api/internal/auth"
	"townhall/api/internal/export"
	"townhall/api/internal/plan"
	"townhall/api/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", validationError("bad", nil), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"wrapped domain", fmt.Errorf("ctx: %w", forbiddenError("no")), http.StatusForbidden, "FORBIDDEN"},
		{"token", auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not found", fmt.Errorf("get idea: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"stage", plan.ErrInvalidStage, http.StatusUnprocessableEntity, "INVALID_STAGE"},
		{"store stage", store.ErrStageNotAllowed, http.StatusUnprocessableEntity, "INVALID_STAGE"},
		{"report early", export.ErrNotCompleted, http.StatusUnprocessableEntity, "INVALID_STAGE"},
		{"format", export.ErrUnsupportedFormat, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"reference", store.ErrInvalidReference, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"conflict", store.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"pdf", export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE"},
		{"transient", fmt.Errorf("insert: %w", store.ErrTransient), http.StatusServiceUnavailable, "TRANSIENT_STORE_ERROR"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}
