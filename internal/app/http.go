package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"townhall/api/internal/auth"
	"townhall/api/internal/export"
	"townhall/api/internal/feed"
	"townhall/api/internal/location"
	"townhall/api/internal/plan"
	"townhall/api/internal/rbac"
	"townhall/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *writeLimiter
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiter:    newWriteLimiter(service.cfg.RateLimitPerSecond, service.cfg.RateLimitBurst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, session Session, action rbac.Action) {
	log.Printf("app: forbidden user=%s role=%s action=%s", session.UserID, session.Role, action)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if isRead(r.Method) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if isRead(r.Method) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if isRead(r.Method) && r.URL.Path == "/metrics" {
		if m := s.service.Metrics(); m != nil {
			m.Handler().ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.respond(w, 0, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	switch parts[1] {
	case "locations":
		s.handleLocations(w, r, parts[2:])
		return
	case "ideas":
		s.handleIdeas(w, r, parts[2:])
		return
	case "plans":
		s.handlePlans(w, r, parts[2:])
		return
	case "users":
		s.handleUsers(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleLocations serves /api/locations/{id}/...
func (s *HTTPServer) handleLocations(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	locationID, resource := parts[0], parts[1]
	query := r.URL.Query()

	switch {
	case resource == "provinces" && isRead(r.Method):
		payload, err := s.service.Provinces(r.Context(), locationID)
		s.respond(w, http.StatusOK, payload, err)
		return

	case resource == "children" && isRead(r.Method):
		payload, err := s.service.Children(r.Context(), locationID, query.Get("kind"))
		s.respond(w, http.StatusOK, payload, err)
		return

	case resource == "ideas" && isRead(r.Method):
		page, ok := pageFromQuery(w, r)
		if !ok {
			return
		}
		payload, err := s.service.Feed(r.Context(), locationID, page)
		s.respond(w, http.StatusOK, payload, err)
		return

	case resource == "search" && isRead(r.Method):
		page, ok := pageFromQuery(w, r)
		if !ok {
			return
		}
		resp, err := s.service.Search(r.Context(), locationID, query.Get("q"), page.Limit, page.Offset)
		s.respond(w, http.StatusOK, resp, err)
		return

	case resource == "plan" && isRead(r.Method):
		payload, err := s.service.CurrentPlan(r.Context(), locationID)
		s.respond(w, http.StatusOK, payload, err)
		return

	case resource == "plans" && r.Method == http.MethodPost:
		session, ok := s.requireWrite(w, r, rbac.ActionStartPlan)
		if !ok {
			return
		}
		var body struct {
			Year int `json:"year"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.StartPlan(r.Context(), session, locationID, body.Year)
		s.respond(w, http.StatusCreated, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleIdeas serves /api/ideas and /api/ideas/{id}[/support].
func (s *HTTPServer) handleIdeas(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodPost {
		session, ok := s.requireWrite(w, r, rbac.ActionPost)
		if !ok {
			return
		}
		var body IdeaInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateIdea(r.Context(), session, body)
		s.respond(w, http.StatusCreated, payload, err)
		return
	}

	if len(parts) == 1 {
		ideaID := parts[0]
		switch {
		case isRead(r.Method):
			payload, err := s.service.GetIdea(r.Context(), ideaID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case r.Method == http.MethodPut:
			session, ok := s.requireWrite(w, r, rbac.ActionPost)
			if !ok {
				return
			}
			var body IdeaInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.EditIdea(r.Context(), session, ideaID, body)
			s.respond(w, http.StatusOK, payload, err)
			return
		}
	}

	if len(parts) == 2 && parts[1] == "support" {
		ideaID := parts[0]
		switch r.Method {
		case http.MethodPost:
			session, ok := s.requireWrite(w, r, rbac.ActionSupport)
			if !ok {
				return
			}
			payload, err := s.service.Support(r.Context(), session, ideaID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case http.MethodDelete:
			session, ok := s.requireWrite(w, r, rbac.ActionSupport)
			if !ok {
				return
			}
			payload, err := s.service.Unsupport(r.Context(), session, ideaID)
			s.respond(w, http.StatusOK, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handlePlans serves /api/plans/{id}/...
func (s *HTTPServer) handlePlans(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	planID := parts[0]

	if len(parts) == 1 && isRead(r.Method) {
		payload, err := s.service.GetPlan(r.Context(), planID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	resource := parts[1]
	if isRead(r.Method) {
		switch resource {
		case "history":
			session, _ := s.optionalSession(r)
			payload, err := s.service.PlanHistory(r.Context(), session, planID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case "contributions":
			payload, err := s.service.Contributions(r.Context(), planID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case "report":
			format, err := export.ParseFormat(r.URL.Query().Get("format"))
			if err != nil {
				s.respond(w, 0, nil, err)
				return
			}
			result, err := s.service.Report(r.Context(), planID, format)
			if err != nil {
				s.respond(w, 0, nil, err)
				return
			}
			w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
			w.Header().Set("Content-Type", result.MimeType)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(result.Data)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch resource {
	case "issues", "goals", "actions", "comments":
		session, ok := s.requireWrite(w, r, rbac.ActionContribute)
		if !ok {
			return
		}
		var body struct {
			Content  string `json:"content"`
			ParentID string `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		kind := strings.TrimSuffix(resource, "s")
		item, err := s.service.AddContribution(r.Context(), session, planID, kind, body.Content, body.ParentID)
		s.respond(w, http.StatusCreated, item, err)
		return

	case "decisions":
		session, ok := s.requireWrite(w, r, rbac.ActionContribute)
		if !ok {
			return
		}
		var body struct {
			ContributionID string `json:"contributionId"`
			Choice         string `json:"choice"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CastDecision(r.Context(), session, planID, body.ContributionID, body.Choice)
		s.respond(w, http.StatusOK, payload, err)
		return

	case "override":
		session, ok := s.requireWrite(w, r, rbac.ActionOverride)
		if !ok {
			return
		}
		var body struct {
			Stage  string `json:"stage"`
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.OverrideStage(r.Context(), session, planID, body.Stage, body.Reason)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleUsers serves /api/users/{id}/points and /api/users/{id}/badges. The
// caller's token, when present, decides how much activity detail is shown.
func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 || !isRead(r.Method) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	viewer, _ := s.optionalSession(r)
	switch parts[1] {
	case "points":
		payload, err := s.service.UserPoints(r.Context(), viewer, parts[0])
		s.respond(w, http.StatusOK, payload, err)
		return
	case "badges":
		payload, err := s.service.UserBadges(r.Context(), viewer, parts[0])
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Printf("app: request failed: %v", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func pageFromQuery(w http.ResponseWriter, r *http.Request) (feed.Page, bool) {
	var page feed.Page
	query := r.URL.Query()
	for key, target := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a non-negative integer", nil)
			return feed.Page{}, false
		}
		*target = value
	}
	return page.Normalize(), true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// requireWrite authenticates, authorizes and rate limits a write.
func (s *HTTPServer) requireWrite(w http.ResponseWriter, r *http.Request, action rbac.Action) (Session, bool) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return Session{}, false
	}
	if !s.service.Can(session.Role, action) {
		s.forbid(w, session, action)
		return Session{}, false
	}
	if !s.limiter.Allow(session.UserID) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return Session{}, false
	}
	return session, true
}

// optionalSession resolves a session when a valid token is present. Reads
// never fail on a bad token; they fall back to anonymous.
func (s *HTTPServer) optionalSession(r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.Metrics().ObserveRequest(r.Method, writer.status)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	return token
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, plan.ErrInvalidStage), errors.Is(err, store.ErrStageNotAllowed):
		return http.StatusUnprocessableEntity, "INVALID_STAGE", err.Error(), nil
	case errors.Is(err, export.ErrNotCompleted):
		return http.StatusUnprocessableEntity, "INVALID_STAGE", "Reports are only available for completed plans", nil
	case errors.Is(err, plan.ErrInvalid), errors.Is(err, location.ErrInvalid),
		errors.Is(err, store.ErrInvalidReference), errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is not available", nil
	case store.IsTransient(err):
		return http.StatusServiceUnavailable, "TRANSIENT_STORE_ERROR", "Temporarily unavailable, retry", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
