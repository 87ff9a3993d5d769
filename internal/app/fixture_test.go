package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"townhall/api/internal/auth"
	"townhall/api/internal/config"
	"townhall/api/internal/export"
	"townhall/api/internal/feed"
	"townhall/api/internal/location"
	"townhall/api/internal/plan"
	"townhall/api/internal/points"
	"townhall/api/internal/search"
	"townhall/api/internal/session"
	"townhall/api/internal/store"
)

const testSecret = "test-secret"

// pingStore lets a test fail Ping while keeping the rest of the memory store.
type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return p.MemoryStore.Ping(ctx)
}

type testEnv struct {
	t      *testing.T
	mem    *store.MemoryStore
	ps     *pingStore
	svc    *Service
	server http.Handler
}

func ptr(s string) *string { return &s }

func newTestEnv(t *testing.T, tweak func(*config.Config, *config.Rules)) *testEnv {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	if err := mem.UpsertLocations(ctx, []store.Location{
		{ID: "ca", Kind: "country", Name: "Canada"},
		{ID: "ca-mb", Kind: "province", ParentID: ptr("ca"), Name: "Manitoba", Position: 1},
		{ID: "ca-on", Kind: "province", ParentID: ptr("ca"), Name: "Ontario", Position: 2},
		{ID: "town-abc", Kind: "town", ParentID: ptr("ca-mb"), Name: "Abc Town", Position: 3},
	}); err != nil {
		t.Fatalf("seed locations: %v", err)
	}
	graph := location.NewGraph(mem)
	if err := graph.Reload(ctx); err != nil {
		t.Fatalf("reload graph: %v", err)
	}

	cfg := config.Config{JWTSecret: testSecret, RateLimitPerSecond: 100, RateLimitBurst: 100}
	rules := config.DefaultRules()
	if tweak != nil {
		tweak(&cfg, &rules)
	}

	calc := points.NewCalculator(mem, rules, nil)
	plans := plan.NewEngine(mem, graph, calc, rules, nil)
	ps := &pingStore{MemoryStore: mem}
	svc := New(cfg, rules, Deps{
		Store:   ps,
		Graph:   graph,
		Feed:    feed.NewEngine(graph, mem, nil, nil),
		Points:  calc,
		Plans:   plans,
		Search:  search.NewService(graph, nil, search.NewLocal(mem, graph.IDs), nil),
		Reports: export.NewService(plans, graph, nil, nil),

		Revocations: session.NewMemoryStore(),
	})
	return &testEnv{t: t, mem: mem, ps: ps, svc: svc, server: NewHTTPServer(svc, "*").Handler()}
}

func (e *testEnv) token(userID, role string) string {
	e.t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, userID, role, time.Hour)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return token
}

// do sends a request and decodes a JSON object response.
func (e *testEnv) do(method, path, token string, body any) (int, map[string]any) {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			e.t.Fatalf("parse response %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr.Code, payload
}

func (e *testEnv) mustDo(wantStatus int, method, path, token string, body any) map[string]any {
	e.t.Helper()
	status, payload := e.do(method, path, token, body)
	if status != wantStatus {
		e.t.Fatalf("%s %s: expected %d, got %d payload=%v", method, path, wantStatus, status, payload)
	}
	return payload
}

func (e *testEnv) createIdea(token, locationID, title string) string {
	e.t.Helper()
	payload := e.mustDo(http.StatusCreated, http.MethodPost, "/api/ideas", token, map[string]any{
		"locationId": locationID,
		"title":      title,
	})
	id, _ := payload["id"].(string)
	if id == "" {
		e.t.Fatalf("expected idea id, got %v", payload)
	}
	return id
}
