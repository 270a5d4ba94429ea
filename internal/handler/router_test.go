package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/d3keep/internal/catalog"
)

// --- モック定義 ---

type mockBuildService struct {
	reps []catalog.Representative
	err  error
}

func (m *mockBuildService) ListRepresentatives(context.Context) ([]catalog.Representative, error) {
	return m.reps, m.err
}

type mockHealth struct {
	err error
}

func (m *mockHealth) Ping(context.Context) error { return m.err }

func newTestRouter(builds BuildServiceInterface, health HealthChecker, metricsHandler http.Handler) http.Handler {
	return NewRouter(&RouterDeps{
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		BuildService: builds,
		Health:       health,
		Metrics:      metricsHandler,
	})
}

// --- テスト ---

func TestRouter_Health_OK(t *testing.T) {
	router := newTestRouter(&mockBuildService{}, &mockHealth{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestRouter_Health_Unavailable(t *testing.T) {
	router := newTestRouter(&mockBuildService{}, &mockHealth{err: errors.New("db down")}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRouter_ListBuilds(t *testing.T) {
	svc := &mockBuildService{reps: []catalog.Representative{
		{ID: "b1", Title: "WW Barb", URL: "https://maxroll.gg/d3/guides/ww-barb-guide", Variants: 2},
	}}
	router := newTestRouter(svc, nil, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/builds", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Builds []catalog.Representative `json:"builds"`
		Count  int                      `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Count != 1 || len(body.Builds) != 1 || body.Builds[0].Variants != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestRouter_ListBuilds_EmptyIsArray(t *testing.T) {
	router := newTestRouter(&mockBuildService{}, nil, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/builds", nil))

	var body map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if string(body["builds"]) != "[]" {
		t.Errorf("builds = %s, want []", body["builds"])
	}
}

func TestRouter_ListBuilds_Error(t *testing.T) {
	router := newTestRouter(&mockBuildService{err: errors.New("boom")}, nil, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/builds", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d3keep_up 1\n"))
	})

	router := newTestRouter(&mockBuildService{}, nil, metricsHandler)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "d3keep_up 1\n" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}

	without := newTestRouter(&mockBuildService{}, nil, nil)
	w = httptest.NewRecorder()
	without.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status without metrics = %d, want 404", w.Code)
	}
}
