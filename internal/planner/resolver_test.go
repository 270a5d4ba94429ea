package planner

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/d3keep/internal/cache"
	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/fetch"
	"github.com/hitoshi/d3keep/internal/model"
)

// mockGetter はfetch.GetterのモックでURLごとの応答を返す。
type mockGetter struct {
	bodies map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newMockGetter() *mockGetter {
	return &mockGetter{
		bodies: make(map[string]string),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (m *mockGetter) Get(_ context.Context, url string, _ map[string]string, _ time.Duration) (*fetch.Response, error) {
	m.calls[url]++
	if err, ok := m.errs[url]; ok {
		return nil, err
	}
	body, ok := m.bodies[url]
	if !ok {
		return nil, &model.FetchError{URL: url, StatusCode: 404, Attempts: 1}
	}
	return &fetch.Response{StatusCode: 200, Body: []byte(body), URL: url}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testSourceConfig() config.SourceConfig {
	return config.SourceConfig{
		PlannerAPIURL:        "https://api.test/profiles/d3/%s",
		PlannerPageURL:       "https://site.test/d3/d3planner/%s",
		PlannerExcludedTypes: []string{"altar"},
	}
}

const guideURL = "https://site.test/d3/guides/ww-barb-guide"

func profileNames(t *testing.T, payload model.PlannerPayload) []string {
	t.Helper()
	profiles, err := payload.Profiles()
	if err != nil {
		t.Fatalf("Profiles() error: %v", err)
	}
	var names []string
	for _, raw := range profiles {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("unmarshal profile: %v", err)
		}
		names = append(names, p.Name)
	}
	return names
}

func TestResolver_PlannerIDs(t *testing.T) {
	g := newMockGetter()
	g.bodies[guideURL] = `<div data-d3planner-id="1" data-d3planner-type="altar"></div><div data-d3planner-id="2"></div>`

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	ids, err := r.PlannerIDs(context.Background(), guideURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"2"}) {
		t.Errorf("ids = %v, want [2]", ids)
	}
}

func TestResolver_PlannerIDs_NoneFound(t *testing.T) {
	g := newMockGetter()
	g.bodies[guideURL] = `<p>nothing here</p>`

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	_, err := r.PlannerIDs(context.Background(), guideURL)
	if !model.IsCode(err, model.ErrCodeBuildProfile) {
		t.Fatalf("expected BUILD_PROFILE_ERROR, got %v", err)
	}
}

func TestResolver_PlannerIDs_FetchErrorPropagates(t *testing.T) {
	g := newMockGetter()
	g.errs[guideURL] = &model.FetchError{URL: guideURL, StatusCode: 503, Attempts: 5, Exhausted: true}

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	_, err := r.PlannerIDs(context.Background(), guideURL)
	if _, ok := model.AsFetchError(err); !ok {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestResolver_LoadPlanner_UsesCache(t *testing.T) {
	g := newMockGetter()
	g.bodies["https://api.test/profiles/d3/9"] = `{"id":9,"data":{"profiles":[{"name":"A"}]}}`

	files := cache.NewFileCache("planner", t.TempDir(), time.Hour, discardLogger())
	r := NewResolver(g, NewPayloadCache(files, discardLogger()), testSourceConfig(), discardLogger())

	for i := 0; i < 2; i++ {
		payload, err := r.LoadPlanner(context.Background(), "9", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if names := profileNames(t, payload); !reflect.DeepEqual(names, []string{"A"}) {
			t.Errorf("names = %v, want [A]", names)
		}
	}
	if g.calls["https://api.test/profiles/d3/9"] != 1 {
		t.Errorf("remote calls = %d, want 1", g.calls["https://api.test/profiles/d3/9"])
	}

	if _, err := r.LoadPlanner(context.Background(), "9", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.calls["https://api.test/profiles/d3/9"] != 2 {
		t.Errorf("forceRefresh must bypass cache, remote calls = %d", g.calls["https://api.test/profiles/d3/9"])
	}
}

func TestResolver_LoadPlanner_ExpiredCacheRefetches(t *testing.T) {
	g := newMockGetter()
	g.bodies["https://api.test/profiles/d3/9"] = `{"data":{"profiles":[]}}`

	now := time.Now()
	files := cache.NewFileCache("planner", t.TempDir(), 60*time.Second, discardLogger(), cache.WithNow(func() time.Time { return now }))
	r := NewResolver(g, NewPayloadCache(files, discardLogger()), testSourceConfig(), discardLogger())

	if _, err := r.LoadPlanner(context.Background(), "9", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := r.LoadPlanner(context.Background(), "9", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.calls["https://api.test/profiles/d3/9"] != 2 {
		t.Errorf("remote calls = %d, want 2 after TTL expiry", g.calls["https://api.test/profiles/d3/9"])
	}
}

func TestResolver_LoadPlanner_StringEncodedData(t *testing.T) {
	g := newMockGetter()
	g.bodies["https://api.test/profiles/d3/3"] = `{"data":"{\"profiles\":[{\"name\":\"Inner\"}]}"}`

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	payload, err := r.LoadPlanner(context.Background(), "3", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names := profileNames(t, payload); !reflect.DeepEqual(names, []string{"Inner"}) {
		t.Errorf("names = %v, want [Inner]", names)
	}
}

func TestResolver_LoadPlanner_NonObject(t *testing.T) {
	g := newMockGetter()
	g.bodies["https://api.test/profiles/d3/4"] = `[1,2,3]`

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	_, err := r.LoadPlanner(context.Background(), "4", false)
	if !model.IsCode(err, model.ErrCodeBuildProfile) {
		t.Fatalf("expected BUILD_PROFILE_ERROR, got %v", err)
	}
}

func TestResolver_Resolve_MergesProfiles(t *testing.T) {
	g := newMockGetter()
	g.bodies[guideURL] = `<div data-d3planner-id="1"></div><div data-d3planner-id="2"></div><div data-d3planner-id="3"></div>`
	g.bodies["https://api.test/profiles/d3/1"] = `{"name":"first","data":{"profiles":[{"name":"A"}],"class":"barbarian"}}`
	g.bodies["https://api.test/profiles/d3/2"] = `"not an object"`
	g.bodies["https://api.test/profiles/d3/3"] = `{"name":"third","data":{"profiles":[{"name":"B"},{"name":"C"}]}}`

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	payload, err := r.Resolve(context.Background(), guideURL, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names := profileNames(t, payload); !reflect.DeepEqual(names, []string{"A", "B", "C"}) {
		t.Errorf("names = %v, want [A B C]", names)
	}
	if string(payload["name"]) != `"first"` {
		t.Errorf("base name = %s, want \"first\"", payload["name"])
	}
	data, err := payload.Data()
	if err != nil {
		t.Fatalf("Data() error: %v", err)
	}
	if string(data["class"]) != `"barbarian"` {
		t.Errorf("base data fields should come from the first planner, got %s", data["class"])
	}
}

func TestResolver_Resolve_AllFail(t *testing.T) {
	g := newMockGetter()
	g.bodies[guideURL] = `<div data-d3planner-id="1"></div>`
	g.bodies["https://api.test/profiles/d3/1"] = `42`

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	_, err := r.Resolve(context.Background(), guideURL, false)
	if !model.IsCode(err, model.ErrCodeBuildProfile) {
		t.Fatalf("expected BUILD_PROFILE_ERROR, got %v", err)
	}
}

func TestResolver_Resolve_FetchFailurePropagates(t *testing.T) {
	g := newMockGetter()
	g.bodies[guideURL] = `<div data-d3planner-id="1"></div><div data-d3planner-id="2"></div>`
	g.bodies["https://api.test/profiles/d3/1"] = `{"data":{"profiles":[]}}`
	g.errs["https://api.test/profiles/d3/2"] = &model.FetchError{URL: "x", StatusCode: 503, Exhausted: true}

	r := NewResolver(g, nil, testSourceConfig(), discardLogger())
	_, err := r.Resolve(context.Background(), guideURL, false)
	if _, ok := model.AsFetchError(err); !ok {
		t.Fatalf("expected FetchError to propagate, got %v", err)
	}
}

func TestResolver_PlannerAPIURL(t *testing.T) {
	r := NewResolver(newMockGetter(), nil, config.SourceConfig{PlannerAPIURL: "https://api.test/profiles/d3/"}, discardLogger())
	if got := r.PlannerAPIURL("5"); got != "https://api.test/profiles/d3/5" {
		t.Errorf("PlannerAPIURL = %q", got)
	}
}
