package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hitoshi/d3keep/internal/model"
)

// mockResolver はPayloadResolverのモック。
type mockResolver struct {
	planners       map[string]string
	guides         map[string]string
	loadCalls      []string
	resolveCalls   []string
	lastForceFlags []bool
}

func (m *mockResolver) LoadPlanner(_ context.Context, id string, force bool) (model.PlannerPayload, error) {
	m.loadCalls = append(m.loadCalls, id)
	m.lastForceFlags = append(m.lastForceFlags, force)
	body, ok := m.planners[id]
	if !ok {
		return nil, &model.FetchError{URL: id, StatusCode: 404}
	}
	return model.DecodePlannerPayload([]byte(body))
}

func (m *mockResolver) Resolve(_ context.Context, url string, force bool) (model.PlannerPayload, error) {
	m.resolveCalls = append(m.resolveCalls, url)
	m.lastForceFlags = append(m.lastForceFlags, force)
	body, ok := m.guides[url]
	if !ok {
		return nil, model.NewBuildProfileError(url, "プランナーIDが見つかりません", nil)
	}
	return model.DecodePlannerPayload([]byte(body))
}

func TestFactory_FromURL_PlannerURL(t *testing.T) {
	r := &mockResolver{planners: map[string]string{"42": `{"data":{"profiles":[{"name":"A"}]}}`}}
	f := NewFactory(r, nil)

	p, err := f.FromURL(context.Background(), "https://maxroll.gg/d3/d3planner/42", true)
	if err != nil {
		t.Fatalf("FromURL() error: %v", err)
	}
	if len(r.loadCalls) != 1 || r.loadCalls[0] != "42" || len(r.resolveCalls) != 0 {
		t.Errorf("loadCalls = %v, resolveCalls = %v", r.loadCalls, r.resolveCalls)
	}
	if !r.lastForceFlags[0] {
		t.Error("expected forceRefresh to be forwarded")
	}
	if len(p.Profiles()) != 1 {
		t.Errorf("len(Profiles()) = %d, want 1", len(p.Profiles()))
	}
}

func TestFactory_FromURL_GuideURLUsesMerge(t *testing.T) {
	guide := "https://maxroll.gg/d3/guides/ww-barb-guide"
	r := &mockResolver{guides: map[string]string{guide: `{"data":{"profiles":[{"name":"A"},{"name":"B"}]}}`}}
	f := NewFactory(r, nil)

	p, err := f.FromURL(context.Background(), guide, false)
	if err != nil {
		t.Fatalf("FromURL() error: %v", err)
	}
	if len(r.resolveCalls) != 1 {
		t.Errorf("resolveCalls = %v, want 1 call", r.resolveCalls)
	}
	if len(p.Profiles()) != 2 {
		t.Errorf("len(Profiles()) = %d, want 2", len(p.Profiles()))
	}
}

func TestFactory_FromURL_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.json")
	if err := os.WriteFile(path, []byte(`{"data":{"profiles":[{"name":"Local"}]}}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	r := &mockResolver{}
	f := NewFactory(r, nil)

	for _, u := range []string{path, "file://" + path} {
		p, err := f.FromURL(context.Background(), u, false)
		if err != nil {
			t.Fatalf("FromURL(%q) error: %v", u, err)
		}
		if p.Profiles()[0].Name != "Local" {
			t.Errorf("Name = %q, want Local", p.Profiles()[0].Name)
		}
	}
	if len(r.loadCalls)+len(r.resolveCalls) != 0 {
		t.Error("expected no remote resolution for local files")
	}
}

func TestFactory_FromURL_ResolverErrorPassesThrough(t *testing.T) {
	f := NewFactory(&mockResolver{}, nil)

	_, err := f.FromURL(context.Background(), "https://maxroll.gg/d3/d3planner/1", false)
	if _, ok := model.AsFetchError(err); !ok {
		t.Errorf("expected FetchError, got %v", err)
	}
}

func TestFactory_FromPlanner(t *testing.T) {
	r := &mockResolver{planners: map[string]string{"7": `{"data":{"profiles":[{"name":"A"},{"name":"B"}]}}`}}
	f := NewFactory(r, nil)

	source := "https://guides.example.com/natalya-dh"
	p, err := f.FromPlanner(context.Background(), "7", source, false)
	if err != nil {
		t.Fatalf("FromPlanner() error: %v", err)
	}
	if len(r.loadCalls) != 1 || r.loadCalls[0] != "7" || len(r.resolveCalls) != 0 {
		t.Errorf("loadCalls = %v, resolveCalls = %v", r.loadCalls, r.resolveCalls)
	}
	if r.lastForceFlags[0] {
		t.Error("forceRefresh = true, want false")
	}
	if p.Source() != source {
		t.Errorf("Source() = %q, want %q", p.Source(), source)
	}
	if len(p.Profiles()) != 2 {
		t.Errorf("len(Profiles()) = %d, want 2", len(p.Profiles()))
	}
}

func TestFactory_FromPlanner_MissingPlanner(t *testing.T) {
	f := NewFactory(&mockResolver{}, nil)

	_, err := f.FromPlanner(context.Background(), "404", "https://guides.example.com/x", false)
	var fe *model.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 404 {
		t.Errorf("FromPlanner() error = %v, want FetchError 404", err)
	}
}
