package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/d3keep/internal/model"
)

// MemoryStore はプロセス内メモリに保持するストア。
// テストとデータベースを用意できない環境での動作確認に使う。
// トランザクション開始時に状態を複製し、成功した場合のみ置き換える。
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	builds   []*model.Build
	profiles []*model.Profile
	items    map[string]*model.Item
	usages   []*model.ItemUsage
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{items: make(map[string]*model.Item)},
		now:   time.Now,
	}
}

// WithinTx は状態の複製に対してfnを実行し、成功時のみ反映する。
// トランザクションは直列に実行される。
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx SyncTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memorySyncTx{state: s.state.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// ListBuilds は全ビルドを作成順に返す。
func (s *MemoryStore) ListBuilds(ctx context.Context) ([]*model.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	builds := make([]*model.Build, len(s.state.builds))
	for i, b := range s.state.builds {
		c := *b
		builds[i] = &c
	}
	return builds, nil
}

// Counts は各テーブル相当の件数を返す。
func (s *MemoryStore) Counts() (builds, profiles, items, usages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.builds), len(s.state.profiles), len(s.state.items), len(s.state.usages)
}

// Profiles は保持しているプロファイルの複製を返す。
func (s *MemoryStore) Profiles() []model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Profile, len(s.state.profiles))
	for i, p := range s.state.profiles {
		out[i] = *p
	}
	return out
}

// Usages は保持している使用関係の複製を返す。
func (s *MemoryStore) Usages() []model.ItemUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ItemUsage, len(s.state.usages))
	for i, u := range s.state.usages {
		out[i] = *u
	}
	return out
}

// ItemIDs は登録済みアイテムIDを昇順で返す。
func (s *MemoryStore) ItemIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.state.items))
	for id := range s.state.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (st memoryState) clone() memoryState {
	c := memoryState{
		builds:   make([]*model.Build, len(st.builds)),
		profiles: make([]*model.Profile, len(st.profiles)),
		items:    make(map[string]*model.Item, len(st.items)),
		usages:   make([]*model.ItemUsage, len(st.usages)),
	}
	for i, b := range st.builds {
		v := *b
		c.builds[i] = &v
	}
	for i, p := range st.profiles {
		v := *p
		c.profiles[i] = &v
	}
	for id, it := range st.items {
		v := *it
		c.items[id] = &v
	}
	for i, u := range st.usages {
		v := *u
		c.usages[i] = &v
	}
	return c
}

type memorySyncTx struct {
	state memoryState
	now   func() time.Time
}

func (t *memorySyncTx) FindBuildByURL(_ context.Context, url string) (*model.Build, error) {
	for _, b := range t.state.builds {
		if b.URL == url {
			c := *b
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memorySyncTx) CreateBuild(_ context.Context, build *model.Build) error {
	c := *build
	t.state.builds = append(t.state.builds, &c)
	return nil
}

func (t *memorySyncTx) UpdateBuildTitle(_ context.Context, buildID, title string) error {
	for _, b := range t.state.builds {
		if b.ID == buildID {
			b.Title = title
			b.UpdatedAt = t.now()
		}
	}
	return nil
}

func (t *memorySyncTx) ListProfilesByBuild(_ context.Context, buildID string) ([]*model.Profile, error) {
	var out []*model.Profile
	for _, p := range t.state.profiles {
		if p.BuildID == buildID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *memorySyncTx) CreateProfiles(_ context.Context, profiles []*model.Profile) error {
	for _, p := range profiles {
		c := *p
		t.state.profiles = append(t.state.profiles, &c)
	}
	return nil
}

func (t *memorySyncTx) ExistingItemIDs(_ context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := t.state.items[id]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

func (t *memorySyncTx) CreateItems(_ context.Context, items []*model.Item) error {
	for _, it := range items {
		c := *it
		t.state.items[it.ID] = &c
	}
	return nil
}

func (t *memorySyncTx) ExistingUsageKeys(_ context.Context, profileIDs []string) (map[model.UsageKey]bool, error) {
	wanted := make(map[string]bool, len(profileIDs))
	for _, id := range profileIDs {
		wanted[id] = true
	}
	existing := make(map[model.UsageKey]bool)
	for _, u := range t.state.usages {
		if wanted[u.ProfileID] {
			existing[u.Key()] = true
		}
	}
	return existing, nil
}

func (t *memorySyncTx) CreateItemUsages(_ context.Context, usages []*model.ItemUsage) error {
	for _, u := range usages {
		c := *u
		t.state.usages = append(t.state.usages, &c)
	}
	return nil
}
