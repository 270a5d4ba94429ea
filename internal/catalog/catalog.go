// Package catalog はプランナー単位に分割されたビルドを論理ガイド単位に集約する読み取り側の処理を提供する。
package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/d3keep/internal/model"
	"github.com/hitoshi/d3keep/internal/planner"
	"github.com/hitoshi/d3keep/internal/repository"
)

var plannerSuffix = regexp.MustCompile(`(?i)\s*\(planner\s+[^)]*\)\s*$`)

// Representative は論理ガイド1件の代表ビルド。
type Representative struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Variants  int       `json:"variants"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BaseTitle は末尾の "(planner N)" を除いたタイトルを返す。
func BaseTitle(title string) string {
	return strings.TrimSpace(plannerSuffix.ReplaceAllString(title, ""))
}

func baseKey(title string) string {
	return strings.ToLower(BaseTitle(title))
}

// CollapseRepresentatives はベースタイトルが同じビルドを1件にまとめる。
// 代表にはプランナー由来（プランナーURLまたは "(planner N)" 付きタイトル）でない最初のビルドを選び、
// なければ最初のビルドを選ぶ。
// 結果は各ベースタイトルが最初に現れた順に並ぶ。
func CollapseRepresentatives(builds []*model.Build) []Representative {
	type group struct {
		rep      *model.Build
		canon    bool
		variants int
	}

	groups := make(map[string]*group)
	var order []string
	for _, b := range builds {
		key := baseKey(b.Title)
		_, isPlanner := planner.PlannerIDFromURL(b.URL)
		isPlanner = isPlanner || plannerSuffix.MatchString(b.Title)

		g, ok := groups[key]
		if !ok {
			groups[key] = &group{rep: b, canon: !isPlanner, variants: 1}
			order = append(order, key)
			continue
		}
		g.variants++
		if !g.canon && !isPlanner {
			g.rep = b
			g.canon = true
		}
	}

	reps := make([]Representative, 0, len(order))
	for _, key := range order {
		g := groups[key]
		reps = append(reps, Representative{
			ID:        g.rep.ID,
			Title:     BaseTitle(g.rep.Title),
			URL:       g.rep.URL,
			Variants:  g.variants,
			UpdatedAt: g.rep.UpdatedAt,
		})
	}
	return reps
}

// Service は代表ビルド一覧を提供する。
type Service struct {
	reader repository.BuildReader
}

// NewService はServiceを生成する。
func NewService(reader repository.BuildReader) *Service {
	return &Service{reader: reader}
}

// ListRepresentatives は保存済みビルドを集約した一覧を返す。
func (s *Service) ListRepresentatives(ctx context.Context) ([]Representative, error) {
	builds, err := s.reader.ListBuilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("ビルド一覧の取得に失敗: %w", err)
	}
	return CollapseRepresentatives(builds), nil
}
