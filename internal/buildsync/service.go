// Package buildsync はガイド一覧の取得からプロファイル解析、データベース同期までを統括する。
package buildsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/itemdata"
	"github.com/hitoshi/d3keep/internal/metrics"
	"github.com/hitoshi/d3keep/internal/model"
	"github.com/hitoshi/d3keep/internal/planner"
	"github.com/hitoshi/d3keep/internal/profile"
	"github.com/hitoshi/d3keep/internal/repository"
)

// スキップ理由（メトリクスのラベル）
const (
	SkipReasonParseError   = "parse_error"
	SkipReasonNoProfiles   = "no_profiles"
	SkipReasonNotFound     = "not_found"
	SkipReasonRefreshError = "refresh_error"
)

// GuideSource はガイド一覧の取得元。
type GuideSource interface {
	FetchGuides(ctx context.Context, forceRefresh bool) ([]model.GuideInfo, error)
}

// PlannerResolver はガイドページからプランナーIDを抽出し、ペイロードを取得する。
type PlannerResolver interface {
	PlannerIDs(ctx context.Context, guideURL string) ([]string, error)
	LoadPlanner(ctx context.Context, plannerID string, forceRefresh bool) (model.PlannerPayload, error)
}

// CacheRefreshSummary はキャッシュ更新1回分の集計結果。
type CacheRefreshSummary struct {
	Guides   int `json:"guides"`
	Planners int `json:"planners"`
	Failed   int `json:"failed"`
}

// Service はビルドガイド同期サービス。
type Service struct {
	guides         GuideSource
	resolver       PlannerResolver
	parsers        profile.ParserFactory
	items          itemdata.Provider
	store          repository.Store
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	plannerPageURL string
	concurrency    int
	production     bool
	now            func() time.Time
	newID          func() string
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator はID生成関数を差し替える。
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService はServiceを生成する。resolverがnilの場合、全てのガイドを単一バンドルとして解析する。
func NewService(
	guides GuideSource,
	resolver PlannerResolver,
	parsers profile.ParserFactory,
	items itemdata.Provider,
	store repository.Store,
	cfg *config.Config,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		guides:         guides,
		resolver:       resolver,
		parsers:        parsers,
		items:          items,
		store:          store,
		metrics:        metrics.Nop{},
		logger:         logger,
		plannerPageURL: cfg.Sync.PlannerPageURL,
		concurrency:    cfg.Sync.Concurrency,
		production:     cfg.IsProduction(),
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchGuides はガイド一覧を取得する。失敗はSCRAPING_ERRORとして返す。
func (s *Service) FetchGuides(ctx context.Context, forceRefresh bool) ([]model.GuideInfo, error) {
	guides, err := s.guides.FetchGuides(ctx, forceRefresh)
	if err != nil {
		return nil, model.NewScrapingError(err)
	}
	return guides, nil
}

// guideResult はガイド1件分の処理結果。
type guideResult struct {
	bundles []model.GuideBundle
	skipped int
	err     error
}

// BuildProfilesFromGuides は各ガイドを解析してバンドル列を返す。
// 複数のプランナーを含むガイドはプランナーごとのバンドルに分割する。
// 解析失敗やプロファイルなしはスキップとして数え、取得失敗はエラーとして返す。
// 出力はガイドの順序、ガイド内ではプランナーIDの発見順を保つ。
func (s *Service) BuildProfilesFromGuides(ctx context.Context, guides []model.GuideInfo, forceRefresh bool) ([]model.GuideBundle, int, error) {
	results := make([]guideResult, len(guides))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i, g := range guides {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, g model.GuideInfo) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				results[i] = guideResult{err: err}
				return
			}
			bundles, skipped, err := s.bundlesForGuide(ctx, g, forceRefresh)
			results[i] = guideResult{bundles: bundles, skipped: skipped, err: err}
		}(i, g)
	}

	wg.Wait()

	var bundles []model.GuideBundle
	skipped := 0
	for i, r := range results {
		if r.err != nil {
			return nil, 0, fmt.Errorf("ガイドの解析に失敗しました (url=%s): %w", guides[i].URL, r.err)
		}
		bundles = append(bundles, r.bundles...)
		skipped += r.skipped
	}
	return bundles, skipped, nil
}

func (s *Service) bundlesForGuide(ctx context.Context, g model.GuideInfo, forceRefresh bool) ([]model.GuideBundle, int, error) {
	ids, err := s.plannerIDs(ctx, g)
	if err != nil {
		if fatal(ctx, err) {
			return nil, 0, err
		}
		// 同じガイドページを再取得しても結果は変わらないため、その場でスキップする
		s.skip(g.Name, g.URL, skipReason(err), err)
		return nil, 1, nil
	}

	switch len(ids) {
	case 0:
		return s.single(s.parseBundle(ctx, g.Name, g.URL, func() (*profile.Parser, error) {
			return s.parsers.FromURL(ctx, g.URL, forceRefresh)
		}))
	case 1:
		return s.single(s.parseBundle(ctx, g.Name, g.URL, func() (*profile.Parser, error) {
			return s.parsers.FromPlanner(ctx, ids[0], g.URL, forceRefresh)
		}))
	}

	s.logger.Info("複数のプランナーを含むガイドを分割します",
		slog.String("guide_url", g.URL),
		slog.Int("planner_count", len(ids)),
	)

	var bundles []model.GuideBundle
	skipped := 0
	for _, id := range ids {
		name := fmt.Sprintf("%s (planner %s)", g.Name, id)
		plannerURL := fmt.Sprintf(s.plannerPageURL, id)
		b, ok, err := s.parseBundle(ctx, name, plannerURL, func() (*profile.Parser, error) {
			return s.parsers.FromPlanner(ctx, id, plannerURL, forceRefresh)
		})
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			skipped++
			continue
		}
		bundles = append(bundles, b)
	}
	return bundles, skipped, nil
}

// single はバンドル1件分の結果をbundlesForGuideの戻り値に変換する。
func (s *Service) single(b model.GuideBundle, ok bool, err error) ([]model.GuideBundle, int, error) {
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 1, nil
	}
	return []model.GuideBundle{b}, 0, nil
}

// plannerIDs はガイドのプランナーIDを返す。リゾルバが利用できない場合はnilを返し、
// 呼び出し側はガイドURLを直接解析する。ガイドURL自体がプランナーページならそのIDを返す。
func (s *Service) plannerIDs(ctx context.Context, g model.GuideInfo) ([]string, error) {
	if id, ok := planner.PlannerIDFromURL(g.URL); ok {
		return []string{id}, nil
	}
	if s.resolver == nil {
		return nil, nil
	}
	return s.resolver.PlannerIDs(ctx, g.URL)
}

// parseBundle はparseで得たParserからバンドルを作る。スキップした場合はokがfalseになる。
func (s *Service) parseBundle(ctx context.Context, name, rawURL string, parse func() (*profile.Parser, error)) (model.GuideBundle, bool, error) {
	parser, err := parse()
	if err != nil {
		if fatal(ctx, err) {
			return model.GuideBundle{}, false, err
		}
		s.skip(name, rawURL, skipReason(err), err)
		return model.GuideBundle{}, false, nil
	}

	profiles := parser.Profiles()
	if len(profiles) == 0 {
		s.skip(name, rawURL, SkipReasonNoProfiles, nil)
		return model.GuideBundle{}, false, nil
	}

	return model.GuideBundle{
		Name:     name,
		URL:      rawURL,
		Profiles: profiles,
		Usages:   parser.Usages(),
	}, true, nil
}

func skipReason(err error) string {
	if fe, ok := model.AsFetchError(err); ok && fe.NotFound() {
		return SkipReasonNotFound
	}
	return SkipReasonParseError
}

func (s *Service) skip(name, rawURL, reason string, err error) {
	s.metrics.RecordGuideSkipped(reason)
	attrs := []any{
		slog.String("name", name),
		slog.String("url", rawURL),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Warn("ガイドをスキップしました", attrs...)
}

// fatal はバッチ全体を中断すべきエラーかを判定する。
// 404/410以外の取得失敗とコンテキストの終了が該当する。
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if fe, ok := model.AsFetchError(err); ok {
		return !fe.NotFound()
	}
	return false
}

// PrepareDatabase はガイド取得、解析、同期を順に実行する。
// 本番環境ではforceRefreshの指定に関わらずキャッシュを使わない。
func (s *Service) PrepareDatabase(ctx context.Context, forceRefresh bool) (model.BuildSyncSummary, error) {
	start := s.now()
	if s.production {
		forceRefresh = true
	}

	s.logger.Info("ビルド同期を開始します", slog.Bool("force_refresh", forceRefresh))

	guides, err := s.FetchGuides(ctx, forceRefresh)
	if err != nil {
		return model.BuildSyncSummary{}, err
	}

	bundles, skipped, err := s.BuildProfilesFromGuides(ctx, guides, forceRefresh)
	if err != nil {
		return model.BuildSyncSummary{}, err
	}

	summary, err := s.SyncProfilesToDatabase(ctx, bundles)
	summary.GuidesProcessed = len(bundles)
	summary.GuidesSkipped = skipped

	duration := s.now().Sub(start)
	s.metrics.RecordSyncSummary(summary)
	s.metrics.RecordSyncDuration(duration)

	if err != nil {
		return summary, err
	}

	s.logger.Info("ビルド同期が完了しました",
		slog.Int("guides", len(guides)),
		slog.Int("guides_processed", summary.GuidesProcessed),
		slog.Int("guides_skipped", summary.GuidesSkipped),
		slog.Int("builds_created", summary.BuildsCreated),
		slog.Int("builds_updated", summary.BuildsUpdated),
		slog.Int("profiles_created", summary.ProfilesCreated),
		slog.Int("items_created", summary.ItemsCreated),
		slog.Int("usages_created", summary.UsagesCreated),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return summary, nil
}

// RefreshCaches はキャッシュを読まずにガイド一覧と全プランナーのペイロードを取得し直す。
// 個別プランナーの404/410や抽出失敗は数えるだけで継続する。
func (s *Service) RefreshCaches(ctx context.Context) (CacheRefreshSummary, error) {
	var summary CacheRefreshSummary

	guides, err := s.FetchGuides(ctx, true)
	if err != nil {
		return summary, err
	}
	summary.Guides = len(guides)

	if s.resolver == nil {
		return summary, nil
	}

	for _, g := range guides {
		ids, err := s.resolver.PlannerIDs(ctx, g.URL)
		if err != nil {
			if fatal(ctx, err) {
				return summary, fmt.Errorf("プランナーIDの取得に失敗しました (url=%s): %w", g.URL, err)
			}
			summary.Failed++
			s.metrics.RecordGuideSkipped(SkipReasonRefreshError)
			continue
		}
		for _, id := range ids {
			if _, err := s.resolver.LoadPlanner(ctx, id, true); err != nil {
				if fatal(ctx, err) {
					return summary, fmt.Errorf("プランナーの取得に失敗しました (id=%s): %w", id, err)
				}
				summary.Failed++
				s.metrics.RecordGuideSkipped(SkipReasonRefreshError)
				continue
			}
			summary.Planners++
		}
	}

	s.logger.Info("キャッシュを更新しました",
		slog.Int("guides", summary.Guides),
		slog.Int("planners", summary.Planners),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}
