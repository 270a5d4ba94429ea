// Package planner はガイドページからプランナーIDを解決し、プランナーのペイロードを取得する。
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/fetch"
	"github.com/hitoshi/d3keep/internal/model"
)

// Resolver はガイドURLをプランナーIDとペイロードに解決する。
//
// 状態遷移はFETCH_HTML → EXTRACT_PLANNER_IDS → (FETCH_PAYLOAD)* → MERGEまたは個別公開。
// 同期サービスは個別公開（PlannerIDs）を使い、Resolveのマージはファイル・URL単位の解析用に残している。
type Resolver struct {
	http          fetch.Getter
	cache         PayloadStore
	apiURL        string
	excludedTypes []string
	logger        *slog.Logger
}

// NewResolver は新しいResolverを生成する。cacheがnilの場合はキャッシュを使わない。
func NewResolver(getter fetch.Getter, cache PayloadStore, cfg config.SourceConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		http:          getter,
		cache:         cache,
		apiURL:        cfg.PlannerAPIURL,
		excludedTypes: cfg.PlannerExcludedTypes,
		logger:        logger,
	}
}

// PlannerIDs はガイドページに埋め込まれたプランナーIDを出現順に返す。
// IDが1件もない場合はBUILD_PROFILE_ERRORを返す。取得失敗は*model.FetchErrorのまま返す。
func (r *Resolver) PlannerIDs(ctx context.Context, guideURL string) ([]string, error) {
	resp, err := r.http.Get(ctx, guideURL, map[string]string{"Accept": "text/html"}, 0)
	if err != nil {
		return nil, err
	}

	ids, err := ExtractPlannerIDs(resp.Body, r.excludedTypes)
	if err != nil {
		return nil, model.NewBuildProfileError(guideURL, "ガイドページの解析に失敗しました", err)
	}
	if len(ids) == 0 {
		return nil, model.NewBuildProfileError(guideURL, "プランナーIDが見つかりません", nil)
	}

	r.logger.Debug("プランナーIDを抽出しました",
		slog.String("guide_url", guideURL),
		slog.Int("count", len(ids)),
	)
	return ids, nil
}

// LoadPlanner はプランナーのペイロードを返す。forceRefreshがfalseならキャッシュを先に参照する。
func (r *Resolver) LoadPlanner(ctx context.Context, plannerID string, forceRefresh bool) (model.PlannerPayload, error) {
	if r.cache != nil && !forceRefresh {
		if payload, ok := r.cache.Load(plannerID); ok {
			return payload, nil
		}
	}

	url := r.PlannerAPIURL(plannerID)
	resp, err := r.http.Get(ctx, url, map[string]string{"Accept": "application/json"}, 0)
	if err != nil {
		return nil, err
	}

	payload, err := model.DecodePlannerPayload(resp.Body)
	if err != nil {
		return nil, model.NewBuildProfileError(url, "プランナーのペイロードがJSONオブジェクトではありません", err)
	}

	if r.cache != nil {
		r.cache.Store(plannerID, payload)
	}
	return payload, nil
}

// PlannerAPIURL はプランナーIDからAPIのURLを組み立てる。
func (r *Resolver) PlannerAPIURL(plannerID string) string {
	if strings.Contains(r.apiURL, "%s") {
		return fmt.Sprintf(r.apiURL, plannerID)
	}
	return strings.TrimRight(r.apiURL, "/") + "/" + plannerID
}

// Resolve はガイドの全プランナーのプロファイルを1つのペイロードにまとめる。
// 基本フィールドは最初に取得できたプランナーのものを使う。
// 個別プランナーの解決失敗と404はスキップし、全て失敗した場合は最後のエラーを返す。
func (r *Resolver) Resolve(ctx context.Context, guideURL string, forceRefresh bool) (model.PlannerPayload, error) {
	ids, err := r.PlannerIDs(ctx, guideURL)
	if err != nil {
		return nil, err
	}

	var (
		base     model.PlannerPayload
		profiles []json.RawMessage
		lastErr  error
	)
	for _, id := range ids {
		payload, err := r.LoadPlanner(ctx, id, forceRefresh)
		if err == nil {
			var list []json.RawMessage
			list, err = payload.Profiles()
			if err == nil {
				if base == nil {
					base = payload
				}
				profiles = append(profiles, list...)
				continue
			}
			err = model.NewParseError(r.PlannerAPIURL(id), "プロファイル一覧の形式が不正です", err)
		}
		if fe, ok := model.AsFetchError(err); ok && !fe.NotFound() {
			return nil, err
		}
		r.logger.Warn("プランナーの取得をスキップしました",
			slog.String("guide_url", guideURL),
			slog.String("planner_id", id),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}

	if base == nil {
		return nil, lastErr
	}
	merged, err := base.WithProfiles(profiles)
	if err != nil {
		return nil, model.NewParseError(guideURL, "ペイロードの結合に失敗しました", err)
	}
	return merged, nil
}
