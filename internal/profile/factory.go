package profile

import (
	"context"
	"net/url"
	"strings"

	"github.com/hitoshi/d3keep/internal/model"
	"github.com/hitoshi/d3keep/internal/planner"
)

// PayloadResolver はURLからペイロードを解決するインターフェース。
// planner.Resolverが実装する。
type PayloadResolver interface {
	LoadPlanner(ctx context.Context, plannerID string, forceRefresh bool) (model.PlannerPayload, error)
	Resolve(ctx context.Context, guideURL string, forceRefresh bool) (model.PlannerPayload, error)
}

// ParserFactory はURLからParserを生成するインターフェース。
// 同期サービスはこのインターフェースに依存する。
type ParserFactory interface {
	FromURL(ctx context.Context, rawURL string, forceRefresh bool) (*Parser, error)
	FromPlanner(ctx context.Context, plannerID, source string, forceRefresh bool) (*Parser, error)
}

// Factory はURLの種類に応じてペイロードの取得方法を切り替える。
//   - プランナーページURL: そのプランナー1件を取得する
//   - ローカルパスまたはfile:// URL: ファイルを読む
//   - それ以外: ガイドページとして全プランナーを結合する
type Factory struct {
	resolver PayloadResolver
	cleaner  Cleaner
}

// NewFactory は新しいFactoryを生成する。
func NewFactory(resolver PayloadResolver, cleaner Cleaner) *Factory {
	if cleaner == nil {
		cleaner = identityCleaner{}
	}
	return &Factory{resolver: resolver, cleaner: cleaner}
}

// FromURL はURLを解析してParserを返す。
func (f *Factory) FromURL(ctx context.Context, rawURL string, forceRefresh bool) (*Parser, error) {
	if path, ok := localPath(rawURL); ok {
		return LoadFile(path, f.cleaner)
	}

	if id, ok := planner.PlannerIDFromURL(rawURL); ok {
		payload, err := f.resolver.LoadPlanner(ctx, id, forceRefresh)
		if err != nil {
			return nil, err
		}
		return FromPayload(rawURL, payload, f.cleaner)
	}

	payload, err := f.resolver.Resolve(ctx, rawURL, forceRefresh)
	if err != nil {
		return nil, err
	}
	return FromPayload(rawURL, payload, f.cleaner)
}

// FromPlanner はプランナーIDのペイロードを取得してParserを返す。
// sourceはエラーとParser.Sourceに使う表示用のURL。
func (f *Factory) FromPlanner(ctx context.Context, plannerID, source string, forceRefresh bool) (*Parser, error) {
	payload, err := f.resolver.LoadPlanner(ctx, plannerID, forceRefresh)
	if err != nil {
		return nil, err
	}
	return FromPayload(source, payload, f.cleaner)
}

func localPath(rawURL string) (string, bool) {
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return strings.TrimPrefix(rawURL, "file://"), true
		}
		return u.Path, true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// スキームなし、またはWindowsのドライブレター
		return rawURL, true
	}
	return "", false
}
