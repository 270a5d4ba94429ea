// Package guide は検索インデックスからビルドガイドの一覧を取得する。
package guide

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/fetch"
	"github.com/hitoshi/d3keep/internal/model"
)

const cacheKey = "guides"

// HTTPClient はガイド一覧の取得に使うHTTPクライアントのインターフェース。
type HTTPClient interface {
	Get(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*fetch.Response, error)
	PostJSON(ctx context.Context, rawURL string, headers map[string]string, body []byte, timeout time.Duration) (*fetch.Response, error)
}

// ListCache はガイド一覧のキャッシュのインターフェース。cache.FileCacheが実装する。
type ListCache interface {
	Load(key string) ([]byte, bool)
	StoreOrLog(key string, data []byte)
}

// Fetcher は検索インデックスをページングしてガイド一覧を取得する。
type Fetcher struct {
	http   HTTPClient
	cache  ListCache
	cfg    config.SourceConfig
	logger *slog.Logger
}

// NewFetcher は新しいFetcherを生成する。cacheがnilの場合はキャッシュを使わない。
func NewFetcher(client HTTPClient, cache ListCache, cfg config.SourceConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SearchPageSize <= 0 {
		cfg.SearchPageSize = 100
	}
	return &Fetcher{http: client, cache: cache, cfg: cfg, logger: logger}
}

type searchRequest struct {
	Q      string   `json:"q"`
	Facets []string `json:"facets"`
	Filter string   `json:"filter,omitempty"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

type searchResponse struct {
	Hits []struct {
		Permalink string `json:"permalink"`
	} `json:"hits"`
}

// FetchGuides はガイド一覧を返す。forceRefreshがtrueの場合はキャッシュを読まない。
// 取得に失敗した場合は部分的な一覧を返さずにエラーを返す。
func (f *Fetcher) FetchGuides(ctx context.Context, forceRefresh bool) ([]model.GuideInfo, error) {
	if f.cache != nil && !forceRefresh {
		if guides, ok := f.loadCache(); ok {
			f.logger.Info("キャッシュからガイド一覧を読み込みました", slog.Int("count", len(guides)))
			return guides, nil
		}
	}

	acc := newAccumulator(f.cfg.GuideURLPrefix)
	if err := f.searchAll(ctx, acc); err != nil {
		return nil, err
	}
	if f.cfg.GuideFeedURL != "" {
		if err := f.readFeed(ctx, acc); err != nil {
			return nil, err
		}
	}

	guides := acc.guides
	if f.cache != nil {
		if data, err := json.Marshal(guides); err == nil {
			f.cache.StoreOrLog(cacheKey, data)
		}
	}
	f.logger.Info("ガイド一覧を取得しました", slog.Int("count", len(guides)))
	return guides, nil
}

// searchAll はヒット数がページサイズ未満になるまでページングする。
func (f *Fetcher) searchAll(ctx context.Context, acc *accumulator) error {
	headers := map[string]string{"Accept": "application/json"}
	if f.cfg.SearchAPIKey != "" {
		headers["Authorization"] = "Bearer " + f.cfg.SearchAPIKey
	}

	pageSize := f.cfg.SearchPageSize
	for offset := 0; ; offset += pageSize {
		body, err := json.Marshal(searchRequest{
			Q:      f.cfg.SearchQuery,
			Facets: []string{},
			Filter: f.cfg.SearchFilter,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("検索リクエストのエンコードに失敗: %w", err)
		}

		resp, err := f.http.PostJSON(ctx, f.cfg.SearchURL, headers, body, 0)
		if err != nil {
			return err
		}

		var page searchResponse
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return model.NewFetchFailedError(f.cfg.SearchURL, "検索レスポンスのデコードに失敗しました", err)
		}

		fresh := 0
		for _, hit := range page.Hits {
			if acc.add(hit.Permalink) {
				fresh++
			}
		}
		f.logger.Debug("検索ページを取得しました",
			slog.Int("offset", offset),
			slog.Int("hits", len(page.Hits)),
			slog.Int("fresh", fresh),
		)

		if len(page.Hits) == 0 || len(page.Hits) < pageSize {
			return nil
		}
		// offsetを無視する上流に対する打ち切り
		if fresh == 0 {
			f.logger.Warn("新しいヒットがないためページングを打ち切ります", slog.Int("offset", offset))
			return nil
		}
	}
}

// readFeed はRSS/Atomフィードのリンクをガイド候補として追加する。
func (f *Fetcher) readFeed(ctx context.Context, acc *accumulator) error {
	resp, err := f.http.Get(ctx, f.cfg.GuideFeedURL, map[string]string{
		"Accept": "application/rss+xml, application/atom+xml, application/xml, text/xml, */*",
	}, 0)
	if err != nil {
		return err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return model.NewFetchFailedError(f.cfg.GuideFeedURL, "ガイドフィードのパースに失敗しました", err)
	}
	for _, item := range feed.Items {
		acc.add(item.Link)
	}
	return nil
}

func (f *Fetcher) loadCache() ([]model.GuideInfo, bool) {
	data, ok := f.cache.Load(cacheKey)
	if !ok {
		return nil, false
	}
	var guides []model.GuideInfo
	if err := json.Unmarshal(data, &guides); err != nil {
		f.logger.Warn("ガイド一覧キャッシュのデコードに失敗しました", slog.String("error", err.Error()))
		return nil, false
	}
	return guides, true
}

// accumulator はURLで重複を除きつつ、接頭辞に合うURLのみを出現順に集める。
type accumulator struct {
	prefix string
	seen   map[string]bool
	guides []model.GuideInfo
}

func newAccumulator(prefix string) *accumulator {
	return &accumulator{prefix: prefix, seen: make(map[string]bool)}
}

// add は初出のURLであればtrueを返す。接頭辞に合わないURLも既出として記録する。
func (a *accumulator) add(rawURL string) bool {
	u := strings.TrimSpace(rawURL)
	if u == "" || a.seen[u] {
		return false
	}
	a.seen[u] = true
	if a.prefix == "" || strings.HasPrefix(u, a.prefix) {
		a.guides = append(a.guides, model.GuideInfo{Name: NameFromURL(u), URL: u})
	}
	return true
}

// NameFromURL はURLのスラッグから表示名を作る。
// ハイフンを空白にし、各単語の先頭を大文字にする。"guide"はそのまま残す。
func NameFromURL(rawURL string) string {
	slug := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		slug = u.Path
	}
	// パーセントデコード後の不正なバイト列はタイトルに持ち込まない
	slug = strings.ToValidUTF8(path.Base(strings.TrimRight(slug, "/")), "")
	if slug == "." || slug == "/" {
		return rawURL
	}

	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		if w == "guide" {
			continue
		}
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
