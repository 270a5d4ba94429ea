// Package cache はTTL付きのファイルキャッシュを提供する。
// 書き込みは同一ディレクトリの一時ファイルからのリネームで行い、
// 読み手が書き込み途中のファイルを観測することはない。
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/d3keep/internal/metrics"
)

// FileCache はキーごとに1ファイルを持つキャッシュ。
// TTLが0の場合は期限切れにならない。
type FileCache struct {
	name    string
	dir     string
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// Option はFileCacheの生成オプション。
type Option func(*FileCache)

// WithNow は現在時刻の取得関数を差し替える。
func WithNow(now func() time.Time) Option {
	return func(c *FileCache) { c.now = now }
}

// WithMetrics はキャッシュ参照のメトリクスを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *FileCache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewFileCache は新しいFileCacheを生成する。nameはログとメトリクスのラベル。
func NewFileCache(name, dir string, ttl time.Duration, logger *slog.Logger, opts ...Option) *FileCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &FileCache{
		name:    name,
		dir:     dir,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path はキーに対応するファイルパスを返す。
func (c *FileCache) Path(key string) string {
	return filepath.Join(c.dir, sanitizeKey(key)+".json")
}

// Load はキャッシュを読み込む。ファイルがない、期限切れ、または読み込みに失敗した場合は
// ミスとして(nil, false)を返す。I/Oエラーはログに記録するだけで返さない。
func (c *FileCache) Load(key string) ([]byte, bool) {
	path := c.Path(key)

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("キャッシュファイルの参照に失敗しました",
				slog.String("cache", c.name),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		c.metrics.RecordCacheLookup(c.name, false)
		return nil, false
	}

	if c.expired(info.ModTime()) {
		c.logger.Debug("キャッシュの有効期限が切れています",
			slog.String("cache", c.name),
			slog.String("key", key),
		)
		c.metrics.RecordCacheLookup(c.name, false)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("キャッシュファイルの読み込みに失敗しました",
			slog.String("cache", c.name),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordCacheLookup(c.name, false)
		return nil, false
	}

	c.metrics.RecordCacheLookup(c.name, true)
	return data, true
}

// Store はデータをアトミックに書き込む。
func (c *FileCache) Store(key string, data []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("キャッシュディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, "."+sanitizeKey(key)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// リネーム済みなら存在しない
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("一時ファイルへの書き込みに失敗: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("一時ファイルの同期に失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmpPath, c.Path(key)); err != nil {
		return fmt.Errorf("キャッシュファイルのリネームに失敗: %w", err)
	}
	return nil
}

// StoreOrLog はStoreの失敗をログに記録して握りつぶす。
// キャッシュへの書き込み失敗はパイプラインを止めない。
func (c *FileCache) StoreOrLog(key string, data []byte) {
	if err := c.Store(key, data); err != nil {
		c.logger.Warn("キャッシュの書き込みに失敗しました",
			slog.String("cache", c.name),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Prune はretentionより古いキャッシュファイルと書き込み途中で残った一時ファイルを削除し、削除件数を返す。
// ディレクトリが存在しない場合は何もしない。
func (c *FileCache) Prune(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("キャッシュディレクトリの読み込みに失敗: %w", err)
	}

	cutoff := c.now().Add(-retention)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("キャッシュファイルの削除に失敗: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Name はキャッシュ名を返す。
func (c *FileCache) Name() string {
	return c.name
}

func (c *FileCache) expired(modTime time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().After(modTime.Add(c.ttl))
}

// sanitizeKey はキーをファイル名として安全な文字列に変換する。
func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
