package planner

import (
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/hitoshi/d3keep/internal/cache"
	"github.com/hitoshi/d3keep/internal/model"
)

// PayloadStore はプランナーペイロードのキャッシュのインターフェース。
type PayloadStore interface {
	Load(plannerID string) (model.PlannerPayload, bool)
	Store(plannerID string, payload model.PlannerPayload)
}

// PayloadCache はプランナーIDをキーとしてペイロードをファイルに保存する。
type PayloadCache struct {
	files  *cache.FileCache
	logger *slog.Logger
}

// NewPayloadCache は新しいPayloadCacheを生成する。
func NewPayloadCache(files *cache.FileCache, logger *slog.Logger) *PayloadCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadCache{files: files, logger: logger}
}

// Load はキャッシュ済みのペイロードを返す。壊れたエントリはミスとして扱う。
func (c *PayloadCache) Load(plannerID string) (model.PlannerPayload, bool) {
	data, ok := c.files.Load(plannerID)
	if !ok {
		return nil, false
	}
	payload, err := model.DecodePlannerPayload(data)
	if err != nil {
		c.logger.Warn("キャッシュ済みペイロードのデコードに失敗しました",
			slog.String("planner_id", plannerID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return payload, true
}

// Store はペイロードを保存する。失敗はログに記録するのみ。
func (c *PayloadCache) Store(plannerID string, payload model.PlannerPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("ペイロードのエンコードに失敗しました",
			slog.String("planner_id", plannerID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.files.StoreOrLog(plannerID, data)
}
