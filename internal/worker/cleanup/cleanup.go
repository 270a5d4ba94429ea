// Package cleanup は保持期間を過ぎたキャッシュファイルの削除ジョブを提供する。
// ガイド一覧から外れたプランナーのペイロードはTTL切れ後も残り続けるため、定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner は保持期間を超えたエントリを削除するキャッシュ。
type Pruner interface {
	Name() string
	Prune(retention time.Duration) (int, error)
}

// CleanupJob はキャッシュの自動削除ジョブ。冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	caches    []Pruner
	logger    *slog.Logger
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(retention time.Duration, logger *slog.Logger, caches ...Pruner) *CleanupJob {
	return &CleanupJob{
		caches:    caches,
		logger:    logger,
		Retention: retention,
	}
}

// Run は各キャッシュからRetentionより古いファイルを削除する。
// 途中のキャッシュで失敗した場合も残りのキャッシュは処理し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var firstErr error
	total := 0

	for _, c := range j.caches {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed, err := c.Prune(j.Retention)
		total += removed
		if err != nil {
			j.logger.Error("キャッシュクリーンアップに失敗しました",
				slog.String("cache", c.Name()),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("キャッシュ %s のクリーンアップに失敗: %w", c.Name(), err)
			}
			continue
		}
		j.logger.Debug("キャッシュをクリーンアップしました",
			slog.String("cache", c.Name()),
			slog.Int("deleted_count", removed),
		)
	}

	j.logger.Info("キャッシュクリーンアップジョブが完了しました",
		slog.Int("deleted_count", total),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return firstErr
}
