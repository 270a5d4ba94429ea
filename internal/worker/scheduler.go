// Package worker はビルド同期とキャッシュ更新の定期実行を提供する。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/d3keep/internal/buildsync"
	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/model"
)

// stopTimeout は停止時に実行中ジョブの完了を待つ上限。
const stopTimeout = 30 * time.Second

// SyncRunner は定期実行される同期処理のインターフェース。
type SyncRunner interface {
	PrepareDatabase(ctx context.Context, forceRefresh bool) (model.BuildSyncSummary, error)
	RefreshCaches(ctx context.Context) (buildsync.CacheRefreshSummary, error)
}

// CleanupRunner はキャッシュクリーンアップジョブのインターフェース。
type CleanupRunner interface {
	Run(ctx context.Context) error
}

// Scheduler はcron式に従って同期、キャッシュ更新、クリーンアップを実行する。
// 同じジョブは前回の実行が終わるまで重ねて実行しない。
type Scheduler struct {
	runner          SyncRunner
	cleanup         CleanupRunner
	logger          *slog.Logger
	syncSpec        string
	refreshSpec     string
	cleanupSpec     string
	syncOnStart     bool
	cron            *cron.Cron
	registeredCount int
}

// NewScheduler はSchedulerを生成する。スケジュールが空文字のジョブは登録しない。
// cleanupがnilの場合はクリーンアップジョブを登録しない。
func NewScheduler(runner SyncRunner, cleanup CleanupRunner, cfg config.SyncConfig, logger *slog.Logger) *Scheduler {
	cronLogger := &cronLogAdapter{logger: logger}
	return &Scheduler{
		runner:      runner,
		cleanup:     cleanup,
		logger:      logger,
		syncSpec:    cfg.Schedule,
		refreshSpec: cfg.CacheRefreshSchedule,
		cleanupSpec: cfg.CacheCleanupSchedule,
		syncOnStart: true,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
}

// SetSyncOnStart は起動直後に同期を1回実行するかを設定する。
func (s *Scheduler) SetSyncOnStart(v bool) {
	s.syncOnStart = v
}

type job struct {
	name string
	spec string
	run  func(context.Context)
}

// Register はジョブをcronに登録する。不正なcron式の場合はエラーを返す。
func (s *Scheduler) Register(ctx context.Context) error {
	jobs := []job{
		{"sync", s.syncSpec, s.RunSync},
		{"cache_refresh", s.refreshSpec, s.RunCacheRefresh},
	}
	if s.cleanup != nil {
		jobs = append(jobs, job{"cache_cleanup", s.cleanupSpec, s.RunCleanup})
	}

	for _, job := range jobs {
		if job.spec == "" {
			s.logger.Info("スケジュールが未設定のためジョブを登録しません", slog.String("job", job.name))
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("ジョブ %s の登録に失敗 (spec=%s): %w", job.name, job.spec, err)
		}
		s.registeredCount++
		s.logger.Info("ジョブを登録しました",
			slog.String("job", job.name),
			slog.String("spec", job.spec),
		)
	}
	return nil
}

// Start はジョブを登録してスケジューラを起動し、コンテキストがキャンセルされるまでブロックする。
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("スケジューラを開始しました", slog.Int("jobs", s.registeredCount))

	if s.syncOnStart {
		s.RunSync(ctx)
	}

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("実行中ジョブの完了待ちがタイムアウトしました")
	}
	s.logger.Info("スケジューラを停止しました")
	return nil
}

// RunSync は同期を1回実行する。エラーはログに記録する。
func (s *Scheduler) RunSync(ctx context.Context) {
	summary, err := s.runner.PrepareDatabase(ctx, false)
	if err != nil {
		s.logger.Error("定期同期に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("guides_processed", summary.GuidesProcessed),
		)
	}
}

// RunCacheRefresh はキャッシュ更新を1回実行する。
func (s *Scheduler) RunCacheRefresh(ctx context.Context) {
	if _, err := s.runner.RefreshCaches(ctx); err != nil {
		s.logger.Error("キャッシュ更新に失敗しました", slog.String("error", err.Error()))
	}
}

// RunCleanup はキャッシュクリーンアップを1回実行する。
func (s *Scheduler) RunCleanup(ctx context.Context) {
	if s.cleanup == nil {
		return
	}
	if err := s.cleanup.Run(ctx); err != nil {
		s.logger.Error("キャッシュクリーンアップに失敗しました", slog.String("error", err.Error()))
	}
}

// cronLogAdapter はcron.Loggerをslogに橋渡しする。
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a *cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
