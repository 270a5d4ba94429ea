package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/d3keep/internal/buildsync"
	"github.com/hitoshi/d3keep/internal/cache"
	"github.com/hitoshi/d3keep/internal/catalog"
	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/database"
	"github.com/hitoshi/d3keep/internal/fetch"
	"github.com/hitoshi/d3keep/internal/guide"
	"github.com/hitoshi/d3keep/internal/handler"
	"github.com/hitoshi/d3keep/internal/itemdata"
	"github.com/hitoshi/d3keep/internal/logger"
	"github.com/hitoshi/d3keep/internal/metrics"
	"github.com/hitoshi/d3keep/internal/planner"
	"github.com/hitoshi/d3keep/internal/profile"
	"github.com/hitoshi/d3keep/internal/repository"
	"github.com/hitoshi/d3keep/internal/security"
	"github.com/hitoshi/d3keep/internal/worker"
	"github.com/hitoshi/d3keep/internal/worker/cleanup"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort())
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("app_env", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandSync:
		return runSync(cfg, hasFlag(args, "--force"))
	case CommandRefreshCache:
		return runRefreshCache(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	case CommandMigrate:
		return runMigrate(cfg, hasFlag(args, "--down"))
	default:
		return runServe(cfg)
	}
}

// pipeline は同期パイプラインの構成要素をまとめたもの。
type pipeline struct {
	db       *sql.DB
	store    *repository.PostgresStore
	registry *prometheus.Registry
	sync     *buildsync.Service
	caches   []*cache.FileCache
}

// newPipeline はDB接続を開き、フェッチャーからDBストアまでをワイヤリングする。
// 呼び出し側はclose()でDB接続を閉じること。
func newPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	registry, collector := newMetrics()

	// 3. 上流HTTPクライアント
	client := newFetchClient(cfg, log, collector)

	// 4. キャッシュ
	plannerCache, guideCache := newCaches(cfg, log, collector)

	// 5. プランナー解決とプロファイル解析
	resolver := planner.NewResolver(
		client,
		planner.NewPayloadCache(plannerCache, logger.Component(log, "planner_cache")),
		cfg.Source,
		logger.Component(log, "planner"),
	)
	factory := profile.NewFactory(resolver, security.NewTextSanitizer())
	guides := guide.NewFetcher(client, guideCache, cfg.Source, logger.Component(log, "guide"))

	// 6. アイテムカタログ
	items, err := itemdata.Load(cfg.Sync.ItemDataPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load item data: %w", err)
	}

	// 7. 同期サービス
	store := repository.NewPostgresStore(db)
	svc := buildsync.NewService(
		guides, resolver, factory, items, store, cfg,
		logger.Component(log, "buildsync"),
		buildsync.WithMetrics(collector),
	)

	return &pipeline{
		db:       db,
		store:    store,
		registry: registry,
		sync:     svc,
		caches:   []*cache.FileCache{plannerCache, guideCache},
	}, nil
}

func (p *pipeline) close() {
	if err := p.db.Close(); err != nil {
		slog.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// opsRouter はworkerのレジストリを/metricsで公開するルーターを返す。
func (p *pipeline) opsRouter() http.Handler {
	return newOpsRouter(dbHealth{db: p.db}, p.store, p.registry)
}

// cleanupJob はパイプラインのキャッシュを対象とするクリーンアップジョブを返す。
func (p *pipeline) cleanupJob(cfg *config.Config) *cleanup.CleanupJob {
	pruners := make([]cleanup.Pruner, 0, len(p.caches))
	for _, c := range p.caches {
		pruners = append(pruners, c)
	}
	return cleanup.NewCleanupJob(cfg.Cache.Retention, logger.Component(slog.Default(), "cleanup"), pruners...)
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// newRuntimeRegistry はGoランタイムとプロセスのメトリクスだけを登録したレジストリを返す。
func newRuntimeRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// newMetrics はランタイムメトリクスにパイプラインのメトリクスを加えたレジストリを返す。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	registry := newRuntimeRegistry()
	return registry, metrics.NewCollector(registry)
}

// newFetchClient は上流アクセス用のクライアントを生成する。
// 設定URLのホストのみを許可し、プライベートホストを許可しない場合はSSRF防止クライアントを使う。
func newFetchClient(cfg *config.Config, log *slog.Logger, m metrics.MetricsCollector) *fetch.Client {
	opts := []fetch.Option{fetch.WithMetrics(m)}

	if !cfg.Fetch.AllowPrivateHosts {
		guard := security.NewSSRFGuard(security.HostsFromURLs(
			cfg.Source.SearchURL,
			cfg.Source.GuideURLPrefix,
			cfg.Source.GuideFeedURL,
			cfg.Source.PlannerAPIURL,
			cfg.Source.PlannerPageURL,
		)...)
		opts = append(opts,
			fetch.WithHTTPClient(guard.NewUpstreamClient(cfg.Fetch.ConnectTimeout, cfg.Fetch.ReadTimeout)),
			fetch.WithURLValidator(guard),
		)
	}

	return fetch.NewClient(cfg.Fetch, logger.Component(log, "fetch"), opts...)
}

func newCaches(cfg *config.Config, log *slog.Logger, m metrics.MetricsCollector) (plannerCache, guideCache *cache.FileCache) {
	plannerCache = cache.NewFileCache("planner", filepath.Join(cfg.Cache.Dir, "planner"),
		cfg.Cache.PlannerTTL, logger.Component(log, "cache"), cache.WithMetrics(m))
	guideCache = cache.NewFileCache("guides", filepath.Join(cfg.Cache.Dir, "guides"),
		cfg.Cache.GuideTTL, logger.Component(log, "cache"), cache.WithMetrics(m))
	return plannerCache, guideCache
}

// dbHealth はDB接続をhandler.HealthCheckerとして公開する。
type dbHealth struct {
	db *sql.DB
}

func (h dbHealth) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// newOpsRouter は/health、/metrics、/api/buildsを公開するルーターを返す。
func newOpsRouter(health handler.HealthChecker, builds repository.BuildReader, gatherer prometheus.Gatherer) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:       logger.Component(slog.Default(), "http"),
		BuildService: catalog.NewService(builds),
		Health:       health,
		Metrics:      metrics.Handler(gatherer),
	})
}

func newHTTPServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveUntilDone はctxがキャンセルされるまでserverを動かし、その後グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error",
				slog.String("server", name),
				slog.String("error", err.Error()),
			)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	slog.Info(name + " stopped gracefully")
	return nil
}

// runServe は運用APIサーバーモードで起動する。
// 同期パイプラインは組み立てず、DBから読むビルド一覧とランタイムメトリクスだけを公開する。
// パイプラインのメトリクスはworkerの運用ポートで公開される。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	router := newOpsRouter(dbHealth{db: db}, repository.NewPostgresStore(db), newRuntimeRegistry())
	return serveUntilDone(ctx, newHTTPServer(cfg.ServerPort, router), "API server")
}

// runWorker はワーカーモードで起動する。
// 同期、キャッシュ更新、キャッシュクリーンアップをcronスケジュールで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	scheduler := worker.NewScheduler(p.sync, p.cleanupJob(cfg), cfg.Sync, logger.Component(slog.Default(), "scheduler"))
	scheduler.SetSyncOnStart(true)

	slog.Info("worker starting",
		slog.String("sync_schedule", cfg.Sync.Schedule),
		slog.String("cache_refresh_schedule", cfg.Sync.CacheRefreshSchedule),
		slog.String("cache_cleanup_schedule", cfg.Sync.CacheCleanupSchedule),
		slog.Int("concurrency", cfg.Sync.Concurrency),
	)

	opsDone := make(chan error, 1)
	if cfg.WorkerOpsPort != "" {
		ops := newHTTPServer(cfg.WorkerOpsPort, p.opsRouter())
		go func() { opsDone <- serveUntilDone(ctx, ops, "worker ops server") }()
	} else {
		opsDone <- nil
	}

	if err := scheduler.Start(ctx); err != nil {
		cancel()
		<-opsDone
		return fmt.Errorf("scheduler failed: %w", err)
	}
	if err := <-opsDone; err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runSync はビルド同期を1回実行する。forceRefreshがtrueの場合はキャッシュを読まない。
func runSync(cfg *config.Config, forceRefresh bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	summary, err := p.sync.PrepareDatabase(ctx, forceRefresh)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	slog.Info("sync completed",
		slog.Int("guides_processed", summary.GuidesProcessed),
		slog.Int("guides_skipped", summary.GuidesSkipped),
		slog.Int("builds_created", summary.BuildsCreated),
		slog.Int("profiles_created", summary.ProfilesCreated),
	)
	return nil
}

// runRefreshCache はガイド一覧と全プランナーのキャッシュを1回更新する。
func runRefreshCache(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	summary, err := p.sync.RefreshCaches(ctx)
	if err != nil {
		return fmt.Errorf("cache refresh failed: %w", err)
	}

	slog.Info("cache refresh completed",
		slog.Int("guides", summary.Guides),
		slog.Int("planners", summary.Planners),
		slog.Int("failed", summary.Failed),
	)
	return nil
}

// runCleanup は保持期間を過ぎたキャッシュファイルを削除する。DB接続は不要。
func runCleanup(cfg *config.Config) error {
	log := slog.Default()
	plannerCache, guideCache := newCaches(cfg, log, metrics.Nop{})
	job := cleanup.NewCleanupJob(cfg.Cache.Retention, logger.Component(log, "cleanup"), plannerCache, guideCache)

	if err := job.Run(context.Background()); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// downがfalseの場合はすべての未適用マイグレーションを順番に適用し、trueの場合は最新の1つを戻す。
func runMigrate(cfg *config.Config, down bool) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Bool("down", down),
	)

	migrateFn := database.RunMigrations
	if down {
		migrateFn = database.RollbackMigration
	}
	if err := migrateFn(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	status, err := database.Status(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return nil
}

// healthcheckPort はHEALTHCHECK_PORT、SERVER_PORT、8080の順にヘルスチェック先のポートを決める。
func healthcheckPort() string {
	for _, key := range []string{"HEALTHCHECK_PORT", "SERVER_PORT"} {
		if port := os.Getenv(key); port != "" {
			return port
		}
	}
	return "8080"
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
