package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvProduction は本番環境を表すAPP_ENVの値。
// 本番ではキャッシュを常にバイパスして同期する。
const EnvProduction = "production"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 各コンポーネントには必要なサブ設定のみを渡す。
type Config struct {
	// Database
	DatabaseURL string

	// Runtime
	AppEnv   string
	LogLevel slog.Level

	// Server
	ServerPort string
	// WorkerOpsPort はworkerが/healthと/metricsを公開するポート。空なら公開しない。
	WorkerOpsPort string

	Fetch  FetchConfig
	Cache  CacheConfig
	Source SourceConfig
	Sync   SyncConfig
}

// FetchConfig はHTTPフェッチャーの設定。
type FetchConfig struct {
	MinInterval       time.Duration
	MaxRetries        int
	BackoffSeconds    float64
	RetryStatuses     []int
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	MaxBodySize       int64
	AllowPrivateHosts bool
	BreakerEnabled    bool
}

// CacheConfig はファイルキャッシュの設定。
type CacheConfig struct {
	Dir        string
	PlannerTTL time.Duration
	GuideTTL   time.Duration
	// Retention を過ぎたキャッシュファイルはクリーンアップジョブで削除する。
	Retention time.Duration
}

// SourceConfig は上流サイト（ガイド検索・プランナーAPI）の設定。
type SourceConfig struct {
	SearchURL      string
	SearchAPIKey   string
	SearchQuery    string
	SearchFilter   string
	SearchPageSize int
	GuideURLPrefix string
	GuideFeedURL   string

	// PlannerAPIURL, PlannerPageURL は%sにプランナーIDを埋め込むテンプレート。
	PlannerAPIURL        string
	PlannerPageURL       string
	PlannerExcludedTypes []string
}

// SyncConfig は同期サービスとスケジューラの設定。
type SyncConfig struct {
	ItemDataPath         string
	Concurrency          int
	PlannerPageURL       string
	Schedule             string
	CacheRefreshSchedule string
	CacheCleanupSchedule string
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, EnvProduction)
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerOpsPort = getEnvString("WORKER_OPS_PORT", "9090")
	if os.Getenv("WORKER_OPS_PORT") == "off" {
		cfg.WorkerOpsPort = ""
	}

	cfg.Fetch = FetchConfig{
		MinInterval:       getEnvDuration("FETCH_MIN_INTERVAL", time.Second),
		MaxRetries:        getEnvInt("FETCH_MAX_RETRIES", 5),
		BackoffSeconds:    getEnvFloat("FETCH_BACKOFF_SECONDS", 2),
		RetryStatuses:     getEnvIntList("FETCH_RETRY_STATUSES", []int{429, 500, 502, 503, 504}),
		ConnectTimeout:    getEnvDuration("FETCH_CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:       getEnvDuration("FETCH_READ_TIMEOUT", 30*time.Second),
		MaxBodySize:       getEnvInt64("FETCH_MAX_SIZE", 10485760),
		AllowPrivateHosts: getEnvBool("FETCH_ALLOW_PRIVATE_HOSTS", false),
		BreakerEnabled:    getEnvBool("FETCH_BREAKER_ENABLED", true),
	}

	cfg.Cache = CacheConfig{
		Dir:        getEnvString("CACHE_DIR", ".cache/d3keep"),
		PlannerTTL: getEnvDuration("PLANNER_CACHE_TTL", 24*time.Hour),
		GuideTTL:   getEnvDuration("GUIDE_CACHE_TTL", 6*time.Hour),
		Retention:  getEnvDuration("CACHE_RETENTION", 7*24*time.Hour),
	}

	plannerPageURL := getEnvString("PLANNER_PAGE_URL", "https://maxroll.gg/d3/d3planner/%s")
	cfg.Source = SourceConfig{
		SearchURL:            getEnvString("GUIDE_SEARCH_URL", "https://meilisearch-proxy.maxroll.gg/indexes/wp_posts_1/search"),
		SearchAPIKey:         getEnvString("GUIDE_SEARCH_API_KEY", ""),
		SearchQuery:          getEnvString("GUIDE_SEARCH_QUERY", ""),
		SearchFilter:         getEnvString("GUIDE_SEARCH_FILTER", `taxonomies.taxonomy.game = "d3" AND taxonomies.taxonomy.category = "Build Guides"`),
		SearchPageSize:       getEnvInt("GUIDE_SEARCH_PAGE_SIZE", 100),
		GuideURLPrefix:       getEnvString("GUIDE_URL_PREFIX", "https://maxroll.gg/d3/guides/"),
		GuideFeedURL:         getEnvString("GUIDE_FEED_URL", ""),
		PlannerAPIURL:        getEnvString("PLANNER_API_URL", "https://planners.maxroll.gg/profiles/d3/%s"),
		PlannerPageURL:       plannerPageURL,
		PlannerExcludedTypes: getEnvStringList("PLANNER_EXCLUDED_TYPES", []string{"altar"}),
	}

	cfg.Sync = SyncConfig{
		ItemDataPath:         getEnvString("ITEM_DATA_PATH", "data/items.json"),
		Concurrency:          getEnvInt("SYNC_CONCURRENCY", 1),
		PlannerPageURL:       plannerPageURL,
		Schedule:             getEnvString("SYNC_SCHEDULE", "@every 6h"),
		CacheRefreshSchedule: getEnvString("CACHE_REFRESH_SCHEDULE", "@every 1h"),
		CacheCleanupSchedule: getEnvString("CACHE_CLEANUP_SCHEDULE", "@daily"),
	}
	if cfg.Sync.Concurrency < 1 {
		cfg.Sync.Concurrency = 1
	}

	if err := validateIDTemplate("PLANNER_API_URL", cfg.Source.PlannerAPIURL); err != nil {
		return nil, err
	}
	if err := validateIDTemplate("PLANNER_PAGE_URL", cfg.Source.PlannerPageURL); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateIDTemplate はテンプレートに%sがちょうど1つだけ含まれ、他の書式指定がないことを確認する。
func validateIDTemplate(key, tmpl string) error {
	if strings.Count(tmpl, "%s") != 1 || strings.Count(tmpl, "%") != 1 {
		return fmt.Errorf("%s must contain exactly one %%s placeholder: %q", key, tmpl)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvStringList はカンマ区切りの値を読み込む。空要素は除外する。
func getEnvStringList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// getEnvIntList はカンマ区切りの整数を読み込む。1つでも不正な値があればデフォルトを返す。
func getEnvIntList(key string, defaultVal []int) []int {
	parts := getEnvStringList(key, nil)
	if parts == nil {
		return defaultVal
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return defaultVal
		}
		out = append(out, i)
	}
	return out
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
