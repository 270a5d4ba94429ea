// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/d3keep/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フェッチャー、キャッシュ、同期サービスから利用する。
type MetricsCollector interface {
	RecordHTTPStatus(statusCode int)
	RecordRetry(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordCacheLookup(cache string, hit bool)
	RecordGuideSkipped(reason string)
	RecordSyncSummary(summary model.BuildSyncSummary)
	RecordSyncDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpStatus   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	cacheLookups *prometheus.CounterVec
	guideSkipped *prometheus.CounterVec
	syncCreated  *prometheus.CounterVec
	syncGuides   *prometheus.CounterVec
	syncDuration prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d3keep_http_status_total",
			Help: "上流HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d3keep_fetch_retries_total",
			Help: "リトライ対象ステータスによる再試行数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "d3keep_fetch_latency_seconds",
			Help:    "上流リクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d3keep_cache_lookups_total",
			Help: "キャッシュ参照数（ヒット/ミス別）",
		}, []string{"cache", "result"}),
		guideSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d3keep_guides_skipped_total",
			Help: "スキップされたガイド・プランナー数",
		}, []string{"reason"}),
		syncCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d3keep_sync_rows_created_total",
			Help: "同期で作成された行数",
		}, []string{"entity"}),
		syncGuides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d3keep_sync_guides_total",
			Help: "同期で処理されたガイド数",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "d3keep_sync_duration_seconds",
			Help:    "同期1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}

	reg.MustRegister(
		c.httpStatus,
		c.retries,
		c.fetchLatency,
		c.cacheLookups,
		c.guideSkipped,
		c.syncCreated,
		c.syncGuides,
		c.syncDuration,
	)

	return c
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry(statusCode int) {
	c.retries.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordCacheLookup はキャッシュ参照結果を記録する。
func (c *Collector) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordGuideSkipped はスキップされたガイドを記録する。
func (c *Collector) RecordGuideSkipped(reason string) {
	c.guideSkipped.WithLabelValues(reason).Inc()
}

// RecordSyncSummary は同期結果の各カウントを記録する。
func (c *Collector) RecordSyncSummary(summary model.BuildSyncSummary) {
	c.syncGuides.WithLabelValues("processed").Add(float64(summary.GuidesProcessed))
	c.syncGuides.WithLabelValues("skipped").Add(float64(summary.GuidesSkipped))
	c.syncCreated.WithLabelValues("build").Add(float64(summary.BuildsCreated))
	c.syncCreated.WithLabelValues("profile").Add(float64(summary.ProfilesCreated))
	c.syncCreated.WithLabelValues("item").Add(float64(summary.ItemsCreated))
	c.syncCreated.WithLabelValues("item_usage").Add(float64(summary.UsagesCreated))
}

// RecordSyncDuration は同期の所要時間を記録する。
func (c *Collector) RecordSyncDuration(duration time.Duration) {
	c.syncDuration.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordHTTPStatus(int)                     {}
func (Nop) RecordRetry(int)                          {}
func (Nop) RecordFetchLatency(time.Duration)         {}
func (Nop) RecordCacheLookup(string, bool)           {}
func (Nop) RecordGuideSkipped(string)                {}
func (Nop) RecordSyncSummary(model.BuildSyncSummary) {}
func (Nop) RecordSyncDuration(time.Duration)         {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
