// Package fetch は上流サイトへのレート制限・リトライ付きHTTPアクセスを提供する。
package fetch

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryStatuses はリトライ対象とするHTTPステータスの既定値。
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryPolicy はリトライ判定と待機時間の計算を行う。
// I/Oを伴わない純粋な値で、フェッチループから独立してテストできる。
type RetryPolicy struct {
	// MaxRetries は1回の取得で行う最大試行回数。
	MaxRetries int
	// BackoffSeconds は指数バックオフの底（秒）。
	BackoffSeconds float64
	// MinInterval はバックオフの下限。
	MinInterval time.Duration
	// RetryStatuses はリトライ対象のステータス。
	RetryStatuses []int
}

// Retryable はステータスがリトライ対象かを返す。
func (p RetryPolicy) Retryable(statusCode int) bool {
	for _, s := range p.RetryStatuses {
		if s == statusCode {
			return true
		}
	}
	return false
}

// CanRetry はattempt回目の試行の後にさらに試行できるかを返す。
func (p RetryPolicy) CanRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Backoff はattempt回目の失敗後の待機時間を計算する。
// BackoffSeconds^(attempt-1)秒で、MinIntervalを下回らない。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := math.Pow(p.BackoffSeconds, float64(attempt-1))
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	wait := time.Duration(seconds * float64(time.Second))
	if wait < p.MinInterval {
		wait = p.MinInterval
	}
	return wait
}

// Wait はレスポンスヘッダーと試行回数から次の試行までの待機時間を返す。
// Retry-Afterヘッダーがあれば優先し、なければBackoffを使う。
func (p RetryPolicy) Wait(attempt int, header http.Header, now time.Time) time.Duration {
	if header != nil {
		if d, ok := ParseRetryAfter(header.Get("Retry-After"), now); ok {
			return d
		}
	}
	return p.Backoff(attempt)
}

// ParseRetryAfter はRetry-Afterヘッダーの値を待機時間に変換する。
// 秒数またはHTTP日付を受け付け、負の値は0に丸める。
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || secs < 0 {
			return 0, true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
