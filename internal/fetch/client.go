package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/d3keep/internal/config"
	"github.com/hitoshi/d3keep/internal/metrics"
	"github.com/hitoshi/d3keep/internal/model"
)

const userAgent = "d3keep/1.0 (+build guide sync)"

// Response は取得結果。Bodyは読み切ったレスポンスボディ。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Getter はGETリクエストのインターフェース。
// リゾルバーとガイドフェッチャーが利用する。
type Getter interface {
	Get(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*Response, error)
}

// URLValidator は送信前のURL検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Client はプロセス全体で共有するレート制限・リトライ付きHTTPクライアント。
// 全リクエストは1つのrate.Limiterを通過し、最小間隔より短い間隔では送信されない。
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	policy      RetryPolicy
	readTimeout time.Duration
	maxBodySize int64
	validator   URLValidator
	breaker     *gobreaker.CircuitBreaker[*Response]
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithHTTPClient は使用するhttp.Clientを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithURLValidator は送信前のURL検証を設定する。
func WithURLValidator(v URLValidator) Option {
	return func(c *Client) { c.validator = v }
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock は時刻取得と待機の関数を差し替える。テストでリトライ待機を観測するために使う。
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient はFetchConfigからClientを生成する。
func NewClient(cfg config.FetchConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	statuses := cfg.RetryStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryStatuses
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		policy: RetryPolicy{
			MaxRetries:     maxRetries,
			BackoffSeconds: cfg.BackoffSeconds,
			MinInterval:    cfg.MinInterval,
			RetryStatuses:  statuses,
		},
		readTimeout: cfg.ReadTimeout,
		maxBodySize: cfg.MaxBodySize,
		metrics:     metrics.Nop{},
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.BreakerEnabled {
		c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("サーキットブレーカーの状態が変化しました",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
			IsSuccessful: breakerSuccessful,
		})
	}

	return c
}

// Policy はクライアントのリトライポリシーを返す。
func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// Get はURLをGETで取得する。timeoutが0の場合は既定の読み取りタイムアウトを使う。
// リトライ対象ステータスは上限まで再試行し、それ以外のエラーステータスは即座に*model.FetchErrorを返す。
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*Response, error) {
	return c.execute(ctx, request{method: http.MethodGet, url: rawURL, headers: headers, timeout: timeout})
}

// PostJSON はJSONボディをPOSTする。リトライとレート制限はGetと同じ。
func (c *Client) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body []byte, timeout time.Duration) (*Response, error) {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Content-Type"] = "application/json"
	return c.execute(ctx, request{method: http.MethodPost, url: rawURL, headers: h, body: body, timeout: timeout})
}

type request struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	timeout time.Duration
}

func (c *Client) execute(ctx context.Context, req request) (*Response, error) {
	if c.validator != nil {
		if err := c.validator.ValidateURL(req.url); err != nil {
			return nil, &model.FetchError{URL: req.url, Err: fmt.Errorf("URL検証に失敗: %w", err)}
		}
	}
	if c.breaker == nil {
		return c.withRetry(ctx, req)
	}

	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.withRetry(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &model.FetchError{URL: req.url, Err: err}
	}
	return resp, err
}

// withRetry は状態駆動のリトライループ。
// 試行ごとにレート制限を待ち、ポリシーに従って待機する。
func (c *Client) withRetry(ctx context.Context, req request) (*Response, error) {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &model.FetchError{URL: req.url, Attempts: attempt, Err: err}
		}

		resp, err := c.once(ctx, req)
		if err != nil {
			c.logger.Error("HTTPリクエストに失敗しました",
				slog.String("url", req.url),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return nil, &model.FetchError{URL: req.url, Attempts: attempt, Err: err}
		}

		if resp.StatusCode < http.StatusBadRequest {
			return resp, nil
		}

		if !c.policy.Retryable(resp.StatusCode) {
			return nil, &model.FetchError{URL: req.url, StatusCode: resp.StatusCode, Attempts: attempt}
		}
		if !c.policy.CanRetry(attempt) {
			c.logger.Error("リトライ上限に達しました",
				slog.String("url", req.url),
				slog.Int("http_status", resp.StatusCode),
				slog.Int("attempts", attempt),
			)
			return nil, &model.FetchError{URL: req.url, StatusCode: resp.StatusCode, Attempts: attempt, Exhausted: true}
		}

		wait := c.policy.Wait(attempt, resp.Header, c.now())
		c.metrics.RecordRetry(resp.StatusCode)
		c.logger.Warn("リトライ対象のステータスを受信したため待機します",
			slog.String("url", req.url),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, &model.FetchError{URL: req.url, StatusCode: resp.StatusCode, Attempts: attempt, Err: err}
		}
	}
}

// once は1回分のHTTPリクエストを実行し、ボディを読み切って返す。
func (c *Client) once(ctx context.Context, req request) (*Response, error) {
	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.readTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := c.now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer httpResp.Body.Close()

	c.metrics.RecordHTTPStatus(httpResp.StatusCode)

	reader := io.Reader(httpResp.Body)
	if c.maxBodySize > 0 {
		reader = io.LimitReader(httpResp.Body, c.maxBodySize+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if c.maxBodySize > 0 && int64(len(data)) > c.maxBodySize {
		return nil, fmt.Errorf("レスポンスサイズが上限(%dバイト)を超えています", c.maxBodySize)
	}
	c.metrics.RecordFetchLatency(c.now().Sub(start))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		URL:        req.url,
	}, nil
}

// breakerSuccessful はサーキットブレーカーが失敗として数えるエラーを判定する。
// 404等のクライアントエラーとキャンセルは上流障害とみなさない。
func breakerSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var fe *model.FetchError
	if errors.As(err, &fe) && fe.StatusCode >= 400 && fe.StatusCode < 500 && fe.StatusCode != http.StatusTooManyRequests {
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
