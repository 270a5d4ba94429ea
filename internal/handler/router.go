// Package handler は運用向けHTTPエンドポイントを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/d3keep/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger       *slog.Logger
	BuildService BuildServiceInterface
	Health       HealthChecker
	// Metrics はGET /metricsで公開するハンドラ。nilの場合はルートを登録しない。
	Metrics http.Handler
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	healthHandler := NewHealthHandler(deps.Health, deps.Logger)
	buildHandler := NewBuildHandler(deps.BuildService, deps.Logger)

	r.Get("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Get("/api/builds", buildHandler.ListBuilds)

	return r
}
