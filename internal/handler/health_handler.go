package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/d3keep/internal/middleware"
)

const healthTimeout = 2 * time.Second

// HealthChecker は依存先の疎通確認インターフェース。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler はヘルスチェックのハンドラ。
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。checkerがnilの場合は常に正常を返す。
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health はGET /healthを処理する。
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := h.checker.Ping(ctx); err != nil {
			h.logger.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, "UNHEALTHY", "依存サービスに接続できません。")
			return
		}
	}
	middleware.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
