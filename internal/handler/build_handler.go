package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/d3keep/internal/catalog"
	"github.com/hitoshi/d3keep/internal/middleware"
)

// BuildServiceInterface は代表ビルド一覧の取得インターフェース。
type BuildServiceInterface interface {
	ListRepresentatives(ctx context.Context) ([]catalog.Representative, error)
}

// BuildHandler はビルド一覧APIのハンドラ。
type BuildHandler struct {
	service BuildServiceInterface
	logger  *slog.Logger
}

// NewBuildHandler はBuildHandlerを生成する。
func NewBuildHandler(service BuildServiceInterface, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{service: service, logger: logger}
}

type buildListResponse struct {
	Builds []catalog.Representative `json:"builds"`
	Count  int                      `json:"count"`
}

// ListBuilds はGET /api/buildsを処理する。
// プランナー単位に分割されたビルドは論理ガイドごとに1件にまとめて返す。
func (h *BuildHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	reps, err := h.service.ListRepresentatives(r.Context())
	if err != nil {
		h.logger.Error("ビルド一覧の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if reps == nil {
		reps = []catalog.Representative{}
	}
	middleware.WriteJSON(w, http.StatusOK, buildListResponse{Builds: reps, Count: len(reps)})
}
