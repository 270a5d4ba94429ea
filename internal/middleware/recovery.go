package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラ内のpanicを500のJSONエラーに変換するミドルウェアを返す。
// http.ErrAbortHandlerによる中断はそのまま再panicさせる。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				}
				if reqID := chimw.GetReqID(r.Context()); reqID != "" {
					attrs = append(attrs, slog.String("request_id", reqID))
				}
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
				logger.ErrorContext(r.Context(), "panic recovered", attrs...)

				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
