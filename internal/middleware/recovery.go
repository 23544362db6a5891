package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/skeetman/internal/model"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500応答に変換する。
// スタックはログにのみ出し、応答にはrequest_idだけを含める。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// クライアント切断による中断はnet/httpに任せる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", chimw.GetReqID(r.Context())),
					slog.String("stack", string(debug.Stack())),
				)
				WriteAPIError(w, r, http.StatusInternalServerError, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}
