package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/skeetman/internal/presence"
)

// HeartbeatHandler はクライアントの在席通知を受け付ける。
type HeartbeatHandler struct {
	store presence.Store
	now   func() time.Time
}

// NewHeartbeatHandler はHeartbeatHandlerを生成する。
func NewHeartbeatHandler(store presence.Store) *HeartbeatHandler {
	return &HeartbeatHandler{store: store, now: time.Now}
}

// Beat は在席時刻を記録する。
// POST /api/heartbeat
func (h *HeartbeatHandler) Beat(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Beat(r.Context(), h.now()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthChecker は依存先への疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status string `json:"status"`
}

// NewHealthHandler は/healthエンドポイントのハンドラーを返す。
// checkerがnilの場合は常に正常を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, healthResponse{Status: "ok"})
	}
}
