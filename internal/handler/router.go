package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/middleware"
	"github.com/hitoshi/skeetman/internal/presence"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 投稿
	PendingService PendingServiceInterface

	// スケジューラ（このプロセスで動作していない場合はnil）
	Scheduler       SchedulerController
	SettingsService SettingsServiceInterface

	// 在席通知
	Presence presence.Store
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → CORS → APIHeaders → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	postHandler := NewPostHandler(deps.PendingService)
	schedHandler := NewSchedulerHandler(deps.Scheduler, deps.SettingsService)
	heartbeatHandler := NewHeartbeatHandler(deps.Presence)

	// --- API ---
	// ミドルウェアスタック: APIHeaders → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAPIHeadersMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		action := func(h http.HandlerFunc) http.Handler {
			if deps.RateLimiter == nil {
				return h
			}
			return deps.RateLimiter.ActionMiddleware()(h)
		}

		// 投稿
		r.Route("/api/posts", func(r chi.Router) {
			r.Get("/pending", postHandler.ListPending)

			r.Route("/{id}", func(r chi.Router) {
				r.Method(http.MethodPost, "/publish-once", action(postHandler.PublishOnce))
				r.Method(http.MethodPost, "/discard", action(postHandler.Discard))
				r.Get("/history", postHandler.History)
			})
		})

		// スケジューラ
		r.Method(http.MethodPost, "/api/scheduler/restart", action(schedHandler.Restart))
		r.Route("/api/settings/scheduler", func(r chi.Router) {
			r.Get("/", schedHandler.GetSettings)
			r.Method(http.MethodPut, "/", action(schedHandler.UpdateSettings))
		})

		// 在席通知
		r.Post("/api/heartbeat", heartbeatHandler.Beat)
	})

	return r
}
