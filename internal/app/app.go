package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hitoshi/skeetman/internal/config"
	"github.com/hitoshi/skeetman/internal/database"
	"github.com/hitoshi/skeetman/internal/handler"
	"github.com/hitoshi/skeetman/internal/logger"
	"github.com/hitoshi/skeetman/internal/middleware"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映（不正な値はinfoのまま）
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("ignoring LOG_LEVEL", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("scheduler_enabled", cfg.SchedulerEnabled),
		slog.Bool("discard_mode", cfg.SchedulerDiscardMode),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// SCHEDULER_ENABLEDがtrueの場合は起動時照合とスケジューラも同じプロセスで動かす。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. ドメインコンポーネントの構築
	comps, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer comps.Close()

	// 3. スケジューラの起動（無効時は別プロセスのスケジューラをRedis経由で操作する）
	if cfg.SchedulerEnabled {
		if err := comps.startScheduler(ctx); err != nil {
			return err
		}
		defer comps.stopScheduler()
	}
	schedCtrl := comps.schedulerController(cfg)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		Gatherer:          comps.registry,
		PendingService:    comps.pending,
		Scheduler:         schedCtrl,
		SettingsService:   comps.settings,
		Presence:          comps.presence,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	notifySystemd(daemon.SdNotifyReady)

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")
	notifySystemd(daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 起動時照合とスケジューラのみを動かす。APIを別プロセスで動かす場合、在席情報にはRedisが必要。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is not set; a separate API process can neither share heartbeats nor restart this scheduler")
	}

	// 2. ドメインコンポーネントの構築
	comps, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer comps.Close()

	// 3. スケジューラの起動
	if err := comps.startScheduler(ctx); err != nil {
		return err
	}

	notifySystemd(daemon.SdNotifyReady)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down worker...")
	notifySystemd(daemon.SdNotifyStopping)

	// 実行中のティックと送信の完了を待つ
	comps.stopScheduler()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Int("version", int(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// rateLimiterConfig はreq/min単位の設定値をレートリミッターの設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAction > 0 {
		rl.ActionRate = rate.Limit(float64(cfg.RateLimitAction) / 60.0)
		rl.ActionBurst = cfg.RateLimitAction
	}
	return rl
}

// notifySystemd はsystemdに状態を通知する。NOTIFY_SOCKETが無い環境では何もしない。
func notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("sd_notify failed", slog.String("state", state), slog.String("error", err.Error()))
		return
	}
	if sent {
		slog.Debug("sd_notify sent", slog.String("state", state))
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
