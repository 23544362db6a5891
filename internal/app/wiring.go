package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/skeetman/internal/config"
	"github.com/hitoshi/skeetman/internal/engagement"
	"github.com/hitoshi/skeetman/internal/handler"
	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/pending"
	"github.com/hitoshi/skeetman/internal/platform"
	"github.com/hitoshi/skeetman/internal/presence"
	"github.com/hitoshi/skeetman/internal/publish"
	"github.com/hitoshi/skeetman/internal/reconcile"
	"github.com/hitoshi/skeetman/internal/repository"
	"github.com/hitoshi/skeetman/internal/security"
	"github.com/hitoshi/skeetman/internal/settings"
	"github.com/hitoshi/skeetman/internal/worker/control"
	"github.com/hitoshi/skeetman/internal/worker/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// components はserveとworkerで共有する依存関係一式。
type components struct {
	registry   *prometheus.Registry
	settings   *settings.Service
	pending    *pending.Service
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	presence   presence.Store
	// bus はREDIS_URL設定時のみ。プロセス間のスケジューラ制御に使う。
	bus      control.Bus
	listener *control.Listener

	closers []func() error
}

// Close は外部接続を閉じる。
func (c *components) Close() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			slog.Warn("failed to close component", slog.String("error", err.Error()))
		}
	}
}

// buildComponents はリポジトリからスケジューラまでを組み立てる。
func buildComponents(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*components, error) {
	c := &components{}

	// 1. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(c.registry)

	// 2. リポジトリ
	postRepo := repository.NewPostgresPostRepo(db)
	sendLogRepo := repository.NewPostgresSendLogRepo(db)
	settingsRepo := repository.NewPostgresSettingsRepo(db)

	// 3. 設定（環境変数の値を永続化設定のデフォルトとする）
	c.settings = settings.NewService(settingsRepo, cfg.SchedulerDefaults(), logger)

	// 4. プラットフォーム
	guard := security.NewEndpointGuard(cfg.PlatformAllowHTTP)
	httpClient := guard.NewClient(cfg.PlatformTimeout)
	registry := platform.NewRegistry(
		platform.NewBluesky(httpClient),
		platform.NewMastodon(httpClient, cfg.MastodonMaxChars),
	)
	creds := publish.NewStaticCredentialResolver(platformCredentials(cfg), guard)

	// 5. 送信パイプラインと手動対応ワークフロー
	pipeline := publish.NewPipeline(
		postRepo, registry, creds, security.NewPlainTextSanitizer(),
		c.settings, collector, logger, cfg.SchedulerDiscardMode,
	)
	c.pending = pending.NewService(postRepo, sendLogRepo, pipeline, c.settings, pipeline.Rescheduler(), logger)
	c.reconciler = reconcile.NewReconciler(postRepo, c.settings, collector, logger)

	// 6. 在席情報とスケジューラ制御（REDIS_URL未設定時はプロセス内メモリ、制御なし）
	if cfg.RedisURL != "" {
		client, err := presence.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		c.presence = presence.NewRedisStoreWithClient(client, 2*cfg.ClientIdleThreshold)
		c.bus = control.NewRedisBus(client)
		c.closers = append(c.closers, client.Close)
	} else {
		c.presence = presence.NewMemoryStore()
	}

	// 7. スケジューラ
	refresher := engagement.NewRefresher(postRepo, registry, creds, cfg.EngagementAPIInterval, collector, logger)
	c.scheduler = scheduler.New(
		postRepo, pipeline, c.settings, c.presence, refresher, collector, logger,
		scheduler.Config{
			BatchSize:           cfg.SchedulerBatchSize,
			MaxConcurrent:       cfg.SchedulerMaxConcurrent,
			EngagementBatchSize: cfg.EngagementBatchSize,
			Throttle: engagement.ThrottlePolicy{
				ActiveMinInterval:   cfg.EngagementActiveMinInterval,
				IdleMinInterval:     cfg.EngagementIdleMinInterval,
				ClientIdleThreshold: cfg.ClientIdleThreshold,
				DiscardMode:         cfg.SchedulerDiscardMode,
			},
		},
	)

	return c, nil
}

// startScheduler は停止中に期限切れとなった投稿を手動対応待ちへ移してからスケジューラを起動する。
// 照合に失敗した場合は古い投稿を送信しないよう起動しない。
func (c *components) startScheduler(ctx context.Context) error {
	if _, err := c.reconciler.Run(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	status := c.scheduler.Status()
	attrs := []any{
		slog.String("trigger", status.Trigger),
		slog.String("time_zone", status.TimeZone),
	}
	if status.NextRun != nil {
		attrs = append(attrs, slog.Time("next_run", *status.NextRun))
	}
	slog.Info("scheduler started", attrs...)

	// 別プロセスのAPIからの再起動要求を受け付ける
	if c.bus != nil {
		c.listener = control.NewListener(c.bus, c.scheduler, slog.Default())
		if err := c.listener.Start(ctx); err != nil {
			c.scheduler.Stop()
			return fmt.Errorf("failed to subscribe scheduler control: %w", err)
		}
	}
	return nil
}

// stopScheduler は制御の受付を止めてから、実行中のティックの完了を待ってスケジューラを停止する。
func (c *components) stopScheduler() {
	if c.listener != nil {
		c.listener.Stop()
	}
	c.scheduler.Stop()
}

// schedulerController はHTTPハンドラーに渡すスケジューラ操作を選ぶ。
// このプロセスで動かしていればローカル、Redisがあれば別プロセスを操作し、
// どちらでもなければnil（SCHEDULER_UNAVAILABLE）を返す。
func (c *components) schedulerController(cfg *config.Config) handler.SchedulerController {
	switch {
	case cfg.SchedulerEnabled:
		return c.scheduler
	case c.bus != nil:
		return control.NewRemoteScheduler(c.bus, cfg.SchedulerControlTimeout, slog.Default())
	default:
		return nil
	}
}

// platformCredentials は環境変数の資格情報をプラットフォームIDごとにまとめる。
// 何も設定されていないプラットフォームは含めない。
func platformCredentials(cfg *config.Config) map[string]platform.Credentials {
	creds := make(map[string]platform.Credentials)
	if cfg.BlueskyIdentifier != "" || cfg.BlueskyAppPassword != "" {
		creds[platform.BlueskyID] = platform.Credentials{
			ServerURL:  cfg.BlueskyServerURL,
			Identifier: cfg.BlueskyIdentifier,
			Secret:     cfg.BlueskyAppPassword,
		}
	}
	if cfg.MastodonAPIURL != "" || cfg.MastodonAccessToken != "" {
		creds[platform.MastodonID] = platform.Credentials{
			ServerURL: cfg.MastodonAPIURL,
			Secret:    cfg.MastodonAccessToken,
		}
	}
	return creds
}
