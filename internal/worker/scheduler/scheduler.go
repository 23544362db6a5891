// Package scheduler は永続化されたトリガー式に従って予約投稿を定期的に送信する。
// ティックごとに発火時刻を過ぎた投稿を送信パイプラインへ渡し、
// 必要に応じてエンゲージメント更新を非同期で起動する。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/skeetman/internal/engagement"
	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/presence"
	"github.com/hitoshi/skeetman/internal/publish"
	"github.com/hitoshi/skeetman/internal/settings"
)

// DuePostLister は発火時刻を過ぎた予約済み投稿を取得する。
type DuePostLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Post, error)
}

// Dispatcher は1件の投稿を送信する。対象外になっていた場合は(nil, nil)を返す。
type Dispatcher interface {
	Dispatch(ctx context.Context, postID string) (*publish.Result, error)
}

// EngagementRefresher はエンゲージメントをまとめて更新する。
type EngagementRefresher interface {
	RefreshBatch(ctx context.Context, limit int) (int, error)
}

// Config はスケジューラの実行パラメータ。
type Config struct {
	// BatchSize は1ティックで処理する投稿の最大数（デフォルト: 10）。
	BatchSize int
	// MaxConcurrent は同時に送信する投稿の最大数（デフォルト: 4）。
	MaxConcurrent int
	// EngagementBatchSize は1回のエンゲージメント更新の対象投稿数。
	EngagementBatchSize int
	// Throttle はエンゲージメント更新の実行間隔ポリシー。
	Throttle engagement.ThrottlePolicy
}

// Status はスケジューラの現在の状態。
type Status struct {
	Running  bool       `json:"running"`
	Trigger  string     `json:"trigger,omitempty"`
	TimeZone string     `json:"time_zone,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"` // 停止中はnil
}

// Scheduler はトリガー式に従ってティックを実行する。
// ティックは重ならず、実行中に次のティックが来た場合はスキップする。
type Scheduler struct {
	posts      DuePostLister
	dispatcher Dispatcher
	settings   publish.SettingsSource
	presence   presence.Store
	refresher  EngagementRefresher
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     Config
	now        func() time.Time

	mu      sync.Mutex
	baseCtx context.Context
	cron    *cron.Cron
	status  Status

	ticking     atomic.Bool
	refreshing  atomic.Bool
	lastRefresh atomic.Int64
	refreshWG   sync.WaitGroup
}

// New はSchedulerの新しいインスタンスを生成する。
// presenceとrefresherがnilの場合はエンゲージメント更新を行わない。metricsはnilでもよい。
func New(
	posts DuePostLister,
	dispatcher Dispatcher,
	settingsSource publish.SettingsSource,
	presenceStore presence.Store,
	refresher EngagementRefresher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.EngagementBatchSize <= 0 {
		config.EngagementBatchSize = engagement.DefaultBatchSize
	}
	return &Scheduler{
		posts:      posts,
		dispatcher: dispatcher,
		settings:   settingsSource,
		presence:   presenceStore,
		refresher:  refresher,
		metrics:    collector,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// Start はスケジューラを起動する。ctxはティックの実行コンテキストとして保持する。
// トリガー式が不正な場合はINVALID_TRIGGER_EXPRESSIONを返し、起動しない。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	return s.ApplyTrigger(ctx)
}

// ApplyTrigger は保存されているトリガー設定を読み込み、検証して登録する。
// 不正な場合はデフォルトに戻さずINVALID_TRIGGER_EXPRESSIONを返す。
// 既存の登録がある場合は新しい登録が成功した時点で置き換える。
func (s *Scheduler) ApplyTrigger(ctx context.Context) error {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("スケジューラ設定の読み込みに失敗しました: %w", err)
	}

	sched, loc, err := settings.ParseTrigger(cfg.ScheduleTime, cfg.TimeZone)
	if err != nil {
		s.logger.Error("トリガー式が不正なためスケジューラを起動できません",
			slog.String("trigger", cfg.ScheduleTime),
			slog.String("time_zone", cfg.TimeZone),
			slog.String("error", err.Error()),
		)
		return model.NewInvalidTriggerExpressionError(cfg.ScheduleTime, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}

	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	c.Schedule(sched, cron.FuncJob(func() { s.Tick(base) }))

	s.stopLocked()
	s.cron = c
	c.Start()

	s.status = Status{
		Running:  true,
		Trigger:  cfg.ScheduleTime,
		TimeZone: loc.String(),
	}
	s.logger.Info("スケジューラを開始しました",
		slog.String("trigger", cfg.ScheduleTime),
		slog.String("time_zone", loc.String()),
		slog.Int("batch_size", s.config.BatchSize),
		slog.Int("max_concurrent", s.config.MaxConcurrent),
	)
	return nil
}

// Restart は現在のトリガー登録を破棄し、設定を読み直して再登録する。
// 設定変更をプロセスの再起動なしに反映するために使う。
func (s *Scheduler) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()

	s.logger.Info("スケジューラを再起動します")
	return s.ApplyTrigger(ctx)
}

// Stop はトリガーを停止し、実行中のティックとエンゲージメント更新の完了を待つ。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.refreshWG.Wait()
}

func (s *Scheduler) stopLocked() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.status = Status{}
	s.logger.Info("スケジューラを停止しました")
}

// Status はスケジューラの現在の状態を返す。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.cron != nil {
		if entries := s.cron.Entries(); len(entries) > 0 && !entries[0].Next.IsZero() {
			next := entries[0].Next
			st.NextRun = &next
		}
	}
	return st
}

// Tick は発火時刻を過ぎた予約済み投稿を送信し、必要であればエンゲージメント更新を起動する。
// 前回のティックが実行中の場合は何もしない。
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("前回のティックが実行中のためスキップします")
		if s.metrics != nil {
			s.metrics.RecordTickSkipped()
		}
		return
	}
	defer s.ticking.Store(false)

	start := s.now()
	posts, err := s.posts.ListDue(ctx, start.UTC(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("送信対象の投稿の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	if len(posts) > 0 {
		s.logger.Info("送信サイクルを開始します",
			slog.Int("post_count", len(posts)),
		)
		s.dispatchAll(ctx, posts)
	}

	duration := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordTick(duration, len(posts))
	}
	if len(posts) > 0 {
		s.logger.Info("送信サイクルが完了しました",
			slog.Int("post_count", len(posts)),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}

	s.maybeRefreshEngagement(ctx, start)
}

// dispatchAll はsemaphoreパターンで並列数を制御しながら投稿を送信する。
// 1件の失敗やpanicは他の投稿に影響しない。
func (s *Scheduler) dispatchAll(ctx context.Context, posts []*model.Post) {
	sem := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, post := range posts {
		wg.Add(1)
		sem <- struct{}{}

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("投稿の送信中にpanicが発生しました",
						slog.String("post_id", id),
						slog.Any("panic", rec),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()

			res, err := s.dispatcher.Dispatch(ctx, id)
			if err != nil {
				s.logger.Error("投稿の送信に失敗しました",
					slog.String("post_id", id),
					slog.String("error", err.Error()),
				)
				return
			}
			if res == nil {
				s.logger.Debug("投稿は送信対象外になっていました",
					slog.String("post_id", id),
				)
				return
			}
			s.logger.Info("投稿を処理しました",
				slog.String("post_id", id),
				slog.String("status", string(res.Post.Status)),
				slog.Int("succeeded", res.Succeeded),
				slog.Int("failed", res.Failed),
				slog.Int("skipped", res.Skipped),
			)
		}(post.ID)
	}

	wg.Wait()
}

// maybeRefreshEngagement は実行間隔ポリシーを満たす場合にエンゲージメント更新を非同期で起動する。
// 前回の更新が実行中の場合は起動しない。
func (s *Scheduler) maybeRefreshEngagement(ctx context.Context, now time.Time) {
	if s.refresher == nil || s.presence == nil {
		return
	}

	lastSeen, err := s.presence.LastSeen(ctx)
	if err != nil {
		s.logger.Warn("最終ハートビートの取得に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	var lastRefresh time.Time
	if ns := s.lastRefresh.Load(); ns != 0 {
		lastRefresh = time.Unix(0, ns)
	}
	if !engagement.ShouldRefreshNow(lastSeen, lastRefresh, now, s.config.Throttle) {
		return
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	s.lastRefresh.Store(now.UnixNano())

	s.refreshWG.Add(1)
	go func() {
		defer s.refreshWG.Done()
		defer s.refreshing.Store(false)
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("エンゲージメント更新中にpanicが発生しました",
					slog.Any("panic", rec),
				)
			}
		}()

		if _, err := s.refresher.RefreshBatch(ctx, s.config.EngagementBatchSize); err != nil {
			s.logger.Error("エンゲージメント更新に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()
}

// cronLogger はcron.Loggerをslogに接続する。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
