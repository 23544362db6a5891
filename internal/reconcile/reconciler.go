// Package reconcile は起動時に停止中に発火時刻を過ぎた投稿を手動対応待ちに移す。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/publish"
)

// OverduePostMarker は猶予時間を超えた予約済み投稿を手動対応待ちに遷移させる。
type OverduePostMarker interface {
	MarkOverdueAsPending(ctx context.Context, cutoff time.Time, reason model.PendingReason) ([]*model.Post, error)
}

// Reconciler は起動時照合を行う。スケジューラの最初のティックより前に1回だけ実行する。
type Reconciler struct {
	posts    OverduePostMarker
	settings publish.SettingsSource
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。metricsはnilでもよい。
func NewReconciler(posts OverduePostMarker, settings publish.SettingsSource, collector metrics.MetricsCollector, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		posts:    posts,
		settings: settings,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// Run はscheduled_atがnow - 猶予時間より前の予約済み投稿をpending_manual（missed_while_offline）に遷移させ、
// 遷移した件数を返す。猶予時間内の投稿と既にpending_manualの投稿は変更しない。
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	settings, err := r.settings.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("スケジューラ設定の読み込みに失敗しました: %w", err)
	}

	now := r.now().UTC()
	grace := settings.GraceWindow()
	cutoff := now.Add(-grace)

	moved, err := r.posts.MarkOverdueAsPending(ctx, cutoff, model.PendingReasonMissedWhileOffline)
	if err != nil {
		return 0, fmt.Errorf("期限切れ投稿の手動対応待ちへの移行に失敗しました: %w", err)
	}

	for _, p := range moved {
		attrs := []any{slog.String("post_id", p.ID)}
		if p.ScheduledAt != nil {
			attrs = append(attrs,
				slog.Time("scheduled_at", *p.ScheduledAt),
				slog.String("overdue", humanize.RelTime(*p.ScheduledAt, now, "ago", "from now")),
			)
		}
		r.logger.Warn("停止中に発火時刻を過ぎた投稿を手動対応待ちにしました", attrs...)
	}

	if r.metrics != nil && len(moved) > 0 {
		r.metrics.RecordPendingTransition(string(model.PendingReasonMissedWhileOffline), len(moved))
	}

	r.logger.Info("起動時照合が完了しました",
		slog.Int("pending", len(moved)),
		slog.Duration("grace_window", grace),
		slog.Time("cutoff", cutoff),
	)
	return len(moved), nil
}
