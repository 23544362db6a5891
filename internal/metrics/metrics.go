// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 送信パイプライン、スケジューラ、起動時照合、エンゲージメント更新から利用する。
type MetricsCollector interface {
	RecordDispatch(platform string, status string)
	RecordAttempts(platform string, attempts int)
	RecordPlatformHTTPStatus(platform string, statusCode int)
	RecordDispatchLatency(platform string, duration time.Duration)
	RecordTick(duration time.Duration, due int)
	RecordTickSkipped()
	RecordPendingTransition(reason string, count int)
	RecordEngagementRefresh(updated int, failed bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatches        *prometheus.CounterVec
	attempts          *prometheus.HistogramVec
	platformStatus    *prometheus.CounterVec
	dispatchLatency   *prometheus.HistogramVec
	tickDuration      prometheus.Histogram
	tickDue           prometheus.Gauge
	ticksSkipped      prometheus.Counter
	pendingTransition *prometheus.CounterVec
	engagementRuns    *prometheus.CounterVec
	engagementUpdated prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skeetman_dispatch_total",
			Help: "プラットフォーム別・結果別の送信数",
		}, []string{"platform", "status"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skeetman_dispatch_attempts",
			Help:    "1回の送信に要した試行回数",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"platform"}),
		platformStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skeetman_platform_http_status_total",
			Help: "プラットフォームAPIが返したHTTPステータスコード別のレスポンス数",
		}, []string{"platform", "status_code"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skeetman_dispatch_latency_seconds",
			Help:    "プラットフォームごとの送信処理時間（再試行の待機を含む、秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skeetman_tick_duration_seconds",
			Help:    "スケジューラtick1回の処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tickDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skeetman_tick_due_posts",
			Help: "直近のtickで送信対象になった投稿数",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skeetman_ticks_skipped_total",
			Help: "前回のtickが実行中だったためスキップしたtick数",
		}),
		pendingTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skeetman_pending_transitions_total",
			Help: "手動対応待ちに遷移した投稿数",
		}, []string{"reason"}),
		engagementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skeetman_engagement_refresh_runs_total",
			Help: "エンゲージメント一括更新の実行回数",
		}, []string{"result"}),
		engagementUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skeetman_engagement_posts_updated_total",
			Help: "エンゲージメントを更新した投稿の合計数",
		}),
	}

	reg.MustRegister(
		c.dispatches,
		c.attempts,
		c.platformStatus,
		c.dispatchLatency,
		c.tickDuration,
		c.tickDue,
		c.ticksSkipped,
		c.pendingTransition,
		c.engagementRuns,
		c.engagementUpdated,
	)

	return c
}

// RecordDispatch はプラットフォームごとの送信結果を記録する。
func (c *Collector) RecordDispatch(platform string, status string) {
	c.dispatches.WithLabelValues(platform, status).Inc()
}

// RecordAttempts は1回の送信に要した試行回数を記録する。
func (c *Collector) RecordAttempts(platform string, attempts int) {
	c.attempts.WithLabelValues(platform).Observe(float64(attempts))
}

// RecordPlatformHTTPStatus はプラットフォームAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordPlatformHTTPStatus(platform string, statusCode int) {
	c.platformStatus.WithLabelValues(platform, strconv.Itoa(statusCode)).Inc()
}

// RecordDispatchLatency は送信処理時間を記録する。
func (c *Collector) RecordDispatchLatency(platform string, duration time.Duration) {
	c.dispatchLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordTick はtickの処理時間と送信対象数を記録する。
func (c *Collector) RecordTick(duration time.Duration, due int) {
	c.tickDuration.Observe(duration.Seconds())
	c.tickDue.Set(float64(due))
}

// RecordTickSkipped はスキップしたtickを記録する。
func (c *Collector) RecordTickSkipped() {
	c.ticksSkipped.Inc()
}

// RecordPendingTransition は手動対応待ちへの遷移を記録する。
func (c *Collector) RecordPendingTransition(reason string, count int) {
	if count <= 0 {
		return
	}
	c.pendingTransition.WithLabelValues(reason).Add(float64(count))
}

// RecordEngagementRefresh はエンゲージメント一括更新の結果を記録する。
func (c *Collector) RecordEngagementRefresh(updated int, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	c.engagementRuns.WithLabelValues(result).Inc()
	c.engagementUpdated.Add(float64(updated))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
