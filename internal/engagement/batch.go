package engagement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/platform"
	"github.com/hitoshi/skeetman/internal/publish"
)

// PostStore はエンゲージメント更新に必要な投稿の永続化操作。
type PostStore interface {
	ListNeedingEngagementRefresh(ctx context.Context, limit int) ([]*model.Post, error)
	UpdateEngagement(ctx context.Context, id string, likes, reposts int, fetchedAt time.Time) error
}

// ReaderLookup はリモートURIを扱えるEngagementReaderを返す。
type ReaderLookup interface {
	EngagementReaderFor(uri string) (string, platform.EngagementReader, bool)
}

// DefaultBatchSize は1回の更新で対象にする投稿数の既定値。
const DefaultBatchSize = 3

// Refresher は投稿済みskeetのいいね数とリポスト数をまとめて更新する。
// 連続してエラーになった場合はバックオフ期間中の実行をスキップする。
type Refresher struct {
	posts   PostStore
	readers ReaderLookup
	creds   publish.CredentialResolver
	limiter *rate.Limiter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu                sync.Mutex
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
// apiIntervalはプラットフォームAPI呼び出しの最低間隔で、0以下の場合は待たない。
func NewRefresher(
	posts PostStore,
	readers ReaderLookup,
	creds publish.CredentialResolver,
	apiInterval time.Duration,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Refresher {
	limit := rate.Inf
	if apiInterval > 0 {
		limit = rate.Every(apiInterval)
	}
	return &Refresher{
		posts:   posts,
		readers: readers,
		creds:   creds,
		limiter: rate.NewLimiter(limit, 1),
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// target はURIを持つ投稿とそのURI集合。
type target struct {
	post *model.Post
	uris []string
}

// RefreshBatch はengagement_fetched_atが古い順に最大limit件の投稿を更新し、更新件数を返す。
// 投稿ごとの値は全プラットフォームの合計になる。
// 取得に失敗したプラットフォームのURIしか持たない投稿は前回値を維持する。
func (r *Refresher) RefreshBatch(ctx context.Context, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.backoffUntil.IsZero() && now.Before(r.backoffUntil) {
		r.logger.Info("エンゲージメント更新はバックオフ中のためスキップします",
			slog.Time("backoff_until", r.backoffUntil),
		)
		return 0, nil
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	posts, err := r.posts.ListNeedingEngagementRefresh(ctx, limit)
	if err != nil {
		r.recordRun(0, true)
		return 0, fmt.Errorf("エンゲージメント更新対象の取得に失敗しました: %w", err)
	}

	var targets []target
	byReader := make(map[string][]string)
	readers := make(map[string]platform.EngagementReader)
	for _, p := range posts {
		uris := remoteURIs(p)
		if len(uris) == 0 {
			continue
		}
		targets = append(targets, target{post: p, uris: uris})
		for _, uri := range uris {
			id, reader, ok := r.readers.EngagementReaderFor(uri)
			if !ok {
				continue
			}
			readers[id] = reader
			byReader[id] = append(byReader[id], uri)
		}
	}
	if len(targets) == 0 {
		r.logger.Debug("エンゲージメント更新対象の投稿はありません")
		return 0, nil
	}

	counts := make(map[string]platform.Engagement)
	fetched := make(map[string]bool)
	var hadError bool

	ids := make([]string, 0, len(byReader))
	for id := range byReader {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		creds := r.creds.Resolve(id)
		if err := r.creds.Validate(id, creds); err != nil {
			r.logger.Debug("資格情報がないためエンゲージメントを取得しません",
				slog.String("platform", id),
				slog.String("reason", err.Error()),
			)
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		uris := byReader[id]
		result, err := readers[id].FetchEngagement(ctx, uris, *creds)
		if err != nil {
			r.logger.Error("エンゲージメントの取得に失敗しました",
				slog.String("platform", id),
				slog.Int("uris", len(uris)),
				slog.String("error", err.Error()),
			)
			hadError = true
			continue
		}
		// レスポンスに含まれないURI（削除済みなど）は0件として扱う
		for _, uri := range uris {
			counts[uri] = result[uri]
			fetched[uri] = true
		}
	}

	var updated int
	fetchedAt := r.now().UTC()
	for _, tg := range targets {
		var likes, reposts int
		var found bool
		for _, uri := range tg.uris {
			if !fetched[uri] {
				continue
			}
			found = true
			likes += counts[uri].Likes
			reposts += counts[uri].Reposts
		}
		if !found {
			continue
		}
		if err := r.posts.UpdateEngagement(ctx, tg.post.ID, likes, reposts, fetchedAt); err != nil {
			r.logger.Error("エンゲージメントの更新に失敗しました",
				slog.String("post_id", tg.post.ID),
				slog.String("error", err.Error()),
			)
			hadError = true
			continue
		}
		updated++
	}

	if hadError {
		r.consecutiveErrors++
		if backoff := calculateErrorBackoff(r.consecutiveErrors); backoff > 0 {
			r.backoffUntil = now.Add(backoff)
			r.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", r.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
		}
	} else {
		r.consecutiveErrors = 0
		r.backoffUntil = time.Time{}
	}
	r.recordRun(updated, hadError)

	r.logger.Info("エンゲージメント更新が完了しました",
		slog.Int("target_posts", len(targets)),
		slog.Int("updated_posts", updated),
		slog.Int("platforms", len(ids)),
	)
	return updated, nil
}

func (r *Refresher) recordRun(updated int, failed bool) {
	if r.metrics != nil {
		r.metrics.RecordEngagementRefresh(updated, failed)
	}
}

// remoteURIs は投稿の送信済みリモートURIを重複なく返す。デモURIは除外する。
func remoteURIs(p *model.Post) []string {
	seen := make(map[string]bool)
	var uris []string
	add := func(uri string) {
		if uri == "" || strings.HasPrefix(uri, "demo://") || seen[uri] {
			return
		}
		seen[uri] = true
		uris = append(uris, uri)
	}

	platforms := make([]string, 0, len(p.PlatformResults))
	for id := range p.PlatformResults {
		platforms = append(platforms, id)
	}
	sort.Strings(platforms)
	for _, id := range platforms {
		res := p.PlatformResults[id]
		if res.Status == model.PlatformResultSent && !res.Demo {
			add(res.URI)
		}
	}
	if len(uris) == 0 {
		add(p.PostURI)
	}
	return uris
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
