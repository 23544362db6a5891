package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/lib/pq"
)

// postColumns はpostsテーブルから読み込むカラム。scanPostと順序を一致させること。
const postColumns = `id, content, scheduled_at, planned_at, repeat_anchor_at,
	repeat, repeat_day_of_week, repeat_days_of_week, repeat_day_of_month,
	status, pending_reason, posted_at, post_uri, target_platforms, platform_results,
	likes_count, reposts_count, engagement_fetched_at, created_at, updated_at, deleted_at`

// foreignKeyViolation はPostgreSQLの外部キー制約違反のSQLSTATE。
const foreignKeyViolation = "23503"

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

var _ PostRepository = (*PostgresPostRepo)(nil)

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return post, nil
}

// ExistsIncludingDeleted は論理削除済みを含めて投稿が存在するかを返す。
func (r *PostgresPostRepo) ExistsIncludingDeleted(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("投稿の存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// ListDue は発火時刻を過ぎた予約済み投稿を取得する。
// 行ロックは取得しない。送信時にWithLockedPostで状態を再確認する。
func (r *PostgresPostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		 FROM posts
		 WHERE status = 'scheduled'
		   AND deleted_at IS NULL
		   AND scheduled_at IS NOT NULL
		   AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("送信対象投稿の取得に失敗しました: %w", err)
	}
	return collectPosts(rows, "送信対象投稿の読み取りに失敗しました")
}

// ListPending は手動対応待ちの投稿を取得する。
func (r *PostgresPostRepo) ListPending(ctx context.Context) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		 FROM posts
		 WHERE status = 'pending_manual'
		   AND deleted_at IS NULL
		 ORDER BY scheduled_at ASC NULLS LAST, created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("手動対応待ち投稿の取得に失敗しました: %w", err)
	}
	return collectPosts(rows, "手動対応待ち投稿の読み取りに失敗しました")
}

// MarkOverdueAsPending は猶予時間を超えた予約済み投稿をpending_manualに一括遷移させる。
// 既にpending_manualの投稿は対象外のため、理由は上書きされない。
func (r *PostgresPostRepo) MarkOverdueAsPending(ctx context.Context, cutoff time.Time, reason model.PendingReason) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE posts
		 SET status = 'pending_manual', pending_reason = $2, updated_at = now()
		 WHERE status = 'scheduled'
		   AND deleted_at IS NULL
		   AND scheduled_at IS NOT NULL
		   AND scheduled_at < $1
		 RETURNING `+postColumns,
		cutoff, string(reason),
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れ投稿の更新に失敗しました: %w", err)
	}
	return collectPosts(rows, "期限切れ投稿の読み取りに失敗しました")
}

// WithLockedPost は投稿の行ロックを取得してfnを実行する。
func (r *PostgresPostRepo) WithLockedPost(ctx context.Context, id string, fn LockedPostFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		id,
	)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		post = nil
	} else if err != nil {
		return fmt.Errorf("投稿のロック取得に失敗しました: %w", err)
	}

	if err := fn(ctx, post, &txPostWriter{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListNeedingEngagementRefresh はエンゲージメント更新対象の投稿を取得する。
func (r *PostgresPostRepo) ListNeedingEngagementRefresh(ctx context.Context, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		 FROM posts
		 WHERE post_uri IS NOT NULL
		   AND post_uri <> ''
		   AND post_uri NOT LIKE 'demo://%'
		   AND deleted_at IS NULL
		 ORDER BY engagement_fetched_at ASC NULLS FIRST, posted_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("エンゲージメント更新対象の取得に失敗しました: %w", err)
	}
	return collectPosts(rows, "エンゲージメント更新対象の読み取りに失敗しました")
}

// UpdateEngagement はいいね数・リポスト数と取得時刻を更新する。
func (r *PostgresPostRepo) UpdateEngagement(ctx context.Context, id string, likes, reposts int, fetchedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts
		 SET likes_count = $2, reposts_count = $3, engagement_fetched_at = $4
		 WHERE id = $1`,
		id, likes, reposts, fetchedAt,
	)
	if err != nil {
		return fmt.Errorf("エンゲージメントの更新に失敗しました: %w", err)
	}
	return nil
}

// txPostWriter はトランザクション内でのPostWriter実装。
type txPostWriter struct {
	tx *sql.Tx
}

// SaveSchedule は投稿のスケジュール関連フィールドを更新する。
func (w *txPostWriter) SaveSchedule(ctx context.Context, post *model.Post) error {
	targets, err := json.Marshal(post.TargetPlatforms)
	if err != nil {
		return fmt.Errorf("送信先の変換に失敗しました: %w", err)
	}
	results := post.PlatformResults
	if results == nil {
		results = map[string]model.PlatformResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("送信結果の変換に失敗しました: %w", err)
	}

	_, err = w.tx.ExecContext(ctx,
		`UPDATE posts SET
		    scheduled_at = $2, repeat_anchor_at = $3, status = $4, pending_reason = $5,
		    posted_at = $6, post_uri = $7, target_platforms = $8, platform_results = $9,
		    updated_at = $10
		 WHERE id = $1`,
		post.ID, nullTime(post.ScheduledAt), nullTime(post.RepeatAnchorAt),
		string(post.Status), nullString(string(post.PendingReason)),
		nullTime(post.PostedAt), nullString(post.PostURI), targets, resultsJSON,
		post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の更新に失敗しました: %w", err)
	}
	return nil
}

// AppendSendLogs は送信ログを順序どおりに追記する。
func (w *txPostWriter) AppendSendLogs(ctx context.Context, entries []*model.SendLogEntry) error {
	for _, e := range entries {
		_, err := w.tx.ExecContext(ctx,
			`INSERT INTO post_send_logs (id, post_id, platform, status, posted_at, attempt,
			                             error_code, error_message, remote_uri, content_snapshot, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.PostID, e.Platform, string(e.Status), e.PostedAt, e.Attempt,
			nullString(e.ErrorCode), nullString(e.ErrorMessage), nullString(e.RemoteURI),
			nullString(e.ContentSnapshot), e.CreatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
				return model.NewPostNotFoundError(e.PostID)
			}
			return fmt.Errorf("送信ログの追記に失敗しました: %w", err)
		}
	}
	return nil
}

// scanPost は1行分の投稿を読み取る。
func scanPost(s rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var (
		scheduledAt, plannedAt, anchorAt, postedAt, fetchedAt, deletedAt sql.NullTime
		dayOfWeek, dayOfMonth                                            sql.NullInt32
		daysOfWeek                                                       []int64
		pendingReason, postURI                                           sql.NullString
		repeat, status                                                   string
		targets, results                                                 []byte
	)

	err := s.Scan(
		&p.ID, &p.Content, &scheduledAt, &plannedAt, &anchorAt,
		&repeat, &dayOfWeek, pq.Array(&daysOfWeek), &dayOfMonth,
		&status, &pendingReason, &postedAt, &postURI, &targets, &results,
		&p.LikesCount, &p.RepostsCount, &fetchedAt, &p.CreatedAt, &p.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ScheduledAt = nullTimeValue(scheduledAt)
	p.PlannedAt = nullTimeValue(plannedAt)
	p.RepeatAnchorAt = nullTimeValue(anchorAt)
	p.PostedAt = nullTimeValue(postedAt)
	p.EngagementFetchedAt = nullTimeValue(fetchedAt)
	p.DeletedAt = nullTimeValue(deletedAt)
	p.Repeat = model.Repeat(repeat)
	p.Status = model.PostStatus(status)
	p.PendingReason = model.PendingReason(nullStringValue(pendingReason))
	p.PostURI = nullStringValue(postURI)
	p.RepeatDayOfWeek = nullIntValue(dayOfWeek)
	p.RepeatDayOfMonth = nullIntValue(dayOfMonth)
	for _, d := range daysOfWeek {
		p.RepeatDaysOfWeek = append(p.RepeatDaysOfWeek, int(d))
	}

	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &p.TargetPlatforms); err != nil {
			return nil, fmt.Errorf("target_platformsの解析に失敗しました: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &p.PlatformResults); err != nil {
			return nil, fmt.Errorf("platform_resultsの解析に失敗しました: %w", err)
		}
	}

	return p, nil
}

// collectPosts はrowsから全ての投稿を読み取ってrowsを閉じる。
func collectPosts(rows *sql.Rows, scanErrMsg string) ([]*model.Post, error) {
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", scanErrMsg, err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", scanErrMsg, err)
	}
	return posts, nil
}
