// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
)

// PostWriter は行ロック中の投稿に対する書き込み操作。
// LockedPostFuncの中でのみ有効で、同一トランザクションでコミットされる。
type PostWriter interface {
	// SaveSchedule は投稿のスケジュール関連フィールドを更新する。
	// scheduled_at、repeat_anchor_at、status、pending_reason、posted_at、post_uri、
	// target_platforms、platform_resultsが対象。
	SaveSchedule(ctx context.Context, post *model.Post) error

	// AppendSendLogs は送信ログを順序どおりに追記する。
	AppendSendLogs(ctx context.Context, entries []*model.SendLogEntry) error
}

// LockedPostFunc は行ロックを取得した投稿に対する処理。
// postは投稿が存在しないか論理削除済みの場合nilになる。
// nilエラーを返した場合のみコミットされる。
type LockedPostFunc func(ctx context.Context, post *model.Post, w PostWriter) error

// PostRepository は投稿データの永続化インターフェース。
// 論理削除済みの投稿は全ての検索から除外される。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// ExistsIncludingDeleted は論理削除済みを含めて投稿が存在するかを返す。
	// 送信履歴の参照に使用する。
	ExistsIncludingDeleted(ctx context.Context, id string) (bool, error)

	// ListDue はstatus = 'scheduled' かつ scheduled_at <= now の投稿を
	// scheduled_at昇順で最大limit件取得する。
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Post, error)

	// ListPending は手動対応待ちの投稿をscheduled_at昇順、created_at降順で取得する。
	ListPending(ctx context.Context) ([]*model.Post, error)

	// MarkOverdueAsPending はscheduled_atがcutoffより前の予約済み投稿を
	// 一括でpending_manualに遷移させ、遷移した投稿を返す。
	MarkOverdueAsPending(ctx context.Context, cutoff time.Time, reason model.PendingReason) ([]*model.Post, error)

	// WithLockedPost は投稿の行ロック（SELECT ... FOR UPDATE）を取得してfnを実行する。
	// 読み込み・状態確認・更新・送信ログ追記を1トランザクションで行う。
	WithLockedPost(ctx context.Context, id string, fn LockedPostFunc) error

	// ListNeedingEngagementRefresh はリモートURIを持つ投稿を
	// engagement_fetched_atが古い順（NULL優先）に最大limit件取得する。
	ListNeedingEngagementRefresh(ctx context.Context, limit int) ([]*model.Post, error)

	// UpdateEngagement はいいね数・リポスト数と取得時刻を更新する。
	UpdateEngagement(ctx context.Context, id string, likes, reposts int, fetchedAt time.Time) error
}

// SendLogRepository は送信ログの参照インターフェース。
// 送信ログの書き込みはPostWriter経由でのみ行う。
type SendLogRepository interface {
	// ListByPostID は投稿の送信ログをposted_at降順で取得する。
	ListByPostID(ctx context.Context, postID string, limit, offset int) ([]*model.SendLogEntry, error)

	// CountByPostID は投稿の送信ログ件数を返す。
	CountByPostID(ctx context.Context, postID string) (int, error)
}

// SettingsRepository はキー・バリュー形式の設定の永続化インターフェース。
type SettingsRepository interface {
	// GetAll は保存されている全ての設定を返す。
	GetAll(ctx context.Context) (map[string]string, error)

	// Apply はupsertsの値を保存し、deletesのキーを削除する。1トランザクションで実行する。
	Apply(ctx context.Context, upserts map[string]string, deletes []string) error
}
