package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/skeetman/internal/model"
)

// PostgresSendLogRepo はPostgreSQLを使用した送信ログリポジトリ。
type PostgresSendLogRepo struct {
	db *sql.DB
}

// NewPostgresSendLogRepo はPostgresSendLogRepoを生成する。
func NewPostgresSendLogRepo(db *sql.DB) *PostgresSendLogRepo {
	return &PostgresSendLogRepo{db: db}
}

var _ SendLogRepository = (*PostgresSendLogRepo)(nil)

// ListByPostID は投稿の送信ログをposted_at降順、created_at降順で取得する。
func (r *PostgresSendLogRepo) ListByPostID(ctx context.Context, postID string, limit, offset int) ([]*model.SendLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, post_id, platform, status, posted_at, attempt,
		        error_code, error_message, remote_uri, content_snapshot, created_at
		 FROM post_send_logs
		 WHERE post_id = $1
		 ORDER BY posted_at DESC, created_at DESC
		 LIMIT $2 OFFSET $3`,
		postID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("送信ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.SendLogEntry
	for rows.Next() {
		e := &model.SendLogEntry{}
		var status string
		var errCode, errMsg, remoteURI, snapshot sql.NullString
		if err := rows.Scan(
			&e.ID, &e.PostID, &e.Platform, &status, &e.PostedAt, &e.Attempt,
			&errCode, &errMsg, &remoteURI, &snapshot, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("送信ログの読み取りに失敗しました: %w", err)
		}
		e.Status = model.SendStatus(status)
		e.ErrorCode = nullStringValue(errCode)
		e.ErrorMessage = nullStringValue(errMsg)
		e.RemoteURI = nullStringValue(remoteURI)
		e.ContentSnapshot = nullStringValue(snapshot)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信ログの読み取りに失敗しました: %w", err)
	}
	return entries, nil
}

// CountByPostID は投稿の送信ログ件数を返す。
func (r *PostgresSendLogRepo) CountByPostID(ctx context.Context, postID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM post_send_logs WHERE post_id = $1`,
		postID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("送信ログ件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
