// Package pending は手動対応待ち投稿のワークフローと送信履歴の参照を提供する。
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/publish"
	"github.com/hitoshi/skeetman/internal/repository"
)

const (
	// DefaultHistoryLimit は送信履歴の既定の取得件数。
	DefaultHistoryLimit = 50
	// MaxHistoryLimit は送信履歴の最大取得件数。
	MaxHistoryLimit = 200
)

// Publisher は手動対応待ち投稿を即時送信する。
type Publisher interface {
	PublishPending(ctx context.Context, postID string) (*publish.Result, error)
}

// History は送信履歴の1ページ。
type History struct {
	Entries []*model.SendLogEntry
	Total   int
	Limit   int
	Offset  int
}

// Service は手動対応待ち投稿の一覧・即時送信・破棄と送信履歴を提供する。
type Service struct {
	posts       repository.PostRepository
	sendLogs    repository.SendLogRepository
	publisher   Publisher
	settings    publish.SettingsSource
	rescheduler *publish.Rescheduler
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	posts repository.PostRepository,
	sendLogs repository.SendLogRepository,
	publisher Publisher,
	settings publish.SettingsSource,
	rescheduler *publish.Rescheduler,
	logger *slog.Logger,
) *Service {
	return &Service{
		posts:       posts,
		sendLogs:    sendLogs,
		publisher:   publisher,
		settings:    settings,
		rescheduler: rescheduler,
		logger:      logger,
		now:         time.Now,
	}
}

// List は手動対応待ちの投稿をscheduled_at昇順、created_at降順で返す。
func (s *Service) List(ctx context.Context) ([]*model.Post, error) {
	posts, err := s.posts.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if posts == nil {
		posts = []*model.Post{}
	}
	return posts, nil
}

// PublishOnce は手動対応待ちの投稿を即時送信する。
// 繰り返し投稿は元の予定時刻を基準に次回へ進めて予約済みに戻る。
func (s *Service) PublishOnce(ctx context.Context, postID string) (*model.Post, error) {
	if err := checkPostID(postID); err != nil {
		return nil, err
	}
	res, err := s.publisher.PublishPending(ctx, postID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("手動対応待ちの投稿を即時送信しました",
		slog.String("post_id", postID),
		slog.String("status", string(res.Post.Status)),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
	)
	return res.Post, nil
}

// Discard は手動対応待ちの投稿を送信せずに処理する。
// 単発投稿はskippedになり、繰り返し投稿は現在時刻より後の次回予定時刻で予約済みに戻る。
// 次回予定時刻を計算できない場合はNEXT_OCCURRENCE_UNAVAILABLEを返し、投稿は変更しない。
func (s *Service) Discard(ctx context.Context, postID string) (*model.Post, error) {
	if err := checkPostID(postID); err != nil {
		return nil, err
	}
	settings, err := s.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("スケジューラ設定の読み込みに失敗しました: %w", err)
	}

	var updated *model.Post
	err = s.posts.WithLockedPost(ctx, postID, func(ctx context.Context, post *model.Post, w repository.PostWriter) error {
		if post == nil {
			return model.NewPostNotFoundError(postID)
		}
		if post.Status != model.PostStatusPendingManual {
			return model.NewInvalidStateError(postID, post.Status)
		}

		now := s.now().UTC()
		if post.IsRecurring() {
			next, ok := publish.NextOccurrence(post, now)
			if !ok {
				return model.NewNextOccurrenceUnavailableError(postID)
			}
			s.rescheduler.Apply(post, next, settings.RandomOffset(), now)
		} else {
			post.Status = model.PostStatusSkipped
			post.ScheduledAt = nil
			post.RepeatAnchorAt = nil
			post.PendingReason = ""
		}
		post.UpdatedAt = now

		if err := w.SaveSchedule(ctx, post); err != nil {
			return err
		}
		updated = post
		return nil
	})
	if err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("post_id", postID),
		slog.String("status", string(updated.Status)),
	}
	if updated.ScheduledAt != nil {
		attrs = append(attrs, slog.Time("scheduled_at", *updated.ScheduledAt))
	}
	s.logger.Info("手動対応待ちの投稿を破棄しました", attrs...)
	return updated, nil
}

// History は投稿の送信履歴をposted_at降順で返す。
// 論理削除済みの投稿の履歴も参照できる。limitは1〜200に丸め、0以下は50とする。
func (s *Service) History(ctx context.Context, postID string, limit, offset int) (*History, error) {
	if err := checkPostID(postID); err != nil {
		return nil, err
	}
	exists, err := s.posts.ExistsIncludingDeleted(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.NewPostNotFoundError(postID)
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.sendLogs.ListByPostID(ctx, postID, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.sendLogs.CountByPostID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*model.SendLogEntry{}
	}
	return &History{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// checkPostID はUUIDとして解釈できないIDを未検出として扱う。
// postsテーブルのidはUUID型のため、そのまま渡すとDBエラーになる。
func checkPostID(postID string) error {
	if uuid.Validate(postID) != nil {
		return model.NewPostNotFoundError(postID)
	}
	return nil
}
