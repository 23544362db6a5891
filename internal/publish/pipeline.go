// Package publish は投稿の送信パイプラインを提供する。
//
// 1件の投稿について、送信先プラットフォームごとに資格情報の解決、本文の検証・整形、
// 再試行付きの送信を行い、送信ログと投稿の次回予定を1トランザクションで保存する。
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/platform"
	"github.com/hitoshi/skeetman/internal/repository"
	"github.com/hitoshi/skeetman/internal/security"
)

// SettingsSource は現在のスケジューラ設定を読み込む。
type SettingsSource interface {
	Load(ctx context.Context) (model.SchedulerSettings, error)
}

// Result は1回の送信サイクルの結果。
type Result struct {
	Post      *model.Post
	Logs      []*model.SendLogEntry
	Succeeded int
	Failed    int
	Skipped   int
}

// Pipeline は1件の投稿を各プラットフォームへ送信する。
type Pipeline struct {
	posts       repository.PostRepository
	registry    *platform.Registry
	creds       CredentialResolver
	sanitizer   security.PlainTextSanitizer
	settings    SettingsSource
	rescheduler *Rescheduler
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	discardMode bool

	now   func() time.Time
	sleep Sleeper
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
// discardModeがtrueの場合はプラットフォームへ送信せず、デモURIで送信済みとして扱う。
func NewPipeline(
	posts repository.PostRepository,
	registry *platform.Registry,
	creds CredentialResolver,
	sanitizer security.PlainTextSanitizer,
	settings SettingsSource,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	discardMode bool,
) *Pipeline {
	return &Pipeline{
		posts:       posts,
		registry:    registry,
		creds:       creds,
		sanitizer:   sanitizer,
		settings:    settings,
		rescheduler: NewRescheduler(),
		metrics:     collector,
		logger:      logger,
		discardMode: discardMode,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Rescheduler は次回予定の適用に使うReschedulerを返す。
func (p *Pipeline) Rescheduler() *Rescheduler {
	return p.rescheduler
}

// Dispatch はtickから呼ばれ、予約済みで発火時刻を過ぎた投稿を送信する。
// ロック取得後に状態を再確認し、対象外になっていた場合はnilを返す。
func (p *Pipeline) Dispatch(ctx context.Context, postID string) (*Result, error) {
	settings, err := p.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("スケジューラ設定の読み込みに失敗しました: %w", err)
	}

	var result *Result
	err = p.posts.WithLockedPost(ctx, postID, func(ctx context.Context, post *model.Post, w repository.PostWriter) error {
		now := p.now().UTC()
		if post == nil || post.Status != model.PostStatusScheduled || post.ScheduledAt == nil || post.ScheduledAt.After(now) {
			return nil
		}
		r, err := p.run(ctx, post, settings, w)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PublishPending は手動対応待ちの投稿を即時送信する。
// 投稿が存在しない場合はPOST_NOT_FOUND、手動対応待ちでない場合はINVALID_STATEを返す。
func (p *Pipeline) PublishPending(ctx context.Context, postID string) (*Result, error) {
	settings, err := p.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("スケジューラ設定の読み込みに失敗しました: %w", err)
	}

	var result *Result
	err = p.posts.WithLockedPost(ctx, postID, func(ctx context.Context, post *model.Post, w repository.PostWriter) error {
		if post == nil {
			return model.NewPostNotFoundError(postID)
		}
		if post.Status != model.PostStatusPendingManual {
			return model.NewInvalidStateError(postID, post.Status)
		}
		r, err := p.run(ctx, post, settings, w)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// run は全プラットフォームへの送信、投稿の状態更新、送信ログの追記を行う。
func (p *Pipeline) run(ctx context.Context, post *model.Post, settings model.SchedulerSettings, w repository.PostWriter) (*Result, error) {
	start := p.now()
	policy := RetryPolicyFrom(settings)
	platforms := post.Platforms()
	outcomes := make([]platformOutcome, len(platforms))

	// 同一投稿のプラットフォームは並行に送信し、再試行の待機が他のプラットフォームを止めないようにする
	var wg sync.WaitGroup
	for i, id := range platforms {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			// パニック時もそれまでの試行ログを失わないよう、ログはここで保持する
			var attempts []*model.SendLogEntry
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("送信処理でパニックが発生しました",
						slog.String("post_id", post.ID),
						slog.String("platform", id),
						slog.Int("attempt", len(attempts)+1),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					o := p.failedOutcome(post, id, len(attempts)+1, model.SendErrDispatchFailed, fmt.Sprintf("panic: %v", r))
					o.logs = append(attempts, o.logs...)
					outcomes[i] = o
				}
			}()
			outcomes[i] = p.dispatchPlatform(ctx, post, id, policy, &attempts)
		}(i, id)
	}
	wg.Wait()

	result := &Result{}
	if post.PlatformResults == nil {
		post.PlatformResults = make(map[string]model.PlatformResult, len(platforms))
	}
	primary := ""
	for i, id := range platforms {
		o := outcomes[i]
		result.Logs = append(result.Logs, o.logs...)
		post.PlatformResults[id] = o.result
		switch o.result.Status {
		case model.PlatformResultSent:
			result.Succeeded++
			if primary == "" || id == platform.BlueskyID {
				primary = o.result.URI
			}
		case model.PlatformResultFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}

	now := p.now().UTC()
	if primary != "" {
		post.PostURI = primary
	}
	p.finalize(post, settings, now, result.Succeeded > 0)
	post.UpdatedAt = now

	if err := w.SaveSchedule(ctx, post); err != nil {
		return nil, err
	}
	if err := w.AppendSendLogs(ctx, result.Logs); err != nil {
		return nil, err
	}

	result.Post = post
	p.logger.Info("投稿の送信サイクルが完了しました",
		slog.String("post_id", post.ID),
		slog.String("status", string(post.Status)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Float64("duration_ms", float64(p.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// finalize は送信サイクル後の投稿状態を決める。
// 単発投稿は送信結果に関わらずsentになる。繰り返し投稿は次回予定時刻へ進め、
// 計算できない場合はrecurrence_unresolvableで手動対応待ちにする。
func (p *Pipeline) finalize(post *model.Post, settings model.SchedulerSettings, now time.Time, anySuccess bool) {
	if !post.IsRecurring() {
		post.Status = model.PostStatusSent
		post.PostedAt = &now
		post.ScheduledAt = nil
		post.RepeatAnchorAt = nil
		post.PendingReason = ""
		return
	}

	if anySuccess {
		post.PostedAt = &now
	}
	next, ok := NextOccurrence(post, now)
	if !ok {
		post.Status = model.PostStatusPendingManual
		post.PendingReason = model.PendingReasonRecurrenceUnresolvable
		if p.metrics != nil {
			p.metrics.RecordPendingTransition(string(model.PendingReasonRecurrenceUnresolvable), 1)
		}
		p.logger.Warn("繰り返しルールから次回予定時刻を計算できないため手動対応待ちにしました",
			slog.String("post_id", post.ID),
			slog.String("repeat", string(post.Repeat)),
		)
		return
	}
	p.rescheduler.Apply(post, next, settings.RandomOffset(), now)
}

// platformOutcome は1プラットフォーム分の送信結果。
type platformOutcome struct {
	logs   []*model.SendLogEntry
	result model.PlatformResult
}

// dispatchPlatform は1プラットフォームへの送信を再試行付きで行う。
// 各試行のログはlogsに追記する。
func (p *Pipeline) dispatchPlatform(ctx context.Context, post *model.Post, id string, policy RetryPolicy, logs *[]*model.SendLogEntry) platformOutcome {
	start := p.now()
	adapter, ok := p.registry.Get(id)
	if !ok {
		return p.skippedOutcome(post, id, model.SendErrPlatformUnknown, "未対応のプラットフォームです")
	}

	if p.discardMode {
		now := p.now().UTC()
		uri := fmt.Sprintf("demo://%s/post/%s", id, post.ID)
		p.recordDispatch(id, model.SendStatusSuccess)
		return platformOutcome{
			logs: []*model.SendLogEntry{p.newLog(post, id, model.SendStatusSuccess, 0, now, func(e *model.SendLogEntry) {
				e.RemoteURI = uri
				e.ContentSnapshot = post.Content
			})},
			result: model.PlatformResult{Status: model.PlatformResultSent, URI: uri, PostedAt: &now, Demo: true},
		}
	}

	creds := p.creds.Resolve(id)
	if creds == nil {
		return p.skippedOutcome(post, id, model.SendErrCredentialsMissing, "資格情報が設定されていません")
	}
	if err := p.creds.Validate(id, creds); err != nil {
		return p.skippedOutcome(post, id, platform.ErrorCode(err), err.Error())
	}
	if err := adapter.CheckCredentials(*creds); err != nil {
		return p.skippedOutcome(post, id, platform.ErrorCode(err), err.Error())
	}

	text := p.sanitizer.PlainText(post.Content)
	if v := adapter.Validate(text); !v.OK {
		err := &platform.ContentError{Platform: id, Result: v}
		return p.failedOutcome(post, id, 1, platform.ErrorCode(err), err.Error())
	}
	payload := adapter.Format(text)

	maxAttempts := policy.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := adapter.Send(ctx, payload, *creds)
		if err == nil {
			postedAt := res.PostedAt.UTC()
			if postedAt.IsZero() {
				postedAt = p.now().UTC()
			}
			*logs = append(*logs, p.newLog(post, id, model.SendStatusSuccess, attempt, postedAt, func(e *model.SendLogEntry) {
				e.RemoteURI = res.RemoteURI
				e.ContentSnapshot = payload.Text
			}))
			p.observe(id, model.SendStatusSuccess, attempt, start)
			p.logger.Info("投稿を送信しました",
				slog.String("post_id", post.ID),
				slog.String("platform", id),
				slog.Int("attempt", attempt),
				slog.String("remote_uri", res.RemoteURI),
			)
			return platformOutcome{
				logs:   *logs,
				result: model.PlatformResult{Status: model.PlatformResultSent, URI: res.RemoteURI, PostedAt: &postedAt, Attempts: attempt},
			}
		}

		var httpErr *platform.HTTPError
		if errors.As(err, &httpErr) && p.metrics != nil {
			p.metrics.RecordPlatformHTTPStatus(id, httpErr.StatusCode)
		}
		failedAt := p.now().UTC()
		*logs = append(*logs, p.newLog(post, id, model.SendStatusFailed, attempt, failedAt, func(e *model.SendLogEntry) {
			e.ErrorCode = platform.ErrorCode(err)
			e.ErrorMessage = err.Error()
			e.ContentSnapshot = payload.Text
		}))

		retryable := platform.IsRetryable(err)
		p.logger.Warn("投稿の送信に失敗しました",
			slog.String("post_id", post.ID),
			slog.String("platform", id),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()),
		)
		if !retryable || attempt == maxAttempts {
			p.observe(id, model.SendStatusFailed, attempt, start)
			return platformOutcome{
				logs: *logs,
				result: model.PlatformResult{
					Status: model.PlatformResultFailed, FailedAt: &failedAt, Attempts: attempt, Error: err.Error(),
				},
			}
		}

		if err := p.sleep(ctx, policy.Delay(attempt)); err != nil {
			p.observe(id, model.SendStatusFailed, attempt, start)
			return platformOutcome{
				logs: *logs,
				result: model.PlatformResult{
					Status: model.PlatformResultFailed, FailedAt: &failedAt, Attempts: attempt, Error: err.Error(),
				},
			}
		}
	}

	// maxAttemptsは1以上のため到達しない
	return p.failedOutcome(post, id, maxAttempts, model.SendErrDispatchFailed, "送信が完了しませんでした")
}

func (p *Pipeline) skippedOutcome(post *model.Post, id, code, message string) platformOutcome {
	now := p.now().UTC()
	p.recordDispatch(id, model.SendStatusSkipped)
	p.logger.Warn("プラットフォームへの送信をスキップしました",
		slog.String("post_id", post.ID),
		slog.String("platform", id),
		slog.String("error_code", code),
		slog.String("reason", message),
	)
	return platformOutcome{
		logs: []*model.SendLogEntry{p.newLog(post, id, model.SendStatusSkipped, 1, now, func(e *model.SendLogEntry) {
			e.ErrorCode = code
			e.ErrorMessage = message
		})},
		result: model.PlatformResult{Status: model.PlatformResultSkipped, FailedAt: &now, Error: message},
	}
}

func (p *Pipeline) failedOutcome(post *model.Post, id string, attempt int, code, message string) platformOutcome {
	now := p.now().UTC()
	p.recordDispatch(id, model.SendStatusFailed)
	p.logger.Warn("投稿を送信できませんでした",
		slog.String("post_id", post.ID),
		slog.String("platform", id),
		slog.String("error_code", code),
		slog.String("reason", message),
	)
	return platformOutcome{
		logs: []*model.SendLogEntry{p.newLog(post, id, model.SendStatusFailed, attempt, now, func(e *model.SendLogEntry) {
			e.ErrorCode = code
			e.ErrorMessage = message
			e.ContentSnapshot = post.Content
		})},
		result: model.PlatformResult{Status: model.PlatformResultFailed, FailedAt: &now, Attempts: attempt, Error: message},
	}
}

func (p *Pipeline) newLog(post *model.Post, id string, status model.SendStatus, attempt int, at time.Time, fill func(*model.SendLogEntry)) *model.SendLogEntry {
	e := &model.SendLogEntry{
		ID:        uuid.NewString(),
		PostID:    post.ID,
		Platform:  id,
		Status:    status,
		PostedAt:  at,
		Attempt:   attempt,
		CreatedAt: p.now().UTC(),
	}
	if fill != nil {
		fill(e)
	}
	return e
}

func (p *Pipeline) recordDispatch(id string, status model.SendStatus) {
	if p.metrics != nil {
		p.metrics.RecordDispatch(id, string(status))
	}
}

func (p *Pipeline) observe(id string, status model.SendStatus, attempts int, start time.Time) {
	p.recordDispatch(id, status)
	if p.metrics != nil {
		p.metrics.RecordAttempts(id, attempts)
		p.metrics.RecordDispatchLatency(id, p.now().Sub(start))
	}
}
