package publish

import (
	"context"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
)

// RetryPolicy はプラットフォームごとの送信再試行ポリシー。
type RetryPolicy struct {
	// Attempts は1回の送信サイクルで行う最大試行回数（POST_RETRIES）。
	Attempts int
	// Base は初回の待機時間。
	Base time.Duration
	// Max は待機時間の上限。
	Max time.Duration
}

// RetryPolicyFrom はスケジューラ設定から再試行ポリシーを生成する。
func RetryPolicyFrom(s model.SchedulerSettings) RetryPolicy {
	return RetryPolicy{
		Attempts: s.PostRetries,
		Base:     s.BackoffBase(),
		Max:      s.BackoffMax(),
	}
}

// MaxAttempts は試行回数を返す。0以下の設定でも1回は送信する。
func (p RetryPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Delay はattempt回目の失敗後、次の試行までの待機時間を返す。
// Base * 2^(attempt-1) をMaxで打ち切る。MaxがBaseより小さい場合はBaseを上限とする。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit < p.Base {
		limit = p.Base
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// Sleeper は待機処理。コンテキストがキャンセルされた場合はエラーを返す。
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext はタイマーで待機するSleeperの実装。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
