package publish

import (
	"math/rand/v2"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/recurrence"
)

// Rescheduler は繰り返し投稿を次回予定時刻へ進める。
// ランダムオフセットはscheduled_atにのみ適用し、オフセット前の時刻をrepeat_anchor_atに残す。
type Rescheduler struct {
	randN func(n int64) int64
}

// NewRescheduler はmath/rand/v2を乱数源とするReschedulerを生成する。
func NewRescheduler() *Rescheduler {
	return &Rescheduler{randN: rand.Int64N}
}

// NextOccurrence は次回予定時刻を返す。
// アンカーから1ステップ進めた時刻がnow以前の場合は、nowより後になるまで進める。
func NextOccurrence(p *model.Post, now time.Time) (time.Time, bool) {
	next, ok := recurrence.CalculateNextScheduledAt(p)
	if !ok {
		return time.Time{}, false
	}
	if next.After(now) {
		return next, true
	}
	return recurrence.GetNextScheduledAt(p, now)
}

// Apply は投稿を次回予定時刻で予約済みに戻す。
// maxOffsetが正の場合は[-maxOffset, +maxOffset]の一様乱数を加える（秒単位）。
// オフセット適用後の時刻がnow以前になる場合はオフセットを適用しない。
func (r *Rescheduler) Apply(p *model.Post, next time.Time, maxOffset time.Duration, now time.Time) {
	anchor := next.UTC()
	scheduled := anchor.Add(r.offset(maxOffset))
	if !scheduled.After(now) {
		scheduled = anchor
	}
	p.RepeatAnchorAt = &anchor
	p.ScheduledAt = &scheduled
	p.Status = model.PostStatusScheduled
	p.PendingReason = ""
}

func (r *Rescheduler) offset(maxOffset time.Duration) time.Duration {
	secs := int64(maxOffset / time.Second)
	if secs <= 0 {
		return 0
	}
	return time.Duration(r.randN(2*secs+1)-secs) * time.Second
}
