// Package model はドメインモデルを定義する。
package model

import "time"

// Post は予約投稿（skeet）を表す。
// ScheduledAtは次回の発火時刻、RepeatAnchorAtは繰り返し計算の基準となる
// オフセット適用前の予定時刻を保持する。
type Post struct {
	ID      string
	Content string

	ScheduledAt    *time.Time
	PlannedAt      *time.Time
	RepeatAnchorAt *time.Time

	Repeat           Repeat
	RepeatDayOfWeek  *int
	RepeatDaysOfWeek []int
	RepeatDayOfMonth *int

	Status        PostStatus
	PendingReason PendingReason

	PostedAt        *time.Time
	PostURI         string
	TargetPlatforms []string
	PlatformResults map[string]PlatformResult

	LikesCount          int
	RepostsCount        int
	EngagementFetchedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// PostStatus は投稿のライフサイクル状態を表す。
type PostStatus string

const (
	// PostStatusDraft は下書き状態。スケジューラの対象外。
	PostStatusDraft PostStatus = "draft"
	// PostStatusScheduled は予約済み状態。
	PostStatusScheduled PostStatus = "scheduled"
	// PostStatusPendingManual は手動対応待ち状態。
	PostStatusPendingManual PostStatus = "pending_manual"
	// PostStatusSent は送信済み状態（単発投稿のみ）。
	PostStatusSent PostStatus = "sent"
	// PostStatusSkipped は破棄された単発投稿。
	PostStatusSkipped PostStatus = "skipped"
)

// Repeat は繰り返し種別を表す。
type Repeat string

const (
	RepeatNone    Repeat = "none"
	RepeatDaily   Repeat = "daily"
	RepeatWeekly  Repeat = "weekly"
	RepeatMonthly Repeat = "monthly"
)

// PendingReason は手動対応待ちになった理由を表す。空文字列は理由なし（NULL）。
type PendingReason string

const (
	// PendingReasonMissedWhileOffline は停止中に猶予時間を超えて発火時刻を過ぎたことを示す。
	PendingReasonMissedWhileOffline PendingReason = "missed_while_offline"
	// PendingReasonRecurrenceUnresolvable は繰り返しルールから次回時刻を計算できなかったことを示す。
	PendingReasonRecurrenceUnresolvable PendingReason = "recurrence_unresolvable"
)

// DefaultTargetPlatform は送信先未指定時のプラットフォーム。
const DefaultTargetPlatform = "bluesky"

// PlatformResult はプラットフォームごとの直近の送信結果。
type PlatformResult struct {
	Status   string     `json:"status"`
	URI      string     `json:"uri,omitempty"`
	PostedAt *time.Time `json:"posted_at,omitempty"`
	FailedAt *time.Time `json:"failed_at,omitempty"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
	Demo     bool       `json:"demo,omitempty"`
}

// PlatformResult.Status の値。
const (
	PlatformResultSent    = "sent"
	PlatformResultFailed  = "failed"
	PlatformResultSkipped = "skipped"
)

// IsRecurring は繰り返し投稿かどうかを返す。
// 未知のrepeat値も繰り返し扱いとし、次回時刻の計算で解決不能として扱われる。
func (p *Post) IsRecurring() bool {
	return p.Repeat != "" && p.Repeat != RepeatNone
}

// Platforms は重複を除いた送信先プラットフォームを返す。
// 未指定の場合はDefaultTargetPlatformのみを返す。
func (p *Post) Platforms() []string {
	seen := make(map[string]bool, len(p.TargetPlatforms))
	var out []string
	for _, id := range p.TargetPlatforms {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return []string{DefaultTargetPlatform}
	}
	return out
}

// Clone はスライスとマップを含めた投稿のコピーを返す。
func (p *Post) Clone() *Post {
	c := *p
	c.TargetPlatforms = append([]string(nil), p.TargetPlatforms...)
	c.RepeatDaysOfWeek = append([]int(nil), p.RepeatDaysOfWeek...)
	if p.PlatformResults != nil {
		c.PlatformResults = make(map[string]PlatformResult, len(p.PlatformResults))
		for k, v := range p.PlatformResults {
			c.PlatformResults[k] = v
		}
	}
	return &c
}
