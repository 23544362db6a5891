// Package engagement は投稿済みskeetのいいね数・リポスト数の定期更新を提供する。
package engagement

import "time"

// ThrottlePolicy はエンゲージメント更新の実行間隔ポリシー。
type ThrottlePolicy struct {
	// ActiveMinInterval はクライアントが接続中の最小実行間隔。
	ActiveMinInterval time.Duration
	// IdleMinInterval はクライアントが不在の最小実行間隔。
	IdleMinInterval time.Duration
	// ClientIdleThreshold は最終ハートビートからこの時間が経過するとクライアント不在とみなす。
	ClientIdleThreshold time.Duration
	// DiscardMode が有効な場合は外部APIを呼ばないため更新しない。
	DiscardMode bool
}

// ShouldRefreshNow は今回のティックでエンゲージメント更新を実行すべきかを返す。
// lastHeartbeatとlastRefreshのゼロ値は「一度もない」を表す。副作用はない。
func ShouldRefreshNow(lastHeartbeat, lastRefresh, now time.Time, policy ThrottlePolicy) bool {
	if policy.DiscardMode {
		return false
	}
	minInterval := policy.IdleMinInterval
	if IsClientActive(lastHeartbeat, now, policy.ClientIdleThreshold) {
		minInterval = policy.ActiveMinInterval
	}
	if lastRefresh.IsZero() {
		return true
	}
	return now.Sub(lastRefresh) >= minInterval
}

// IsClientActive は最終ハートビートが閾値以内かどうかを返す。
func IsClientActive(lastHeartbeat, now time.Time, idleThreshold time.Duration) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(lastHeartbeat) < idleThreshold
}
