package model

import "time"

// SchedulerSettings は永続化されたスケジューラ設定。
// 未保存のキーは環境変数由来のデフォルト値で補完される。
type SchedulerSettings struct {
	ScheduleTime        string `json:"schedule_time"`
	TimeZone            string `json:"time_zone"`
	GraceWindowMinutes  int    `json:"grace_window_minutes"`
	RandomOffsetMinutes int    `json:"random_offset_minutes"`
	PostRetries         int    `json:"post_retries"`
	PostBackoffMs       int    `json:"post_backoff_ms"`
	PostBackoffMaxMs    int    `json:"post_backoff_max_ms"`
}

// MinGraceWindowMinutes は猶予時間の下限（分）。
const MinGraceWindowMinutes = 2

// GraceWindow は下限を適用した猶予時間を返す。
func (s SchedulerSettings) GraceWindow() time.Duration {
	m := s.GraceWindowMinutes
	if m < MinGraceWindowMinutes {
		m = MinGraceWindowMinutes
	}
	return time.Duration(m) * time.Minute
}

// BackoffBase はバックオフの初回遅延を返す。
func (s SchedulerSettings) BackoffBase() time.Duration {
	return time.Duration(s.PostBackoffMs) * time.Millisecond
}

// BackoffMax はバックオフの上限を返す。
func (s SchedulerSettings) BackoffMax() time.Duration {
	return time.Duration(s.PostBackoffMaxMs) * time.Millisecond
}

// RandomOffset はランダムオフセットの幅を返す。
func (s SchedulerSettings) RandomOffset() time.Duration {
	return time.Duration(s.RandomOffsetMinutes) * time.Minute
}
