// Package recurrence は繰り返し投稿の次回予定時刻を計算する純粋関数群を提供する。
//
// すべての計算はUTCのフィールド単位（年・月・日）で行い、時刻（時分秒）はアンカーの値を維持する。
// タイムゾーンの適用は呼び出し側の責務とする。
package recurrence

import (
	"sort"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
)

// Kind は繰り返しルールの種別。
type Kind int

const (
	// KindNone は繰り返しなし。
	KindNone Kind = iota
	// KindDaily は毎日。
	KindDaily
	// KindWeekly は毎週（複数曜日可）。
	KindWeekly
	// KindMonthly は毎月。
	KindMonthly
	// KindInvalid は未知のrepeat値、または必須の曜日・日付が欠けているルール。
	// 次回時刻は計算されない。
	KindInvalid
)

// maxSteps はGetNextScheduledAtが1ステップずつ進める回数の上限。
const maxSteps = 100000

// Rule は投稿から解決した繰り返しルール。
type Rule struct {
	Kind Kind
	// Weekdays は昇順・重複なしの曜日集合。空の場合はアンカーと同じ曜日を使う。
	Weekdays []time.Weekday
	// DayOfMonth は1〜31の希望日。
	DayOfMonth int
}

// RuleFor は投稿のrepeat関連フィールドからRuleを解決する。
// 複数曜日（RepeatDaysOfWeek）が指定されていれば単一曜日（RepeatDayOfWeek）より優先する。
func RuleFor(p *model.Post) Rule {
	switch p.Repeat {
	case model.RepeatNone, "":
		return Rule{Kind: KindNone}
	case model.RepeatDaily:
		return Rule{Kind: KindDaily}
	case model.RepeatWeekly:
		days, ok := resolveWeekdays(p)
		if !ok {
			return Rule{Kind: KindInvalid}
		}
		return Rule{Kind: KindWeekly, Weekdays: days}
	case model.RepeatMonthly:
		if p.RepeatDayOfMonth == nil || *p.RepeatDayOfMonth < 1 || *p.RepeatDayOfMonth > 31 {
			return Rule{Kind: KindInvalid}
		}
		return Rule{Kind: KindMonthly, DayOfMonth: *p.RepeatDayOfMonth}
	default:
		return Rule{Kind: KindInvalid}
	}
}

func resolveWeekdays(p *model.Post) ([]time.Weekday, bool) {
	if len(p.RepeatDaysOfWeek) > 0 {
		seen := make(map[int]bool, len(p.RepeatDaysOfWeek))
		var days []time.Weekday
		for _, d := range p.RepeatDaysOfWeek {
			if d < 0 || d > 6 || seen[d] {
				continue
			}
			seen[d] = true
			days = append(days, time.Weekday(d))
		}
		if len(days) == 0 {
			return nil, false
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		return days, true
	}
	if p.RepeatDayOfWeek != nil {
		d := *p.RepeatDayOfWeek
		if d < 0 || d > 6 {
			return nil, false
		}
		return []time.Weekday{time.Weekday(d)}, true
	}
	// 曜日未指定はアンカーと同じ曜日
	return nil, true
}

// Next はアンカーの次の発生時刻を1ステップだけ計算する。
// KindNoneとKindInvalidではfalseを返す。
func (r Rule) Next(anchor time.Time) (time.Time, bool) {
	switch r.Kind {
	case KindDaily:
		return NextDaily(anchor), true
	case KindWeekly:
		return NextWeeklyDays(anchor, r.Weekdays), true
	case KindMonthly:
		return NextMonthly(anchor, r.DayOfMonth), true
	case KindNone, KindInvalid:
		return time.Time{}, false
	}
	return time.Time{}, false
}

// NextDaily はアンカーの翌日の同時刻を返す。
func NextDaily(anchor time.Time) time.Time {
	return addDays(anchor.UTC(), 1)
}

// NextWeekly はアンカーより後で、指定曜日に一致する最初の日の同時刻を返す。
// アンカーと同じ曜日の場合はちょうど7日後になる。
func NextWeekly(anchor time.Time, desired time.Weekday) time.Time {
	a := anchor.UTC()
	delta := (int(desired) - int(a.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return addDays(a, delta)
}

// NextWeeklyDays はアンカーより後で、曜日集合のいずれかに一致する最初の日の同時刻を返す。
// 集合が空の場合はアンカーと同じ曜日を使う。
func NextWeeklyDays(anchor time.Time, days []time.Weekday) time.Time {
	a := anchor.UTC()
	if len(days) == 0 {
		return NextWeekly(a, a.Weekday())
	}
	want := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		want[d] = true
	}
	for i := 1; i <= 7; i++ {
		candidate := addDays(a, i)
		if want[candidate.Weekday()] {
			return candidate
		}
	}
	// 曜日集合が0〜6の範囲外のみで構成されている場合
	return addDays(a, 7)
}

// NextMonthly は翌月の希望日の同時刻を返す。
// 希望日がその月の日数を超える場合は月末に丸める（例: 1月31日 → 2月28日）。
func NextMonthly(anchor time.Time, desiredDay int) time.Time {
	a := anchor.UTC()
	first := time.Date(a.Year(), a.Month()+1, 1, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), time.UTC)
	day := desiredDay
	if day < 1 {
		day = 1
	}
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), time.UTC)
}

// Anchor は繰り返し計算の基準時刻を返す。
// RepeatAnchorAt（オフセット適用前の予定時刻）、ScheduledAt、PlannedAtの順に採用する。
func Anchor(p *model.Post) (time.Time, bool) {
	switch {
	case p.RepeatAnchorAt != nil:
		return p.RepeatAnchorAt.UTC(), true
	case p.ScheduledAt != nil:
		return p.ScheduledAt.UTC(), true
	case p.PlannedAt != nil:
		return p.PlannedAt.UTC(), true
	default:
		return time.Time{}, false
	}
}

// CalculateNextScheduledAt は投稿のアンカーから1ステップ進めた次回予定時刻を返す。
// 繰り返しなし、ルールが不正、またはアンカーがない場合はfalseを返す。
func CalculateNextScheduledAt(p *model.Post) (time.Time, bool) {
	anchor, ok := Anchor(p)
	if !ok {
		return time.Time{}, false
	}
	return RuleFor(p).Next(anchor)
}

// GetNextScheduledAt はfromより厳密に後になるまでアンカーから繰り返し進めた次回予定時刻を返す。
// 何サイクル分停止していても結果は常にfromより未来になる。
func GetNextScheduledAt(p *model.Post, from time.Time) (time.Time, bool) {
	anchor, ok := Anchor(p)
	if !ok {
		return time.Time{}, false
	}
	rule := RuleFor(p)
	next := anchor
	for i := 0; i < maxSteps; i++ {
		candidate, ok := rule.Next(next)
		if !ok {
			return time.Time{}, false
		}
		if candidate.After(from) {
			return candidate, true
		}
		next = candidate
	}
	return time.Time{}, false
}

func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
