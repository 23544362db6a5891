// Package settings は永続化されたスケジューラ設定の読み書きを提供する。
//
// 設定テーブルは環境変数由来のデフォルト値との差分のみを保持する。
// デフォルト値と同じ値を書き込んだキーは削除される。
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/repository"
)

// 設定テーブルのキー。
const (
	KeyScheduleTime        = "schedule_time"
	KeyTimeZone            = "time_zone"
	KeyGraceWindowMinutes  = "grace_window_minutes"
	KeyRandomOffsetMinutes = "random_offset_minutes"
	KeyPostRetries         = "post_retries"
	KeyPostBackoffMs       = "post_backoff_ms"
	KeyPostBackoffMaxMs    = "post_backoff_max_ms"
)

// TriggerParser はトリガー式（標準の5フィールドcron式と@every等の記述子）のパーサー。
var TriggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type field struct {
	key string
	get func(s *model.SchedulerSettings) string
	set func(s *model.SchedulerSettings, v string) error
}

func stringField(key string, p func(s *model.SchedulerSettings) *string) field {
	return field{
		key: key,
		get: func(s *model.SchedulerSettings) string { return *p(s) },
		set: func(s *model.SchedulerSettings, v string) error {
			*p(s) = v
			return nil
		},
	}
}

func intField(key string, p func(s *model.SchedulerSettings) *int) field {
	return field{
		key: key,
		get: func(s *model.SchedulerSettings) string { return strconv.Itoa(*p(s)) },
		set: func(s *model.SchedulerSettings, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p(s) = n
			return nil
		},
	}
}

var fields = []field{
	stringField(KeyScheduleTime, func(s *model.SchedulerSettings) *string { return &s.ScheduleTime }),
	stringField(KeyTimeZone, func(s *model.SchedulerSettings) *string { return &s.TimeZone }),
	intField(KeyGraceWindowMinutes, func(s *model.SchedulerSettings) *int { return &s.GraceWindowMinutes }),
	intField(KeyRandomOffsetMinutes, func(s *model.SchedulerSettings) *int { return &s.RandomOffsetMinutes }),
	intField(KeyPostRetries, func(s *model.SchedulerSettings) *int { return &s.PostRetries }),
	intField(KeyPostBackoffMs, func(s *model.SchedulerSettings) *int { return &s.PostBackoffMs }),
	intField(KeyPostBackoffMaxMs, func(s *model.SchedulerSettings) *int { return &s.PostBackoffMaxMs }),
}

// Service は永続化された設定とデフォルト値を合成してスケジューラ設定を提供する。
type Service struct {
	repo     repository.SettingsRepository
	defaults model.SchedulerSettings
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。defaultsは環境変数由来の値。
func NewService(repo repository.SettingsRepository, defaults model.SchedulerSettings, logger *slog.Logger) *Service {
	return &Service{repo: repo, defaults: defaults, logger: logger}
}

// Defaults は環境変数由来のデフォルト値を返す。
func (s *Service) Defaults() model.SchedulerSettings {
	return s.defaults
}

// Load はデフォルト値に保存済みの値を重ねた設定を返す。
// 解釈できない保存値は警告ログを出してデフォルト値を使う。
func (s *Service) Load(ctx context.Context) (model.SchedulerSettings, error) {
	stored, err := s.repo.GetAll(ctx)
	if err != nil {
		return model.SchedulerSettings{}, fmt.Errorf("設定の取得に失敗しました: %w", err)
	}

	out := s.defaults
	for _, f := range fields {
		raw, ok := stored[f.key]
		if !ok {
			continue
		}
		if err := f.set(&out, raw); err != nil {
			s.logger.Warn("保存されている設定値を解釈できないためデフォルト値を使用します",
				slog.String("key", f.key),
				slog.String("value", raw),
			)
		}
	}
	return out, nil
}

// Save は設定を検証して保存し、保存後の設定を返す。
// 検証エラーはINVALID_SETTINGSとして返す。デフォルト値と同じ値のキーは削除する。
func (s *Service) Save(ctx context.Context, in model.SchedulerSettings) (model.SchedulerSettings, error) {
	if err := Validate(ctx, in); err != nil {
		return model.SchedulerSettings{}, err
	}

	upserts := make(map[string]string)
	var deletes []string
	for _, f := range fields {
		v := f.get(&in)
		if v == f.get(&s.defaults) {
			deletes = append(deletes, f.key)
			continue
		}
		upserts[f.key] = v
	}

	if err := s.repo.Apply(ctx, upserts, deletes); err != nil {
		return model.SchedulerSettings{}, fmt.Errorf("設定の保存に失敗しました: %w", err)
	}

	s.logger.Info("スケジューラ設定を保存しました",
		slog.String("schedule_time", in.ScheduleTime),
		slog.String("time_zone", in.TimeZone),
		slog.Int("overrides", len(upserts)),
	)
	return s.Load(ctx)
}

// Validate はスケジューラ設定を検証する。
func Validate(ctx context.Context, in model.SchedulerSettings) error {
	err := validation.ValidateStructWithContext(ctx, &in,
		validation.Field(&in.ScheduleTime, validation.Required, validation.By(cronExpression)),
		validation.Field(&in.TimeZone, validation.Required, validation.By(timeZone)),
		validation.Field(&in.GraceWindowMinutes, validation.By(atLeast(model.MinGraceWindowMinutes))),
		validation.Field(&in.RandomOffsetMinutes, validation.By(atLeast(0))),
		validation.Field(&in.PostRetries, validation.By(atLeast(0))),
		validation.Field(&in.PostBackoffMs, validation.By(atLeast(0))),
		validation.Field(&in.PostBackoffMaxMs, validation.By(atLeast(in.PostBackoffMs))),
	)
	if err != nil {
		return model.NewInvalidSettingsError(err.Error())
	}
	return nil
}

// ParseTrigger はトリガー式とタイムゾーンを検証して解析する。
func ParseTrigger(expr, zone string) (cron.Schedule, *time.Location, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, nil, fmt.Errorf("タイムゾーンが不正です: %w", err)
	}
	sched, err := parseTriggerExpression(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("トリガー式が不正です: %w", err)
	}
	return sched, loc, nil
}

// parseTriggerExpression はトリガー式を解析する。
// @every の間隔は1分以上かつ分単位でなければならない。
func parseTriggerExpression(expr string) (cron.Schedule, error) {
	sched, err := TriggerParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		if every.Delay < time.Minute || every.Delay%time.Minute != 0 {
			return nil, fmt.Errorf("@every の間隔は分単位で指定してください: %s", every.Delay)
		}
	}
	return sched, nil
}

func cronExpression(value interface{}) error {
	expr, _ := value.(string)
	if _, err := parseTriggerExpression(expr); err != nil {
		return errors.New("有効なcron式ではありません")
	}
	return nil
}

func timeZone(value interface{}) error {
	zone, _ := value.(string)
	if _, err := time.LoadLocation(zone); err != nil {
		return errors.New("有効なIANAタイムゾーンではありません")
	}
	return nil
}

func atLeast(min int) validation.RuleFunc {
	return func(value interface{}) error {
		n, _ := value.(int)
		if n < min {
			return fmt.Errorf("%d以上である必要があります", min)
		}
		return nil
	}
}
