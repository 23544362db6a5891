package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, post, scheduler, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodePostNotFound              = "POST_NOT_FOUND"
	ErrCodeInvalidState              = "INVALID_STATE"
	ErrCodeNextOccurrenceUnavailable = "NEXT_OCCURRENCE_UNAVAILABLE"
	ErrCodeInvalidTriggerExpression  = "INVALID_TRIGGER_EXPRESSION"
	ErrCodeInvalidSettings           = "INVALID_SETTINGS"
	ErrCodeInvalidRequest            = "INVALID_REQUEST"
	ErrCodeSchedulerUnavailable      = "SCHEDULER_UNAVAILABLE"
	ErrCodeRateLimitExceeded         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                  = "INTERNAL_ERROR"
)

// NewPostNotFoundError は投稿未検出エラーを生成する。
// 論理削除済みの投稿もこのエラーになる。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。削除済みの投稿は操作できません。",
	}
}

// NewInvalidStateError は投稿が手動対応待ちでない場合のエラーを生成する。
func NewInvalidStateError(postID string, status PostStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("投稿 %s は手動対応待ちではありません（現在の状態: %s）", postID, status),
		Category: "post",
		Action:   "一覧を再読み込みして最新の状態を確認してください。",
	}
}

// NewNextOccurrenceUnavailableError は繰り返しルールから次回時刻を計算できない場合のエラーを生成する。
func NewNextOccurrenceUnavailableError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodeNextOccurrenceUnavailable,
		Message:  fmt.Sprintf("投稿 %s の次回予定時刻を計算できません", postID),
		Category: "post",
		Action:   "繰り返し設定（曜日・日付）を確認してください。投稿は手動対応待ちのまま残ります。",
	}
}

// NewInvalidTriggerExpressionError はトリガー式またはタイムゾーンが不正な場合のエラーを生成する。
func NewInvalidTriggerExpressionError(expr string, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTriggerExpression,
		Message:  fmt.Sprintf("無効なスケジュール式です: %q (%s)", expr, reason),
		Category: "scheduler",
		Action:   "分単位のcron形式（例: \"*/5 * * * *\"）と有効なタイムゾーン名を指定してください。",
	}
}

// NewInvalidSettingsError は設定値の検証に失敗した場合のエラーを生成する。
func NewInvalidSettingsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSettings,
		Message:  fmt.Sprintf("無効な設定値です: %s", reason),
		Category: "validation",
		Action:   "入力値を確認してください。",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しい形式でリクエストしてください。",
	}
}

// NewSchedulerUnavailableError はこのプロセスでスケジューラが動作していない場合のエラーを生成する。
func NewSchedulerUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeSchedulerUnavailable,
		Message:  "このプロセスではスケジューラが起動していません。",
		Category: "scheduler",
		Action:   "workerプロセスを再起動するか、SCHEDULER_ENABLED=true で起動してください。",
	}
}

// NewRateLimitExceededError はクライアントごとのレート制限を超えた場合のエラーを生成する。
func NewRateLimitExceededError(retryAfterSec int) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   fmt.Sprintf("%d秒ほど待ってから再度お試しください。", retryAfterSec),
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
