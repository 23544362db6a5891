package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/skeetman/internal/model"
)

// Outcome はHTTPステータスコードに基づく送信結果の分類。
type Outcome int

const (
	// OutcomeOK は送信成功（2xx）。
	OutcomeOK Outcome = iota
	// OutcomeRetry は再試行で回復しうる失敗（408/425/429/5xx）。
	OutcomeRetry
	// OutcomePermanent は再試行しても結果が変わらない失敗（その他の4xx）。
	OutcomePermanent
)

// ClassifyHTTPStatus はHTTPステータスコードを送信結果に分類する。
func ClassifyHTTPStatus(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeOK
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests:
		return OutcomeRetry
	case statusCode >= 400 && statusCode < 500:
		return OutcomePermanent
	default:
		return OutcomeRetry
	}
}

// maxErrorBody はエラーメッセージに含めるレスポンス本文の最大長。
const maxErrorBody = 300

// HTTPError はプラットフォームAPIがエラーステータスを返したことを表す。
type HTTPError struct {
	Platform   string
	Operation  string
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Platform, e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Platform, e.Operation, e.StatusCode, body)
}

// ContentError は本文が送信条件を満たさないことを表す。
type ContentError struct {
	Platform string
	Result   ValidationResult
}

// Error はerrorインターフェースを実装する。
func (e *ContentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Platform, strings.Join(e.Result.Errors, "; "))
}

// CredentialsError は資格情報が未設定または不正であることを表す。
type CredentialsError struct {
	Platform string
	Missing  bool
	Reason   string
}

// Error はerrorインターフェースを実装する。
func (e *CredentialsError) Error() string {
	return fmt.Sprintf("%s: 資格情報エラー: %s", e.Platform, e.Reason)
}

// IsRetryable はエラーが再試行で回復しうるかを返す。
// 4xx（429等を除く）、本文エラー、資格情報エラー、コンテキストのキャンセルは再試行しない。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ClassifyHTTPStatus(httpErr.StatusCode) == OutcomeRetry
	}
	var contentErr *ContentError
	if errors.As(err, &contentErr) {
		return false
	}
	var credErr *CredentialsError
	if errors.As(err, &credErr) {
		return false
	}
	// ネットワークエラーやタイムアウトは再試行対象
	return true
}

// ErrorCode は送信ログに記録するエラーコードを返す。
func ErrorCode(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("HTTP_%d", httpErr.StatusCode)
	}
	var contentErr *ContentError
	if errors.As(err, &contentErr) {
		return model.SendErrContentInvalid
	}
	var credErr *CredentialsError
	if errors.As(err, &credErr) {
		if credErr.Missing {
			return model.SendErrCredentialsMissing
		}
		return model.SendErrCredentialsInvalid
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return model.SendErrDispatchFailed
}
