package model

import "time"

// SendLogEntry は1回の送信試行の記録。作成後に変更されることはない。
type SendLogEntry struct {
	ID              string
	PostID          string
	Platform        string
	Status          SendStatus
	PostedAt        time.Time
	Attempt         int
	ErrorCode       string
	ErrorMessage    string
	RemoteURI       string
	ContentSnapshot string
	CreatedAt       time.Time
}

// SendStatus は送信試行の結果を表す。
type SendStatus string

const (
	SendStatusSuccess SendStatus = "success"
	SendStatusFailed  SendStatus = "failed"
	SendStatusSkipped SendStatus = "skipped"
)

// 送信ログのエラーコード。
const (
	SendErrCredentialsMissing = "CREDENTIALS_MISSING"
	SendErrCredentialsInvalid = "CREDENTIALS_INVALID"
	SendErrContentInvalid     = "CONTENT_INVALID"
	SendErrPlatformUnknown    = "PLATFORM_UNKNOWN"
	SendErrDispatchFailed     = "DISPATCH_FAILED"
)
