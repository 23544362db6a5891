// Package platform は投稿先プラットフォーム（Bluesky、Mastodon）へのアダプターを提供する。
//
// 各アダプターは本文の検証・整形・送信を担い、送信ワークフローから共通のインターフェースで呼び出される。
// プラットフォームごとの資格情報は呼び出し側が解決して渡す。
package platform

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Credentials はプラットフォームへの接続情報。
type Credentials struct {
	// ServerURL はPDSまたはインスタンスのベースURL。
	ServerURL string
	// Identifier はハンドルまたはメールアドレス（Blueskyのみ）。
	Identifier string
	// Secret はアプリパスワードまたはアクセストークン。
	Secret string
}

// ValidationResult は本文検証の結果。
type ValidationResult struct {
	OK bool
	// Remaining は残り文字数。上限を超えた場合は負数。
	Remaining int
	Errors    []string
}

// Payload はプラットフォーム固有の送信内容。
type Payload struct {
	Text string
	// Visibility はMastodonの公開範囲。Blueskyでは無視される。
	Visibility string
}

// SendResult は送信成功時の結果。
type SendResult struct {
	// RemoteURI はAT-URI（Bluesky）またはステータスURL（Mastodon）。
	RemoteURI string
	PostedAt  time.Time
}

// Engagement はリモート投稿の反応数。
type Engagement struct {
	Likes   int
	Reposts int
}

// Adapter はプラットフォームアダプターのインターフェース。
type Adapter interface {
	// ID は"bluesky"などのプラットフォーム識別子を返す。
	ID() string
	// DisplayName はUI表示用の名前を返す。
	DisplayName() string
	// MaxChars は本文の最大文字数を返す。
	MaxChars() int
	// Validate は本文が送信可能かを検証する。
	Validate(content string) ValidationResult
	// Format は本文を送信用のPayloadに変換する。
	Format(content string) Payload
	// CheckCredentials は送信前に資格情報の必須項目を検証する。
	CheckCredentials(creds Credentials) error
	// Send はPayloadを送信する。
	Send(ctx context.Context, payload Payload, creds Credentials) (*SendResult, error)
}

// EngagementReader はリモート投稿の反応数を取得できるアダプター。
type EngagementReader interface {
	// FetchEngagement はURIごとの反応数を返す。取得できなかったURIは結果に含まれない。
	FetchEngagement(ctx context.Context, uris []string, creds Credentials) (map[string]Engagement, error)
	// OwnsURI はURIがこのプラットフォームの投稿を指すかを返す。
	OwnsURI(uri string) bool
}

// zeroWidth はゼロ幅文字とBOM。
var zeroWidth = regexp.MustCompile("[\u200B-\u200D\uFEFF]")

// NormalizeText はゼロ幅文字を除去し、NFC正規化したテキストを返す。
func NormalizeText(text string) string {
	return norm.NFC.String(zeroWidth.ReplaceAllString(text, ""))
}

// CountChars はNFC正規化後のコードポイント数を返す。
// 結合文字を合成してから数えるため、濁点付きの仮名などは1文字になる。
func CountChars(text string) int {
	return utf8.RuneCountInString(NormalizeText(text))
}

// validateLength は文字数上限に対する検証結果を返す。
func validateLength(content string, maxChars int) ValidationResult {
	remaining := maxChars - CountChars(content)
	res := ValidationResult{OK: remaining >= 0, Remaining: remaining}
	if strings.TrimSpace(content) == "" {
		res.OK = false
		res.Errors = append(res.Errors, "本文が空です")
	}
	if remaining < 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("本文が%d文字超過しています（上限%d文字）", -remaining, maxChars))
	}
	return res
}

// Registry は登録済みアダプターの一覧。
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry はアダプターを登録したRegistryを生成する。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get は識別子に対応するアダプターを返す。
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs は登録済みの識別子を昇順で返す。
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EngagementReaderFor はURIを扱えるEngagementReaderを返す。
func (r *Registry) EngagementReaderFor(uri string) (string, EngagementReader, bool) {
	for _, id := range r.IDs() {
		if er, ok := r.adapters[id].(EngagementReader); ok && er.OwnsURI(uri) {
			return id, er, true
		}
	}
	return "", nil, false
}
