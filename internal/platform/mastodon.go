package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MastodonID はMastodonの識別子。
	MastodonID = "mastodon"
	// DefaultMastodonMaxChars はMastodonの標準の本文上限。インスタンスにより異なる。
	DefaultMastodonMaxChars = 500
	// userAgent は外部APIへのリクエストに付与するUser-Agent。
	userAgent = "Skeetman/1.0 (+scheduler)"
)

// Mastodon はREST APIでMastodonへ投稿するアダプター。
type Mastodon struct {
	httpClient *http.Client
	maxChars   int
	visibility string
	newKey     func() string
}

// NewMastodon はMastodonアダプターを生成する。maxCharsが0以下の場合は500を使う。
func NewMastodon(httpClient *http.Client, maxChars int) *Mastodon {
	if maxChars <= 0 {
		maxChars = DefaultMastodonMaxChars
	}
	return &Mastodon{
		httpClient: httpClient,
		maxChars:   maxChars,
		visibility: "public",
		newKey:     uuid.NewString,
	}
}

var (
	_ Adapter          = (*Mastodon)(nil)
	_ EngagementReader = (*Mastodon)(nil)
)

// ID は"mastodon"を返す。
func (m *Mastodon) ID() string { return MastodonID }

// DisplayName は"Mastodon"を返す。
func (m *Mastodon) DisplayName() string { return "Mastodon" }

// MaxChars は設定された本文上限を返す。
func (m *Mastodon) MaxChars() int { return m.maxChars }

// Validate は本文の文字数を検証する。
func (m *Mastodon) Validate(content string) ValidationResult {
	return validateLength(content, m.maxChars)
}

// Format は本文を正規化し、公開範囲を付与したPayloadを返す。
func (m *Mastodon) Format(content string) Payload {
	return Payload{Text: NormalizeText(content), Visibility: m.visibility}
}

// CheckCredentials はAPI URLとアクセストークンが揃っているかを検証する。
func (m *Mastodon) CheckCredentials(creds Credentials) error {
	var missing []string
	if creds.ServerURL == "" {
		missing = append(missing, "api url")
	}
	if creds.Secret == "" {
		missing = append(missing, "access token")
	}
	if len(missing) > 0 {
		return &CredentialsError{Platform: MastodonID, Missing: true, Reason: strings.Join(missing, ", ") + " が未設定です"}
	}
	return nil
}

type mastodonStatus struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	URI             string    `json:"uri"`
	CreatedAt       time.Time `json:"created_at"`
	FavouritesCount int       `json:"favourites_count"`
	ReblogsCount    int       `json:"reblogs_count"`
}

// Send は/api/v1/statusesにステータスを投稿する。
// 再試行時の二重投稿を防ぐため、送信ごとにIdempotency-Keyを付与する。
func (m *Mastodon) Send(ctx context.Context, payload Payload, creds Credentials) (*SendResult, error) {
	if err := m.CheckCredentials(creds); err != nil {
		return nil, err
	}
	base := strings.TrimRight(creds.ServerURL, "/")

	visibility := payload.Visibility
	if visibility == "" {
		visibility = m.visibility
	}
	data, err := json.Marshal(map[string]string{"status": payload.Text, "visibility": visibility})
	if err != nil {
		return nil, fmt.Errorf("リクエストの変換に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/statuses", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Idempotency-Key", m.newKey())

	var status mastodonStatus
	if err := m.do(req, creds.Secret, "statuses", &status); err != nil {
		return nil, err
	}

	uri := status.URL
	if uri == "" {
		uri = status.URI
	}
	if uri == "" {
		uri = fmt.Sprintf("%s/@me/%s", base, status.ID)
	}
	postedAt := status.CreatedAt
	if postedAt.IsZero() {
		postedAt = time.Now()
	}
	return &SendResult{RemoteURI: uri, PostedAt: postedAt.UTC()}, nil
}

// OwnsURI はhttp(s)のステータスURLかどうかを返す。
func (m *Mastodon) OwnsURI(uri string) bool {
	return strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "http://")
}

// FetchEngagement は/api/v1/statuses/:idでお気に入り数とブースト数を取得する。
// 削除済みなど恒久的に取得できないURIは結果から除外する。
func (m *Mastodon) FetchEngagement(ctx context.Context, uris []string, creds Credentials) (map[string]Engagement, error) {
	result := make(map[string]Engagement, len(uris))
	if len(uris) == 0 {
		return result, nil
	}
	if err := m.CheckCredentials(creds); err != nil {
		return nil, err
	}
	base := strings.TrimRight(creds.ServerURL, "/")

	for _, uri := range uris {
		id := statusIDFromURL(uri)
		if id == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/statuses/"+url.PathEscape(id), nil)
		if err != nil {
			return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
		}
		var status mastodonStatus
		if err := m.do(req, creds.Secret, "statuses/:id", &status); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if IsRetryable(err) {
				return nil, err
			}
			continue
		}
		result[uri] = Engagement{Likes: status.FavouritesCount, Reposts: status.ReblogsCount}
	}
	return result, nil
}

func (m *Mastodon) do(req *http.Request, token, operation string, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mastodon %s: %w", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if ClassifyHTTPStatus(resp.StatusCode) != OutcomeOK {
		return &HTTPError{Platform: MastodonID, Operation: operation, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mastodon %s: レスポンスJSONのパースに失敗しました: %w", operation, err)
	}
	return nil
}

// statusIDFromURL はステータスURLの末尾からIDを取り出す。
// 例: https://mastodon.social/@user/1234567890 → 1234567890
func statusIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	if id == "" || id == "/" || id == "." {
		return ""
	}
	return id
}
