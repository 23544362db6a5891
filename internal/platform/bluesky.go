package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// BlueskyID はBlueskyの識別子。
	BlueskyID = "bluesky"
	// blueskyMaxChars はBlueskyの本文上限。
	blueskyMaxChars = 300
	// blueskyMaxURIsPerRequest はgetPostsの1リクエストあたりの最大URI数。
	blueskyMaxURIsPerRequest = 25
	// maxResponseSize はレスポンス本文の読み取り上限。
	maxResponseSize = 1 << 20
)

// Bluesky はAT ProtocolのXRPCでBlueskyへ投稿するアダプター。
type Bluesky struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewBluesky はBlueskyアダプターを生成する。
func NewBluesky(httpClient *http.Client) *Bluesky {
	return &Bluesky{httpClient: httpClient, now: time.Now}
}

var (
	_ Adapter          = (*Bluesky)(nil)
	_ EngagementReader = (*Bluesky)(nil)
)

// ID は"bluesky"を返す。
func (b *Bluesky) ID() string { return BlueskyID }

// DisplayName は"Bluesky"を返す。
func (b *Bluesky) DisplayName() string { return "Bluesky" }

// MaxChars は300を返す。
func (b *Bluesky) MaxChars() int { return blueskyMaxChars }

// Validate は本文の文字数を検証する。
func (b *Bluesky) Validate(content string) ValidationResult {
	return validateLength(content, blueskyMaxChars)
}

// Format は本文を正規化したPayloadを返す。
func (b *Bluesky) Format(content string) Payload {
	return Payload{Text: NormalizeText(content)}
}

// CheckCredentials はサーバーURL、識別子、アプリパスワードが揃っているかを検証する。
func (b *Bluesky) CheckCredentials(creds Credentials) error {
	var missing []string
	if creds.ServerURL == "" {
		missing = append(missing, "server")
	}
	if creds.Identifier == "" {
		missing = append(missing, "identifier")
	}
	if creds.Secret == "" {
		missing = append(missing, "app password")
	}
	if len(missing) > 0 {
		return &CredentialsError{Platform: BlueskyID, Missing: true, Reason: strings.Join(missing, ", ") + " が未設定です"}
	}
	return nil
}

type blueskySession struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
}

// createSession はアプリパスワードでセッションを作成する。
func (b *Bluesky) createSession(ctx context.Context, creds Credentials) (*blueskySession, error) {
	body := map[string]string{"identifier": creds.Identifier, "password": creds.Secret}
	var session blueskySession
	if err := b.xrpc(ctx, http.MethodPost, creds.ServerURL, "com.atproto.server.createSession", "", nil, body, &session); err != nil {
		return nil, err
	}
	if session.AccessJwt == "" || session.Did == "" {
		return nil, &CredentialsError{Platform: BlueskyID, Reason: "セッション応答にトークンが含まれていません"}
	}
	return &session, nil
}

// Send はセッションを作成してapp.bsky.feed.postレコードを作成する。
func (b *Bluesky) Send(ctx context.Context, payload Payload, creds Credentials) (*SendResult, error) {
	if err := b.CheckCredentials(creds); err != nil {
		return nil, err
	}
	session, err := b.createSession(ctx, creds)
	if err != nil {
		return nil, err
	}

	postedAt := b.now().UTC()
	body := map[string]any{
		"repo":       session.Did,
		"collection": "app.bsky.feed.post",
		"record": map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      payload.Text,
			"createdAt": postedAt.Format("2006-01-02T15:04:05.000Z"),
		},
	}
	var out struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := b.xrpc(ctx, http.MethodPost, creds.ServerURL, "com.atproto.repo.createRecord", session.AccessJwt, nil, body, &out); err != nil {
		return nil, err
	}
	if out.URI == "" {
		return nil, fmt.Errorf("bluesky createRecord: 応答にURIが含まれていません")
	}
	return &SendResult{RemoteURI: out.URI, PostedAt: postedAt}, nil
}

// OwnsURI はAT-URIかどうかを返す。
func (b *Bluesky) OwnsURI(uri string) bool {
	return strings.HasPrefix(uri, "at://")
}

// FetchEngagement はapp.bsky.feed.getPostsでいいね数とリポスト数を取得する。
func (b *Bluesky) FetchEngagement(ctx context.Context, uris []string, creds Credentials) (map[string]Engagement, error) {
	result := make(map[string]Engagement, len(uris))
	if len(uris) == 0 {
		return result, nil
	}
	if err := b.CheckCredentials(creds); err != nil {
		return nil, err
	}
	session, err := b.createSession(ctx, creds)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(uris); start += blueskyMaxURIsPerRequest {
		end := min(start+blueskyMaxURIsPerRequest, len(uris))
		q := url.Values{}
		for _, u := range uris[start:end] {
			q.Add("uris", u)
		}
		var out struct {
			Posts []struct {
				URI         string `json:"uri"`
				LikeCount   int    `json:"likeCount"`
				RepostCount int    `json:"repostCount"`
			} `json:"posts"`
		}
		if err := b.xrpc(ctx, http.MethodGet, creds.ServerURL, "app.bsky.feed.getPosts", session.AccessJwt, q, nil, &out); err != nil {
			return nil, err
		}
		for _, p := range out.Posts {
			result[p.URI] = Engagement{Likes: p.LikeCount, Reposts: p.RepostCount}
		}
	}
	return result, nil
}

// xrpc はXRPCエンドポイントを呼び出してJSON応答をoutにデコードする。
func (b *Bluesky) xrpc(ctx context.Context, method, server, nsid, token string, query url.Values, in, out any) error {
	endpoint := strings.TrimRight(server, "/") + "/xrpc/" + nsid
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストの変換に失敗しました: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bluesky %s: %w", nsid, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if ClassifyHTTPStatus(resp.StatusCode) != OutcomeOK {
		return &HTTPError{Platform: BlueskyID, Operation: nsid, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("bluesky %s: レスポンスJSONのパースに失敗しました: %w", nsid, err)
		}
	}
	return nil
}
