package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/pending"
)

// PendingServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PendingServiceInterface interface {
	// List は手動対応待ちの投稿一覧を返す。
	List(ctx context.Context) ([]*model.Post, error)
	// PublishOnce は手動対応待ちの投稿を即時送信する。
	PublishOnce(ctx context.Context, postID string) (*model.Post, error)
	// Discard は手動対応待ちの投稿を送信せずに処理する。
	Discard(ctx context.Context, postID string) (*model.Post, error)
	// History は投稿の送信履歴を返す。
	History(ctx context.Context, postID string, limit, offset int) (*pending.History, error)
}

// PostHandler は予約投稿のHTTPハンドラー。
type PostHandler struct {
	service PendingServiceInterface
	now     func() time.Time
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PendingServiceInterface) *PostHandler {
	return &PostHandler{
		service: service,
		now:     time.Now,
	}
}

// postResponse は投稿情報のAPIレスポンス。
type postResponse struct {
	ID              string                          `json:"id"`
	Content         string                          `json:"content"`
	Status          string                          `json:"status"`
	PendingReason   string                          `json:"pending_reason,omitempty"`
	Repeat          string                          `json:"repeat"`
	ScheduledAt     *time.Time                      `json:"scheduled_at"`
	Overdue         string                          `json:"overdue,omitempty"`
	PostedAt        *time.Time                      `json:"posted_at,omitempty"`
	PostURI         string                          `json:"post_uri,omitempty"`
	TargetPlatforms []string                        `json:"target_platforms"`
	PlatformResults map[string]model.PlatformResult `json:"platform_results,omitempty"`
	LikesCount      int                             `json:"likes_count"`
	RepostsCount    int                             `json:"reposts_count"`
	CreatedAt       time.Time                       `json:"created_at"`
	UpdatedAt       time.Time                       `json:"updated_at"`
}

// sendLogResponse は送信履歴1件のAPIレスポンス。
type sendLogResponse struct {
	ID           string    `json:"id"`
	Platform     string    `json:"platform"`
	Status       string    `json:"status"`
	PostedAt     time.Time `json:"posted_at"`
	Attempt      int       `json:"attempt"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RemoteURI    string    `json:"remote_uri,omitempty"`
	Content      string    `json:"content_snapshot"`
}

// historyResponse は送信履歴のAPIレスポンス。
type historyResponse struct {
	Entries []sendLogResponse `json:"entries"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// ListPending は手動対応待ちの投稿一覧を返す。
// GET /api/posts/pending
func (h *PostHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	now := h.now()
	resp := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		resp = append(resp, toPostResponse(p, now))
	}
	writeJSON(w, resp)
}

// PublishOnce は手動対応待ちの投稿を即時送信する。
// POST /api/posts/:id/publish-once
func (h *PostHandler) PublishOnce(w http.ResponseWriter, r *http.Request) {
	postID, ok := postIDParam(w, r)
	if !ok {
		return
	}

	post, err := h.service.PublishOnce(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, toPostResponse(post, h.now()))
}

// Discard は手動対応待ちの投稿を破棄する。
// POST /api/posts/:id/discard
func (h *PostHandler) Discard(w http.ResponseWriter, r *http.Request) {
	postID, ok := postIDParam(w, r)
	if !ok {
		return
	}

	post, err := h.service.Discard(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, toPostResponse(post, h.now()))
}

// History は投稿の送信履歴を返す。
// GET /api/posts/:id/history?limit=&offset=
func (h *PostHandler) History(w http.ResponseWriter, r *http.Request) {
	postID, ok := postIDParam(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limitは整数で指定してください"))
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("offsetは整数で指定してください"))
		return
	}

	history, err := h.service.History(r.Context(), postID, limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := historyResponse{
		Entries: make([]sendLogResponse, 0, len(history.Entries)),
		Total:   history.Total,
		Limit:   history.Limit,
		Offset:  history.Offset,
	}
	for _, e := range history.Entries {
		resp.Entries = append(resp.Entries, sendLogResponse{
			ID:           e.ID,
			Platform:     e.Platform,
			Status:       string(e.Status),
			PostedAt:     e.PostedAt,
			Attempt:      e.Attempt,
			ErrorCode:    e.ErrorCode,
			ErrorMessage: e.ErrorMessage,
			RemoteURI:    e.RemoteURI,
			Content:      e.ContentSnapshot,
		})
	}
	writeJSON(w, resp)
}

// --- ヘルパー関数 ---

// postIDParam はURLの投稿IDを取り出す。UUIDでなければ404を書き込みfalseを返す。
func postIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	postID := chi.URLParam(r, "id")
	if uuid.Validate(postID) != nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewPostNotFoundError(postID))
		return "", false
	}
	return postID, true
}

// queryInt はクエリパラメータを整数として読む。未指定の場合は0を返す。
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// toPostResponse はmodel.PostからAPIレスポンスに変換する。
// 手動対応待ちの投稿には予定時刻からの経過を人が読める形式で付与する。
func toPostResponse(p *model.Post, now time.Time) postResponse {
	resp := postResponse{
		ID:              p.ID,
		Content:         p.Content,
		Status:          string(p.Status),
		PendingReason:   string(p.PendingReason),
		Repeat:          string(p.Repeat),
		ScheduledAt:     p.ScheduledAt,
		PostedAt:        p.PostedAt,
		PostURI:         p.PostURI,
		TargetPlatforms: p.Platforms(),
		PlatformResults: p.PlatformResults,
		LikesCount:      p.LikesCount,
		RepostsCount:    p.RepostsCount,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.Status == model.PostStatusPendingManual && p.ScheduledAt != nil && p.ScheduledAt.Before(now) {
		resp.Overdue = humanize.RelTime(*p.ScheduledAt, now, "ago", "from now")
	}
	return resp
}
