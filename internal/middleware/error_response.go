package middleware

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/skeetman/internal/model"
)

// ErrorResponseBody はミドルウェア層が返すエラーレスポンス。
// ハンドラー層と同じ4項目に、ログと突き合わせるためのrequest_idを加える。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteAPIError はAPIErrorを統一フォーマットで書き込む。
// chiのRequestIDが前段にあればrequest_idとして含める。
func WriteAPIError(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	if r != nil {
		body.RequestID = chimw.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
