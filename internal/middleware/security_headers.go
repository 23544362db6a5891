package middleware

import "net/http"

// NewAPIHeadersMiddleware はJSON APIの応答に共通のヘッダーを付与するミドルウェアを返す。
// 投稿内容や設定を含む応答をキャッシュさせない。
func NewAPIHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	}
}
