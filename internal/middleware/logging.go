package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// healthCheckPaths はオーケストレーターやPrometheusが定期的に叩くパス。
// 成功時はDEBUGで記録し、通常ログを埋めないようにする。
var healthCheckPaths = map[string]bool{
	"/health":        true,
	"/metrics":       true,
	"/api/heartbeat": true,
}

// responseRecorder は最初に書かれたステータスと本文のバイト数を記録する。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// statusOrOK はハンドラーが何も書かなかった場合に200を返す。
func (rr *responseRecorder) statusOrOK() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// levelFor はレスポンスに応じたログレベルを決める。
func levelFor(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case healthCheckPaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとにhttp_requestログを1件出力するミドルウェアを返す。
// chiのRequestIDが前段にあればrequest_idを含める。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.statusOrOK()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}

			logger.LogAttrs(r.Context(), levelFor(r.URL.Path, status), "http_request", attrs...)
		})
	}
}
