package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, gatherer prometheus.Gatherer) string {
	t.Helper()

	w := httptest.NewRecorder()
	Handler(gatherer).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Result().Body)
	return string(body)
}

// TestHandler_ExposesRecordedSeries は記録済みの系列がスクレイプ結果に現れることを検証する。
func TestHandler_ExposesRecordedSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordDispatch("bluesky", "sent")
	c.RecordTick(120*time.Millisecond, 3)
	c.RecordPendingTransition("overdue", 2)

	body := scrape(t, reg)

	for _, want := range []string{
		`skeetman_dispatch_total{platform="bluesky",status="sent"} 1`,
		"skeetman_tick_duration_seconds",
		`reason="overdue"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("スクレイプ結果に %q が含まれるべき", want)
		}
	}
}

// TestHandler_UsesGivenRegistryOnly は渡したレジストリ以外の系列を公開しないことを検証する。
func TestHandler_UsesGivenRegistryOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	body := scrape(t, reg)

	if strings.Contains(body, "go_goroutines") {
		t.Error("デフォルトレジストリのGoランタイム系列が混入している")
	}
}
