package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/skeetman/internal/handler"
	"github.com/hitoshi/skeetman/internal/metrics"
	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/presence"
	"github.com/hitoshi/skeetman/internal/publish"
	"github.com/hitoshi/skeetman/internal/worker/scheduler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// sharedSettings はAPIとworkerが共有する設定テーブルの代わり。
type sharedSettings struct {
	mu sync.Mutex
	s  model.SchedulerSettings
}

func (m *sharedSettings) Load(ctx context.Context) (model.SchedulerSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

func (m *sharedSettings) Save(ctx context.Context, in model.SchedulerSettings) (model.SchedulerSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = in
	return in, nil
}

type noDuePosts struct{}

func (noDuePosts) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Post, error) {
	return nil, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, postID string) (*publish.Result, error) {
	return nil, nil
}

type noopRefresher struct{}

func (noopRefresher) RefreshBatch(ctx context.Context, limit int) (int, error) { return 0, nil }

// mockController はControllerのモック実装。
type mockController struct {
	mu           sync.Mutex
	restartFn    func(ctx context.Context) error
	status       scheduler.Status
	restartCalls int
}

func (m *mockController) Restart(ctx context.Context) error {
	m.mu.Lock()
	m.restartCalls++
	fn := m.restartFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *mockController) Status() scheduler.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockController) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartCalls
}

// startListener はbus上でctrlを操作するListenerを起動する。
func startListener(t *testing.T, bus Bus, ctrl Controller) *Listener {
	t.Helper()
	l := NewListener(bus, ctrl, discardLogger())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Listener.Start がエラーを返した: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestRemoteScheduler_Restart(t *testing.T) {
	bus := NewMemoryBus()
	ctrl := &mockController{}
	startListener(t, bus, ctrl)

	remote := NewRemoteScheduler(bus, time.Second, discardLogger())
	if err := remote.Restart(context.Background()); err != nil {
		t.Fatalf("Restart がエラーを返した: %v", err)
	}
	if ctrl.calls() != 1 {
		t.Errorf("restartCalls = %d, want 1", ctrl.calls())
	}
}

func TestRemoteScheduler_RestartErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"不正なトリガー式", model.NewInvalidTriggerExpressionError("bogus", "expected 5 fields"), model.ErrCodeInvalidTriggerExpression},
		{"APIError以外", errors.New("connection reset"), model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMemoryBus()
			startListener(t, bus, &mockController{restartFn: func(ctx context.Context) error { return tt.err }})

			err := NewRemoteScheduler(bus, time.Second, discardLogger()).Restart(context.Background())
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Fatalf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestRemoteScheduler_NoListener(t *testing.T) {
	remote := NewRemoteScheduler(NewMemoryBus(), time.Second, discardLogger())

	err := remote.Restart(context.Background())
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSchedulerUnavailable {
		t.Fatalf("err = %v, want SCHEDULER_UNAVAILABLE", err)
	}
	if st := remote.Status(); st.Running {
		t.Errorf("応答がない場合は停止中として扱う: %+v", st)
	}
}

func TestRemoteScheduler_Timeout(t *testing.T) {
	bus := NewMemoryBus()
	release := make(chan struct{})
	defer close(release)
	startListener(t, bus, &mockController{restartFn: func(ctx context.Context) error {
		<-release
		return nil
	}})

	start := time.Now()
	err := NewRemoteScheduler(bus, 50*time.Millisecond, discardLogger()).Restart(context.Background())
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSchedulerUnavailable {
		t.Fatalf("err = %v, want SCHEDULER_UNAVAILABLE", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("タイムアウトで打ち切られるべき: %v", elapsed)
	}
}

func TestRemoteScheduler_Status(t *testing.T) {
	bus := NewMemoryBus()
	next := time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC)
	startListener(t, bus, &mockController{status: scheduler.Status{Running: true, Trigger: "0 9 * * *", TimeZone: "UTC", NextRun: &next}})

	st := NewRemoteScheduler(bus, time.Second, discardLogger()).Status()
	if !st.Running || st.Trigger != "0 9 * * *" || st.NextRun == nil || !st.NextRun.Equal(next) {
		t.Errorf("Status = %+v", st)
	}
}

func TestListener_IgnoresMalformedRequests(t *testing.T) {
	bus := NewMemoryBus()
	ctrl := &mockController{}
	startListener(t, bus, ctrl)

	for _, payload := range []string{"not json", `{"op":"restart"}`, `{"id":"x","op":"reboot"}`} {
		if _, err := bus.Publish(context.Background(), RequestChannel, []byte(payload)); err != nil {
			t.Fatalf("Publish がエラーを返した: %v", err)
		}
	}

	if err := NewRemoteScheduler(bus, time.Second, discardLogger()).Restart(context.Background()); err != nil {
		t.Fatalf("不正なリクエストの後も処理を続けるべき: %v", err)
	}
	if ctrl.calls() != 1 {
		t.Errorf("restartCalls = %d, want 1", ctrl.calls())
	}
}

func TestListener_StopUnsubscribes(t *testing.T) {
	bus := NewMemoryBus()
	l := NewListener(bus, &mockController{}, discardLogger())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	l.Stop()
	l.Stop()

	n, err := bus.Publish(context.Background(), RequestChannel, []byte(`{}`))
	if err != nil || n != 0 {
		t.Errorf("Stop後は購読者がいないべき: n=%d err=%v", n, err)
	}
}

// TestSettingsWriteRestartsWorkerScheduler はAPIプロセスでの設定保存が
// 別プロセスのスケジューラに反映されることを検証する。
func TestSettingsWriteRestartsWorkerScheduler(t *testing.T) {
	bus := NewMemoryBus()
	store := &sharedSettings{s: model.SchedulerSettings{
		ScheduleTime:       "*/5 * * * *",
		TimeZone:           "UTC",
		GraceWindowMinutes: 10,
		PostRetries:        3,
		PostBackoffMs:      500,
		PostBackoffMaxMs:   4000,
	}}

	// worker側: スケジューラと制御の受付
	sched := scheduler.New(
		noDuePosts{}, noopDispatcher{}, store, presence.NewMemoryStore(), noopRefresher{},
		metrics.NewCollector(prometheus.NewRegistry()), discardLogger(), scheduler.Config{},
	)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("スケジューラの起動に失敗: %v", err)
	}
	t.Cleanup(sched.Stop)
	startListener(t, bus, sched)

	// API側: スケジューラを持たず、Bus経由で操作する
	h := handler.NewSchedulerHandler(NewRemoteScheduler(bus, 5*time.Second, discardLogger()), store)

	in := store.s
	in.ScheduleTime = "0 9 * * *"
	in.TimeZone = "Asia/Tokyo"
	body, _ := json.Marshal(in)
	w := httptest.NewRecorder()
	h.UpdateSettings(w, httptest.NewRequest(http.MethodPut, "/api/settings/scheduler", strings.NewReader(string(body))))

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d (body=%s)", w.Code, w.Body.String())
	}
	st := sched.Status()
	if !st.Running || st.Trigger != "0 9 * * *" || st.TimeZone != "Asia/Tokyo" {
		t.Errorf("worker側のスケジューラに新しい設定が反映されていない: %+v", st)
	}

	var resp struct {
		Scheduler *scheduler.Status `json:"scheduler"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if resp.Scheduler == nil || resp.Scheduler.Trigger != "0 9 * * *" {
		t.Errorf("APIの応答にworkerの状態が含まれるべき: %+v", resp.Scheduler)
	}

	// 再起動要求で不正なトリガーを検出した場合はworker側のエラーがそのまま返る
	w = httptest.NewRecorder()
	store.Save(context.Background(), model.SchedulerSettings{ScheduleTime: "@every 10s", TimeZone: "UTC", GraceWindowMinutes: 10})
	h.Restart(w, httptest.NewRequest(http.MethodPost, "/api/scheduler/restart", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("不正なトリガーでの再起動: got %d, want 400", w.Code)
	}
}
