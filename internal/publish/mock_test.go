package publish

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/platform"
	"github.com/hitoshi/skeetman/internal/repository"
	"github.com/hitoshi/skeetman/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- PostRepository のモック ---

// memoryPostRepo はWithLockedPostをコピー上で実行し、成功時のみ反映するモック。
type memoryPostRepo struct {
	mu    sync.Mutex
	posts map[string]*model.Post
	logs  []*model.SendLogEntry
	saves int
}

func newMemoryPostRepo(posts ...*model.Post) *memoryPostRepo {
	r := &memoryPostRepo{posts: make(map[string]*model.Post)}
	for _, p := range posts {
		r.posts[p.ID] = p.Clone()
	}
	return r
}

func (r *memoryPostRepo) get(id string) *model.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[id]; ok {
		return p.Clone()
	}
	return nil
}

func (r *memoryPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	return r.get(id), nil
}

func (r *memoryPostRepo) ExistsIncludingDeleted(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.posts[id]
	return ok, nil
}

func (r *memoryPostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Post, error) {
	return nil, nil
}

func (r *memoryPostRepo) ListPending(ctx context.Context) ([]*model.Post, error) {
	return nil, nil
}

func (r *memoryPostRepo) MarkOverdueAsPending(ctx context.Context, cutoff time.Time, reason model.PendingReason) ([]*model.Post, error) {
	return nil, nil
}

func (r *memoryPostRepo) ListNeedingEngagementRefresh(ctx context.Context, limit int) ([]*model.Post, error) {
	return nil, nil
}

func (r *memoryPostRepo) UpdateEngagement(ctx context.Context, id string, likes, reposts int, fetchedAt time.Time) error {
	return nil
}

func (r *memoryPostRepo) WithLockedPost(ctx context.Context, id string, fn repository.LockedPostFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var post *model.Post
	if p, ok := r.posts[id]; ok && p.DeletedAt == nil {
		post = p.Clone()
	}
	w := &stagingWriter{}
	if err := fn(ctx, post, w); err != nil {
		return err
	}
	if w.saved != nil {
		r.posts[id] = w.saved
		r.saves++
	}
	r.logs = append(r.logs, w.logs...)
	return nil
}

type stagingWriter struct {
	saved *model.Post
	logs  []*model.SendLogEntry
}

func (w *stagingWriter) SaveSchedule(ctx context.Context, post *model.Post) error {
	w.saved = post.Clone()
	return nil
}

func (w *stagingWriter) AppendSendLogs(ctx context.Context, entries []*model.SendLogEntry) error {
	w.logs = append(w.logs, entries...)
	return nil
}

// --- platform.Adapter のモック ---

type mockAdapter struct {
	id       string
	maxChars int

	mu       sync.Mutex
	sendFunc func(attempt int, payload platform.Payload) (*platform.SendResult, error)
	calls    int
}

func (m *mockAdapter) ID() string          { return m.id }
func (m *mockAdapter) DisplayName() string { return m.id }
func (m *mockAdapter) MaxChars() int       { return m.maxChars }

func (m *mockAdapter) Validate(content string) platform.ValidationResult {
	remaining := m.maxChars - platform.CountChars(content)
	if remaining < 0 {
		return platform.ValidationResult{OK: false, Remaining: remaining, Errors: []string{"too long"}}
	}
	return platform.ValidationResult{OK: true, Remaining: remaining}
}

func (m *mockAdapter) Format(content string) platform.Payload {
	return platform.Payload{Text: content}
}

func (m *mockAdapter) CheckCredentials(creds platform.Credentials) error {
	if creds.Secret == "" {
		return &platform.CredentialsError{Platform: m.id, Missing: true, Reason: "secret"}
	}
	return nil
}

func (m *mockAdapter) Send(ctx context.Context, payload platform.Payload, creds platform.Credentials) (*platform.SendResult, error) {
	m.mu.Lock()
	m.calls++
	attempt := m.calls
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(attempt, payload)
	}
	return &platform.SendResult{RemoteURI: m.id + "://remote/1", PostedAt: time.Now()}, nil
}

func (m *mockAdapter) sendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- CredentialResolver のモック ---

type mockCreds struct {
	creds       map[string]*platform.Credentials
	validateErr map[string]error
}

func (m *mockCreds) Resolve(id string) *platform.Credentials {
	c, ok := m.creds[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *mockCreds) Validate(id string, creds *platform.Credentials) error {
	return m.validateErr[id]
}

// --- SettingsSource のモック ---

type staticSettings struct {
	s   model.SchedulerSettings
	err error
}

func (s staticSettings) Load(ctx context.Context) (model.SchedulerSettings, error) {
	return s.s, s.err
}

// --- MetricsCollector のモック ---

type mockMetrics struct {
	mu         sync.Mutex
	dispatches map[string]int
	pending    map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{dispatches: map[string]int{}, pending: map[string]int{}}
}

func (m *mockMetrics) RecordDispatch(platform, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches[platform+"/"+status]++
}
func (m *mockMetrics) RecordAttempts(string, int)                      {}
func (m *mockMetrics) RecordPlatformHTTPStatus(string, int)            {}
func (m *mockMetrics) RecordDispatchLatency(string, time.Duration)     {}
func (m *mockMetrics) RecordTick(time.Duration, int)                   {}
func (m *mockMetrics) RecordTickSkipped()                              {}
func (m *mockMetrics) RecordEngagementRefresh(int, bool)               {}
func (m *mockMetrics) RecordPendingTransition(reason string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[reason] += count
}

// --- ヘルパー ---

var defaultTestSettings = model.SchedulerSettings{
	ScheduleTime:       "* * * * *",
	TimeZone:           "UTC",
	GraceWindowMinutes: 10,
	PostRetries:        3,
	PostBackoffMs:      500,
	PostBackoffMaxMs:   4000,
}

type pipelineFixture struct {
	pipeline *Pipeline
	repo     *memoryPostRepo
	bluesky  *mockAdapter
	mastodon *mockAdapter
	metrics  *mockMetrics
	logBuf   *bytes.Buffer

	sleepMu sync.Mutex
	sleeps  []time.Duration
}

func (f *pipelineFixture) recordedSleeps() []time.Duration {
	f.sleepMu.Lock()
	defer f.sleepMu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newPipelineFixture(now time.Time, discardMode bool, posts ...*model.Post) *pipelineFixture {
	f := &pipelineFixture{
		repo:     newMemoryPostRepo(posts...),
		bluesky:  &mockAdapter{id: "bluesky", maxChars: 300},
		mastodon: &mockAdapter{id: "mastodon", maxChars: 500},
		metrics:  newMockMetrics(),
		logBuf:   &bytes.Buffer{},
	}
	creds := &mockCreds{creds: map[string]*platform.Credentials{
		"bluesky":  {ServerURL: "https://bsky.social", Identifier: "alice", Secret: "pw"},
		"mastodon": {ServerURL: "https://social.example", Secret: "token"},
	}}
	f.pipeline = NewPipeline(
		f.repo,
		platform.NewRegistry(f.bluesky, f.mastodon),
		creds,
		security.NewPlainTextSanitizer(),
		staticSettings{s: defaultTestSettings},
		f.metrics,
		newTestLogger(f.logBuf),
		discardMode,
	)
	f.pipeline.now = func() time.Time { return now }
	f.pipeline.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleepMu.Lock()
		defer f.sleepMu.Unlock()
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }
