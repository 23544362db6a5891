package pending

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/publish"
	"github.com/hitoshi/skeetman/internal/repository"
)

const (
	postID1       = "3f1c2a9e-8b7d-4c6e-9a51-2d0e7b4f6a10"
	sentPostID    = "5b2e7c41-0d9a-4f3b-8e62-71c4a9d0b3e5"
	deletedPostID = "9d4a1f80-6c3e-4b27-a5d9-0e8f2b7c1a46"
	missingPostID = "c0ffee00-1234-4abc-8def-001122334455"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// --- モック ---

type mockPostRepo struct {
	posts map[string]*model.Post
	saved *model.Post

	listPendingFunc func(ctx context.Context) ([]*model.Post, error)
	existsFunc      func(ctx context.Context, id string) (bool, error)
}

func (m *mockPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	return m.posts[id], nil
}

func (m *mockPostRepo) ExistsIncludingDeleted(ctx context.Context, id string) (bool, error) {
	if m.existsFunc != nil {
		return m.existsFunc(ctx, id)
	}
	_, ok := m.posts[id]
	return ok, nil
}

func (m *mockPostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Post, error) {
	return nil, nil
}

func (m *mockPostRepo) ListPending(ctx context.Context) ([]*model.Post, error) {
	if m.listPendingFunc != nil {
		return m.listPendingFunc(ctx)
	}
	return nil, nil
}

func (m *mockPostRepo) MarkOverdueAsPending(ctx context.Context, cutoff time.Time, reason model.PendingReason) ([]*model.Post, error) {
	return nil, nil
}

func (m *mockPostRepo) ListNeedingEngagementRefresh(ctx context.Context, limit int) ([]*model.Post, error) {
	return nil, nil
}

func (m *mockPostRepo) UpdateEngagement(ctx context.Context, id string, likes, reposts int, fetchedAt time.Time) error {
	return nil
}

func (m *mockPostRepo) WithLockedPost(ctx context.Context, id string, fn repository.LockedPostFunc) error {
	var post *model.Post
	if p, ok := m.posts[id]; ok && p.DeletedAt == nil {
		post = p.Clone()
	}
	w := &captureWriter{}
	if err := fn(ctx, post, w); err != nil {
		return err
	}
	if w.saved != nil {
		m.saved = w.saved
		m.posts[id] = w.saved
	}
	return nil
}

type captureWriter struct {
	saved *model.Post
}

func (w *captureWriter) SaveSchedule(ctx context.Context, post *model.Post) error {
	w.saved = post.Clone()
	return nil
}

func (w *captureWriter) AppendSendLogs(ctx context.Context, entries []*model.SendLogEntry) error {
	return errors.New("破棄では送信ログを書き込まない")
}

type mockSendLogRepo struct {
	listFunc  func(ctx context.Context, postID string, limit, offset int) ([]*model.SendLogEntry, error)
	countFunc func(ctx context.Context, postID string) (int, error)
}

func (m *mockSendLogRepo) ListByPostID(ctx context.Context, postID string, limit, offset int) ([]*model.SendLogEntry, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, postID, limit, offset)
	}
	return nil, nil
}

func (m *mockSendLogRepo) CountByPostID(ctx context.Context, postID string) (int, error) {
	if m.countFunc != nil {
		return m.countFunc(ctx, postID)
	}
	return 0, nil
}

type mockPublisher struct {
	publishFunc func(ctx context.Context, postID string) (*publish.Result, error)
}

func (m *mockPublisher) PublishPending(ctx context.Context, postID string) (*publish.Result, error) {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, postID)
	}
	return nil, nil
}

type staticSettings struct {
	s model.SchedulerSettings
}

func (s staticSettings) Load(ctx context.Context) (model.SchedulerSettings, error) {
	return s.s, nil
}

var testNow = time.Date(2025, 1, 9, 14, 30, 0, 0, time.UTC)

func newTestService(repo *mockPostRepo, logs *mockSendLogRepo, pub *mockPublisher) *Service {
	var buf bytes.Buffer
	svc := NewService(repo, logs, pub, staticSettings{s: model.SchedulerSettings{GraceWindowMinutes: 10}}, publish.NewRescheduler(), newTestLogger(&buf))
	svc.now = func() time.Time { return testNow }
	return svc
}

func pendingPost(id string, repeat model.Repeat) *model.Post {
	at := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	return &model.Post{
		ID:            id,
		Content:       "hello",
		ScheduledAt:   &at,
		Repeat:        repeat,
		Status:        model.PostStatusPendingManual,
		PendingReason: model.PendingReasonMissedWhileOffline,
	}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %q, want %q", apiErr.Code, code)
	}
}

// --- List ---

func TestService_List_ReturnsEmptySlice(t *testing.T) {
	svc := newTestService(&mockPostRepo{}, &mockSendLogRepo{}, &mockPublisher{})

	posts, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List がエラーを返した: %v", err)
	}
	if posts == nil || len(posts) != 0 {
		t.Errorf("空の一覧は空スライスであるべき: %v", posts)
	}
}

func TestService_List_PropagatesError(t *testing.T) {
	repo := &mockPostRepo{listPendingFunc: func(ctx context.Context) ([]*model.Post, error) {
		return nil, errors.New("db error")
	}}
	svc := newTestService(repo, &mockSendLogRepo{}, &mockPublisher{})

	if _, err := svc.List(context.Background()); err == nil {
		t.Fatal("リポジトリのエラーを返すべき")
	}
}

// --- PublishOnce ---

func TestService_PublishOnce_DelegatesToPublisher(t *testing.T) {
	want := &model.Post{ID: postID1, Status: model.PostStatusSent}
	pub := &mockPublisher{publishFunc: func(ctx context.Context, postID string) (*publish.Result, error) {
		if postID != postID1 {
			t.Errorf("postID = %q, want p1", postID)
		}
		return &publish.Result{Post: want, Succeeded: 1}, nil
	}}
	svc := newTestService(&mockPostRepo{}, &mockSendLogRepo{}, pub)

	got, err := svc.PublishOnce(context.Background(), postID1)
	if err != nil {
		t.Fatalf("PublishOnce がエラーを返した: %v", err)
	}
	if got != want {
		t.Errorf("PublishOnce = %+v, want %+v", got, want)
	}
}

func TestService_PublishOnce_PropagatesAPIError(t *testing.T) {
	pub := &mockPublisher{publishFunc: func(ctx context.Context, postID string) (*publish.Result, error) {
		return nil, model.NewInvalidStateError(postID, model.PostStatusSent)
	}}
	svc := newTestService(&mockPostRepo{}, &mockSendLogRepo{}, pub)

	_, err := svc.PublishOnce(context.Background(), postID1)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidState)
}

// --- Discard ---

func TestService_Discard_OneShotBecomesSkipped(t *testing.T) {
	repo := &mockPostRepo{posts: map[string]*model.Post{postID1: pendingPost(postID1, model.RepeatNone)}}
	svc := newTestService(repo, &mockSendLogRepo{}, &mockPublisher{})

	got, err := svc.Discard(context.Background(), postID1)
	if err != nil {
		t.Fatalf("Discard がエラーを返した: %v", err)
	}
	if got.Status != model.PostStatusSkipped {
		t.Errorf("Status = %s, want skipped", got.Status)
	}
	if got.ScheduledAt != nil {
		t.Errorf("ScheduledAt = %v, want nil", got.ScheduledAt)
	}
	if got.PendingReason != "" {
		t.Errorf("PendingReason = %q, want empty", got.PendingReason)
	}
	if repo.saved == nil || repo.saved.Status != model.PostStatusSkipped {
		t.Error("変更が保存されるべき")
	}
}

func TestService_Discard_RecurringRescheduledAfterNow(t *testing.T) {
	repo := &mockPostRepo{posts: map[string]*model.Post{postID1: pendingPost(postID1, model.RepeatDaily)}}
	svc := newTestService(repo, &mockSendLogRepo{}, &mockPublisher{})

	got, err := svc.Discard(context.Background(), postID1)
	if err != nil {
		t.Fatalf("Discard がエラーを返した: %v", err)
	}
	if got.Status != model.PostStatusScheduled || got.PendingReason != "" {
		t.Errorf("status/reason = %s/%q, want scheduled/empty", got.Status, got.PendingReason)
	}
	want := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, want)
	}
	if !got.ScheduledAt.After(testNow) {
		t.Error("ScheduledAt は現在時刻より後であるべき")
	}
}

func TestService_Discard_NextOccurrenceUnavailable(t *testing.T) {
	post := pendingPost(postID1, model.RepeatWeekly)
	post.RepeatDaysOfWeek = []int{9}
	repo := &mockPostRepo{posts: map[string]*model.Post{postID1: post}}
	svc := newTestService(repo, &mockSendLogRepo{}, &mockPublisher{})

	_, err := svc.Discard(context.Background(), postID1)
	assertAPIErrorCode(t, err, model.ErrCodeNextOccurrenceUnavailable)
	if repo.saved != nil {
		t.Error("次回予定を計算できない場合は変更しないべき")
	}
	if repo.posts[postID1].Status != model.PostStatusPendingManual {
		t.Error("投稿は手動対応待ちのまま残るべき")
	}
}

func TestService_Discard_NotFoundAndInvalidState(t *testing.T) {
	sent := pendingPost(sentPostID, model.RepeatNone)
	sent.Status = model.PostStatusSent
	deleted := pendingPost(deletedPostID, model.RepeatNone)
	deleted.DeletedAt = &testNow
	repo := &mockPostRepo{posts: map[string]*model.Post{sentPostID: sent, deletedPostID: deleted}}
	svc := newTestService(repo, &mockSendLogRepo{}, &mockPublisher{})

	_, err := svc.Discard(context.Background(), missingPostID)
	assertAPIErrorCode(t, err, model.ErrCodePostNotFound)

	_, err = svc.Discard(context.Background(), deletedPostID)
	assertAPIErrorCode(t, err, model.ErrCodePostNotFound)

	_, err = svc.Discard(context.Background(), sentPostID)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidState)
}

// --- History ---

func TestService_History_ClampsLimit(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 50, 0},
		{-5, -1, 50, 0},
		{20, 40, 20, 40},
		{500, 0, 200, 0},
	}
	for _, tt := range tests {
		var gotLimit, gotOffset int
		logs := &mockSendLogRepo{
			listFunc: func(ctx context.Context, postID string, limit, offset int) ([]*model.SendLogEntry, error) {
				gotLimit, gotOffset = limit, offset
				return nil, nil
			},
			countFunc: func(ctx context.Context, postID string) (int, error) { return 7, nil },
		}
		repo := &mockPostRepo{posts: map[string]*model.Post{postID1: {ID: postID1}}}
		svc := newTestService(repo, logs, &mockPublisher{})

		h, err := svc.History(context.Background(), postID1, tt.limit, tt.offset)
		if err != nil {
			t.Fatalf("History がエラーを返した: %v", err)
		}
		if gotLimit != tt.wantLimit || gotOffset != tt.wantOffset {
			t.Errorf("History(%d, %d) → limit/offset = %d/%d, want %d/%d", tt.limit, tt.offset, gotLimit, gotOffset, tt.wantLimit, tt.wantOffset)
		}
		if h.Total != 7 || h.Entries == nil {
			t.Errorf("History = %+v", h)
		}
	}
}

func TestService_MalformedPostIDIsNotFound(t *testing.T) {
	repo := &mockPostRepo{existsFunc: func(ctx context.Context, id string) (bool, error) {
		t.Errorf("不正なIDでリポジトリを呼ぶべきでない: %q", id)
		return false, nil
	}}
	publisher := &mockPublisher{}
	svc := newTestService(repo, &mockSendLogRepo{}, publisher)
	ctx := context.Background()

	for _, id := range []string{"abc", "", "1; DROP TABLE posts", postID1 + "x"} {
		_, err := svc.PublishOnce(ctx, id)
		assertAPIErrorCode(t, err, model.ErrCodePostNotFound)

		_, err = svc.Discard(ctx, id)
		assertAPIErrorCode(t, err, model.ErrCodePostNotFound)

		_, err = svc.History(ctx, id, 10, 0)
		assertAPIErrorCode(t, err, model.ErrCodePostNotFound)
	}
}

func TestService_History_SoftDeletedPostStillReadable(t *testing.T) {
	repo := &mockPostRepo{existsFunc: func(ctx context.Context, id string) (bool, error) {
		return id == deletedPostID, nil
	}}
	svc := newTestService(repo, &mockSendLogRepo{}, &mockPublisher{})

	if _, err := svc.History(context.Background(), deletedPostID, 10, 0); err != nil {
		t.Errorf("論理削除済みの投稿の履歴は参照できるべき: %v", err)
	}
	_, err := svc.History(context.Background(), missingPostID, 10, 0)
	assertAPIErrorCode(t, err, model.ErrCodePostNotFound)
}
