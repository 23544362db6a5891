package publish

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/platform"
)

var testNow = time.Date(2025, 1, 6, 9, 1, 0, 0, time.UTC)

func duePost(id string) *model.Post {
	at := testNow.Add(-time.Minute)
	return &model.Post{
		ID:          id,
		Content:     "<p>おはようございます &amp; よろしく</p>",
		ScheduledAt: &at,
		Repeat:      model.RepeatNone,
		Status:      model.PostStatusScheduled,
	}
}

func logsFor(logs []*model.SendLogEntry, platformID string) []*model.SendLogEntry {
	var out []*model.SendLogEntry
	for _, e := range logs {
		if e.Platform == platformID {
			out = append(out, e)
		}
	}
	return out
}

func TestDispatch_OneShotSuccess(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))

	res, err := f.pipeline.Dispatch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if res == nil || res.Succeeded != 1 {
		t.Fatalf("Succeeded = %+v, want 1", res)
	}

	p := f.repo.get("p1")
	if p.Status != model.PostStatusSent {
		t.Errorf("Status = %s, want sent", p.Status)
	}
	if p.PostedAt == nil || !p.PostedAt.Equal(testNow) {
		t.Errorf("PostedAt = %v, want %v", p.PostedAt, testNow)
	}
	if p.ScheduledAt != nil {
		t.Errorf("単発投稿のScheduledAtはnilになるべき: %v", p.ScheduledAt)
	}
	if p.PostURI != "bluesky://remote/1" {
		t.Errorf("PostURI = %q", p.PostURI)
	}
	if len(f.repo.logs) != 1 {
		t.Fatalf("送信ログ件数 = %d, want 1", len(f.repo.logs))
	}
	log := f.repo.logs[0]
	if log.Status != model.SendStatusSuccess || log.Attempt != 1 || log.RemoteURI != "bluesky://remote/1" {
		t.Errorf("送信ログ = %+v", log)
	}
	if log.ContentSnapshot != "おはようございます & よろしく" {
		t.Errorf("ContentSnapshot = %q, マークアップを除去した本文であるべき", log.ContentSnapshot)
	}
}

func TestDispatch_RetriesWithBackoffThenSucceeds(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))
	f.bluesky.sendFunc = func(attempt int, payload platform.Payload) (*platform.SendResult, error) {
		if attempt < 3 {
			return nil, &platform.HTTPError{Platform: "bluesky", StatusCode: 503}
		}
		return &platform.SendResult{RemoteURI: "at://x/3", PostedAt: testNow}, nil
	}

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}

	logs := f.repo.logs
	if len(logs) != 3 {
		t.Fatalf("送信ログ件数 = %d, want 3", len(logs))
	}
	for i, e := range logs {
		if e.Attempt != i+1 {
			t.Errorf("logs[%d].Attempt = %d, want %d", i, e.Attempt, i+1)
		}
	}
	if logs[0].Status != model.SendStatusFailed || logs[0].ErrorCode != "HTTP_503" {
		t.Errorf("1回目 = %+v", logs[0])
	}
	if logs[2].Status != model.SendStatusSuccess {
		t.Errorf("3回目 = %+v", logs[2])
	}
	sleeps := f.recordedSleeps()
	if len(sleeps) != 2 || sleeps[0] != 500*time.Millisecond || sleeps[1] != time.Second {
		t.Errorf("sleeps = %v, want [500ms 1s]", sleeps)
	}
	if got := f.repo.get("p1").PlatformResults["bluesky"]; got.Status != model.PlatformResultSent || got.Attempts != 3 {
		t.Errorf("PlatformResults = %+v", got)
	}
}

func TestDispatch_ExhaustedRetriesIsTerminal(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))
	f.bluesky.sendFunc = func(int, platform.Payload) (*platform.SendResult, error) {
		return nil, errors.New("connection reset")
	}

	res, err := f.pipeline.Dispatch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if f.bluesky.sendCalls() != 3 {
		t.Errorf("送信回数 = %d, want 3", f.bluesky.sendCalls())
	}
	if len(f.repo.logs) != 3 {
		t.Errorf("送信ログ件数 = %d, want 3", len(f.repo.logs))
	}
	p := f.repo.get("p1")
	if p.Status != model.PostStatusSent {
		t.Errorf("全プラットフォーム失敗でも処理済みとしてsentになるべき: %s", p.Status)
	}
	if p.PlatformResults["bluesky"].Status != model.PlatformResultFailed {
		t.Errorf("PlatformResults = %+v", p.PlatformResults)
	}
}

func TestDispatch_PermanentErrorNotRetried(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))
	f.bluesky.sendFunc = func(int, platform.Payload) (*platform.SendResult, error) {
		return nil, &platform.HTTPError{Platform: "bluesky", StatusCode: 400, Body: "InvalidRequest"}
	}

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if f.bluesky.sendCalls() != 1 {
		t.Errorf("送信回数 = %d, want 1", f.bluesky.sendCalls())
	}
	if len(f.recordedSleeps()) != 0 {
		t.Errorf("恒久的なエラーでは待機しないべき: %v", f.recordedSleeps())
	}
}

func TestDispatch_MissingCredentialsSkipsOnlyThatPlatform(t *testing.T) {
	post := duePost("p1")
	post.TargetPlatforms = []string{"mastodon", "bluesky"}
	f := newPipelineFixture(testNow, false, post)
	delete(f.pipeline.creds.(*mockCreds).creds, "mastodon")

	res, err := f.pipeline.Dispatch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if res.Succeeded != 1 || res.Skipped != 1 {
		t.Errorf("Succeeded/Skipped = %d/%d, want 1/1", res.Succeeded, res.Skipped)
	}
	m := logsFor(f.repo.logs, "mastodon")
	if len(m) != 1 || m[0].Status != model.SendStatusSkipped || m[0].ErrorCode != model.SendErrCredentialsMissing {
		t.Errorf("mastodonのログ = %+v", m)
	}
	if f.mastodon.sendCalls() != 0 {
		t.Error("資格情報がない場合は送信しないべき")
	}
	if f.repo.get("p1").PostURI != "bluesky://remote/1" {
		t.Errorf("PostURI = %q, want bluesky", f.repo.get("p1").PostURI)
	}
}

func TestDispatch_InvalidCredentialsSkipped(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))
	f.pipeline.creds.(*mockCreds).validateErr = map[string]error{
		"bluesky": &platform.CredentialsError{Platform: "bluesky", Reason: "blocked host"},
	}

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if len(f.repo.logs) != 1 || f.repo.logs[0].ErrorCode != model.SendErrCredentialsInvalid {
		t.Errorf("送信ログ = %+v", f.repo.logs)
	}
}

func TestDispatch_UnknownPlatformSkipped(t *testing.T) {
	post := duePost("p1")
	post.TargetPlatforms = []string{"threads"}
	f := newPipelineFixture(testNow, false, post)

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if len(f.repo.logs) != 1 || f.repo.logs[0].ErrorCode != model.SendErrPlatformUnknown {
		t.Errorf("送信ログ = %+v", f.repo.logs)
	}
}

func TestDispatch_ContentTooLongFailsWithoutSending(t *testing.T) {
	post := duePost("p1")
	post.Content = strings.Repeat("あ", 301)
	f := newPipelineFixture(testNow, false, post)

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if f.bluesky.sendCalls() != 0 {
		t.Error("検証に失敗した本文は送信しないべき")
	}
	if len(f.repo.logs) != 1 || f.repo.logs[0].Status != model.SendStatusFailed || f.repo.logs[0].ErrorCode != model.SendErrContentInvalid {
		t.Errorf("送信ログ = %+v", f.repo.logs)
	}
}

func TestDispatch_LogsOrderedPerPlatform(t *testing.T) {
	post := duePost("p1")
	post.TargetPlatforms = []string{"bluesky", "mastodon"}
	f := newPipelineFixture(testNow, false, post)
	failTwice := func(attempt int, _ platform.Payload) (*platform.SendResult, error) {
		if attempt < 3 {
			return nil, &platform.HTTPError{StatusCode: 502}
		}
		return &platform.SendResult{RemoteURI: "ok", PostedAt: testNow}, nil
	}
	f.bluesky.sendFunc = failTwice
	f.mastodon.sendFunc = failTwice

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if len(f.repo.logs) != 6 {
		t.Fatalf("送信ログ件数 = %d, want 6", len(f.repo.logs))
	}
	for _, id := range []string{"bluesky", "mastodon"} {
		logs := logsFor(f.repo.logs, id)
		for i, e := range logs {
			if e.Attempt != i+1 {
				t.Errorf("%s logs[%d].Attempt = %d, want %d", id, i, e.Attempt, i+1)
			}
		}
	}
}

func TestDispatch_RecurringAdvancesAnchor(t *testing.T) {
	post := duePost("p1")
	post.Repeat = model.RepeatDaily
	anchor := *post.ScheduledAt
	f := newPipelineFixture(testNow, false, post)

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	p := f.repo.get("p1")
	want := anchor.AddDate(0, 0, 1)
	if p.Status != model.PostStatusScheduled {
		t.Errorf("Status = %s, want scheduled", p.Status)
	}
	if p.ScheduledAt == nil || !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, want)
	}
	if p.RepeatAnchorAt == nil || !p.RepeatAnchorAt.Equal(want) {
		t.Errorf("RepeatAnchorAt = %v, want %v", p.RepeatAnchorAt, want)
	}
	if p.PostedAt == nil {
		t.Error("成功時はPostedAtが設定されるべき")
	}
}

func TestDispatch_UnresolvableRecurrenceGoesPending(t *testing.T) {
	post := duePost("p1")
	post.Repeat = model.RepeatMonthly
	f := newPipelineFixture(testNow, false, post)

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	p := f.repo.get("p1")
	if p.Status != model.PostStatusPendingManual || p.PendingReason != model.PendingReasonRecurrenceUnresolvable {
		t.Errorf("status/reason = %s/%s", p.Status, p.PendingReason)
	}
	if f.metrics.pending[string(model.PendingReasonRecurrenceUnresolvable)] != 1 {
		t.Errorf("pending遷移のメトリクス = %v", f.metrics.pending)
	}
}

func TestDispatch_SkipsWhenNoLongerDue(t *testing.T) {
	future := duePost("future")
	at := testNow.Add(time.Hour)
	future.ScheduledAt = &at
	pending := duePost("pending")
	pending.Status = model.PostStatusPendingManual
	pending.PendingReason = model.PendingReasonMissedWhileOffline
	f := newPipelineFixture(testNow, false, future, pending)

	for _, id := range []string{"future", "pending", "missing"} {
		res, err := f.pipeline.Dispatch(context.Background(), id)
		if err != nil || res != nil {
			t.Errorf("Dispatch(%s) = %v, %v; want nil, nil", id, res, err)
		}
	}
	if f.bluesky.sendCalls() != 0 || len(f.repo.logs) != 0 || f.repo.saves != 0 {
		t.Error("対象外の投稿では何も変更しないべき")
	}
}

func TestDispatch_SettingsLoadError(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))
	f.pipeline.settings = staticSettings{err: errors.New("db down")}

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err == nil {
		t.Fatal("設定の読み込みに失敗した場合はエラーを返すべき")
	}
	if f.bluesky.sendCalls() != 0 {
		t.Error("設定がない状態で送信しないべき")
	}
}

func TestDispatch_DiscardModeUsesDemoURIs(t *testing.T) {
	post := duePost("p1")
	post.TargetPlatforms = []string{"bluesky", "mastodon"}
	f := newPipelineFixture(testNow, true, post)

	if _, err := f.pipeline.Dispatch(context.Background(), "p1"); err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if f.bluesky.sendCalls()+f.mastodon.sendCalls() != 0 {
		t.Error("破棄モードでは送信しないべき")
	}
	p := f.repo.get("p1")
	if p.PostURI != "demo://bluesky/post/p1" {
		t.Errorf("PostURI = %q", p.PostURI)
	}
	if !p.PlatformResults["mastodon"].Demo {
		t.Error("PlatformResultsにDemoが記録されるべき")
	}
	for _, e := range f.repo.logs {
		if e.Attempt != 0 || e.Status != model.SendStatusSuccess {
			t.Errorf("破棄モードのログ = %+v", e)
		}
	}
}

func TestPublishPending_Errors(t *testing.T) {
	scheduled := duePost("scheduled")
	f := newPipelineFixture(testNow, false, scheduled)

	_, err := f.pipeline.PublishPending(context.Background(), "missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePostNotFound {
		t.Errorf("err = %v, want POST_NOT_FOUND", err)
	}

	_, err = f.pipeline.PublishPending(context.Background(), "scheduled")
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidState {
		t.Errorf("err = %v, want INVALID_STATE", err)
	}
	if f.bluesky.sendCalls() != 0 {
		t.Error("エラー時は送信しないべき")
	}
}

func TestPublishPending_RecurringAnchoredOnOriginalSchedule(t *testing.T) {
	// 月曜9:00の週次（月・水・金）が停止中に見逃され、木曜に手動送信される
	original := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 9, 14, 30, 0, 0, time.UTC)
	post := &model.Post{
		ID:               "p1",
		Content:          "weekly",
		ScheduledAt:      &original,
		Repeat:           model.RepeatWeekly,
		RepeatDaysOfWeek: []int{1, 3, 5},
		Status:           model.PostStatusPendingManual,
		PendingReason:    model.PendingReasonMissedWhileOffline,
	}
	f := newPipelineFixture(now, false, post)

	res, err := f.pipeline.PublishPending(context.Background(), "p1")
	if err != nil {
		t.Fatalf("PublishPending がエラーを返した: %v", err)
	}
	if res.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", res.Succeeded)
	}
	p := f.repo.get("p1")
	want := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) // 金曜9:00
	if p.Status != model.PostStatusScheduled || p.PendingReason != "" {
		t.Errorf("status/reason = %s/%q, want scheduled/empty", p.Status, p.PendingReason)
	}
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v（手動送信時刻ではなく元の予定を基準にする）", p.ScheduledAt, want)
	}
}

func TestPublishPending_OneShotBecomesSent(t *testing.T) {
	post := duePost("p1")
	post.Status = model.PostStatusPendingManual
	post.PendingReason = model.PendingReasonMissedWhileOffline
	f := newPipelineFixture(testNow, false, post)

	if _, err := f.pipeline.PublishPending(context.Background(), "p1"); err != nil {
		t.Fatalf("PublishPending がエラーを返した: %v", err)
	}
	p := f.repo.get("p1")
	if p.Status != model.PostStatusSent || p.PendingReason != "" {
		t.Errorf("status/reason = %s/%q", p.Status, p.PendingReason)
	}
}

func TestDispatch_PanicInAdapterIsIsolated(t *testing.T) {
	post := duePost("p1")
	post.TargetPlatforms = []string{"bluesky", "mastodon"}
	f := newPipelineFixture(testNow, false, post)
	f.mastodon.sendFunc = func(int, platform.Payload) (*platform.SendResult, error) {
		panic("boom")
	}

	res, err := f.pipeline.Dispatch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 1/1", res.Succeeded, res.Failed)
	}
	if !strings.Contains(f.logBuf.String(), "パニック") {
		t.Error("パニックがログに記録されるべき")
	}
}

func TestDispatch_PanicAfterRetriesKeepsAttemptLogs(t *testing.T) {
	f := newPipelineFixture(testNow, false, duePost("p1"))
	f.bluesky.sendFunc = func(attempt int, payload platform.Payload) (*platform.SendResult, error) {
		if attempt < 3 {
			return nil, &platform.HTTPError{Platform: "bluesky", StatusCode: 503}
		}
		panic("boom")
	}

	res, err := f.pipeline.Dispatch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Dispatch がエラーを返した: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}

	logs := logsFor(f.repo.logs, "bluesky")
	if len(logs) != 3 {
		t.Fatalf("送信ログ件数 = %d, want 3 (失敗2件 + パニック1件)", len(logs))
	}
	for i, e := range logs {
		if e.Attempt != i+1 || e.Status != model.SendStatusFailed {
			t.Errorf("logs[%d] = attempt %d / %s, want attempt %d / failed", i, e.Attempt, e.Status, i+1)
		}
	}
	if logs[0].ErrorCode != "HTTP_503" || logs[1].ErrorCode != "HTTP_503" {
		t.Errorf("パニック前の試行ログが保持されるべき: %q, %q", logs[0].ErrorCode, logs[1].ErrorCode)
	}
	if logs[2].ErrorCode != model.SendErrDispatchFailed || !strings.Contains(logs[2].ErrorMessage, "boom") {
		t.Errorf("パニックのログ = %+v", logs[2])
	}
	if got := f.repo.get("p1").PlatformResults["bluesky"]; got.Status != model.PlatformResultFailed || got.Attempts != 3 {
		t.Errorf("PlatformResults = %+v", got)
	}
}
