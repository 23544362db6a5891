package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/worker/scheduler"
)

// SchedulerController はスケジューラの再起動と状態取得のインターフェース。
type SchedulerController interface {
	// Restart は永続化された設定を読み直してトリガーを再登録する。
	Restart(ctx context.Context) error
	// Status は現在のスケジューラ状態を返す。
	Status() scheduler.Status
}

// SettingsServiceInterface はスケジューラ設定の読み書きのインターフェース。
type SettingsServiceInterface interface {
	Load(ctx context.Context) (model.SchedulerSettings, error)
	Save(ctx context.Context, in model.SchedulerSettings) (model.SchedulerSettings, error)
}

// SchedulerHandler はスケジューラ操作と設定管理のHTTPハンドラー。
// schedulerがnilの場合、このプロセスではスケジューラが動作していない。
type SchedulerHandler struct {
	scheduler SchedulerController
	settings  SettingsServiceInterface
}

// NewSchedulerHandler はSchedulerHandlerを生成する。
func NewSchedulerHandler(scheduler SchedulerController, settings SettingsServiceInterface) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		settings:  settings,
	}
}

// settingsResponse は設定取得・更新のAPIレスポンス。
type settingsResponse struct {
	Settings  model.SchedulerSettings `json:"settings"`
	Scheduler *scheduler.Status       `json:"scheduler,omitempty"`
}

// Restart はスケジューラを再起動する。
// POST /api/scheduler/restart
func (h *SchedulerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewSchedulerUnavailableError())
		return
	}

	if err := h.scheduler.Restart(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}

	status := h.scheduler.Status()
	slog.Info("scheduler restarted via API",
		slog.String("trigger", status.Trigger),
		slog.String("time_zone", status.TimeZone),
	)
	writeJSON(w, status)
}

// GetSettings は永続化されたスケジューラ設定を返す。
// GET /api/settings/scheduler
func (h *SchedulerHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Load(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, h.settingsResponse(settings))
}

// UpdateSettings はスケジューラ設定を保存し、スケジューラを再起動する。
// PUT /api/settings/scheduler
func (h *SchedulerHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req model.SchedulerSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	saved, err := h.settings.Save(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if h.scheduler != nil {
		if err := h.scheduler.Restart(r.Context()); err != nil {
			// 保存済みの設定は次回起動時に読み込まれるため、応答するスケジューラがないだけなら成功とする
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSchedulerUnavailable {
				handleServiceError(w, err)
				return
			}
			slog.Warn("settings saved but no scheduler answered the restart request")
		}
	}
	writeJSON(w, h.settingsResponse(saved))
}

func (h *SchedulerHandler) settingsResponse(s model.SchedulerSettings) settingsResponse {
	resp := settingsResponse{Settings: s}
	if h.scheduler != nil {
		status := h.scheduler.Status()
		resp.Scheduler = &status
	}
	return resp
}
