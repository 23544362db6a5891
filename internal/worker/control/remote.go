package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/worker/scheduler"
)

// チャネル名。
const (
	RequestChannel = "skeetman:scheduler:control"
	ReplyChannel   = "skeetman:scheduler:control:reply"
)

type operation string

const (
	opRestart operation = "restart"
	opStatus  operation = "status"
)

// DefaultStatusTimeout は状態取得の応答待ち時間。
const DefaultStatusTimeout = 3 * time.Second

type request struct {
	ID string    `json:"id"`
	Op operation `json:"op"`
}

type reply struct {
	ID     string           `json:"id"`
	Status scheduler.Status `json:"status"`
	Error  *model.APIError  `json:"error,omitempty"`
}

// RemoteScheduler は別プロセスのスケジューラをBus経由で操作する。
// スケジューラを持たないAPIプロセスで handler.SchedulerController として使う。
type RemoteScheduler struct {
	bus           Bus
	timeout       time.Duration
	statusTimeout time.Duration
	logger        *slog.Logger
}

// NewRemoteScheduler はRemoteSchedulerを生成する。
// timeoutは再起動の応答待ち時間で、実行中のティックの完了待ちを含む。
func NewRemoteScheduler(bus Bus, timeout time.Duration, logger *slog.Logger) *RemoteScheduler {
	statusTimeout := DefaultStatusTimeout
	if timeout < statusTimeout {
		statusTimeout = timeout
	}
	return &RemoteScheduler{bus: bus, timeout: timeout, statusTimeout: statusTimeout, logger: logger}
}

// Restart はスケジューラに設定の再読み込みと再登録を依頼し、結果を待つ。
// 応答するスケジューラがない場合はSCHEDULER_UNAVAILABLEを返す。
func (r *RemoteScheduler) Restart(ctx context.Context) error {
	rep, err := r.call(ctx, opRestart, r.timeout)
	if err != nil {
		return err
	}
	if rep.Error != nil {
		return rep.Error
	}
	return nil
}

// Status はスケジューラの状態を問い合わせる。応答がない場合は停止中として扱う。
func (r *RemoteScheduler) Status() scheduler.Status {
	rep, err := r.call(context.Background(), opStatus, r.statusTimeout)
	if err != nil {
		r.logger.Warn("スケジューラの状態を取得できません", slog.String("error", err.Error()))
		return scheduler.Status{}
	}
	return rep.Status
}

func (r *RemoteScheduler) call(ctx context.Context, op operation, timeout time.Duration) (*reply, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 応答を取りこぼさないよう、送信前に購読を確立する
	sub, err := r.bus.Subscribe(ctx, ReplyChannel)
	if err != nil {
		return nil, fmt.Errorf("応答チャネルの購読に失敗しました: %w", err)
	}
	defer sub.Close()

	req := request{ID: uuid.NewString(), Op: op}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}
	receivers, err := r.bus.Publish(ctx, RequestChannel, payload)
	if err != nil {
		return nil, err
	}
	if receivers == 0 {
		return nil, model.NewSchedulerUnavailableError()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, model.NewSchedulerUnavailableError()
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil, model.NewSchedulerUnavailableError()
			}
			var rep reply
			if err := json.Unmarshal(raw, &rep); err != nil || rep.ID != req.ID {
				continue
			}
			return &rep, nil
		}
	}
}
