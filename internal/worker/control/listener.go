package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/hitoshi/skeetman/internal/worker/scheduler"
)

// Controller はListenerが操作するスケジューラ。
type Controller interface {
	Restart(ctx context.Context) error
	Status() scheduler.Status
}

// Listener はRequestChannelのリクエストをローカルのスケジューラで処理し、ReplyChannelに応答する。
type Listener struct {
	bus    Bus
	sched  Controller
	logger *slog.Logger

	sub  Subscription
	done chan struct{}
	mu   sync.Mutex
}

// NewListener はListenerを生成する。
func NewListener(bus Bus, sched Controller, logger *slog.Logger) *Listener {
	return &Listener{bus: bus, sched: sched, logger: logger}
}

// Start は購読を確立し、バックグラウンドでリクエストの処理を開始する。
// ctxはリクエスト処理（スケジューラの再起動）に引き継がれる。
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, RequestChannel)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.sub = sub
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for raw := range sub.Messages() {
			l.handle(ctx, raw)
		}
	}()

	l.logger.Info("スケジューラ制御の受付を開始しました", slog.String("channel", RequestChannel))
	return nil
}

// Stop は購読を解除し、処理中のリクエストの完了を待つ。
func (l *Listener) Stop() {
	l.mu.Lock()
	sub, done := l.sub, l.done
	l.sub, l.done = nil, nil
	l.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		l.logger.Warn("制御チャネルの購読解除に失敗しました", slog.String("error", err.Error()))
	}
	<-done
}

func (l *Listener) handle(ctx context.Context, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
		l.logger.Warn("不正な制御リクエストを無視します", slog.String("payload", string(raw)))
		return
	}

	rep := reply{ID: req.ID}
	switch req.Op {
	case opRestart:
		if err := l.sched.Restart(ctx); err != nil {
			rep.Error = toAPIError(err)
			l.logger.Warn("制御リクエストによる再起動に失敗しました",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		} else {
			l.logger.Info("制御リクエストによりスケジューラを再起動しました", slog.String("request_id", req.ID))
		}
	case opStatus:
	default:
		l.logger.Warn("未知の制御リクエストを無視します", slog.String("op", string(req.Op)))
		return
	}
	rep.Status = l.sched.Status()

	payload, err := json.Marshal(rep)
	if err != nil {
		l.logger.Error("制御応答のエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}
	if _, err := l.bus.Publish(ctx, ReplyChannel, payload); err != nil {
		l.logger.Warn("制御応答の送信に失敗しました", slog.String("error", err.Error()))
	}
}

// toAPIError は応答に載せるエラーに変換する。APIError以外の詳細はログにのみ残す。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return model.NewInternalError()
}
