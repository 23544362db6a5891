// Package control はAPIプロセスから別プロセスのスケジューラを操作するための
// リクエスト/応答メッセージングを提供する。
//
// APIプロセスはRequestChannelに再起動・状態取得のリクエストを送り、
// スケジューラを持つプロセスのListenerがReplyChannelに結果を返す。
package control

import (
	"context"
	"sync"
)

// Bus はチャネル単位のpublish/subscribeを提供する。
type Bus interface {
	// Publish はchannelにpayloadを送り、受信した購読者数を返す。
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	// Subscribe はchannelの購読を開始する。購読が確立してから返る。
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription は購読中のチャネル。Close後にMessagesは閉じられる。
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// subscriptionBuffer は購読ごとのバッファ。溢れたメッセージは捨てる。
const subscriptionBuffer = 16

// MemoryBus はプロセス内で配送するBus。テストと単一プロセス構成で使う。
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus はMemoryBusを生成する。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish は購読者へ非ブロッキングで配送する。バッファが満杯の購読者は数に含めない。
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}
	return delivered, nil
}

// Subscribe はchannelの購読を登録する。
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{bus: b, channel: channel, ch: make(chan []byte, subscriptionBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

// Close は購読を解除する。Publishと同じロックの下で閉じるため送信と競合しない。
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.channel], s)
		close(s.ch)
	})
	return nil
}
