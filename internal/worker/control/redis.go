package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus はRedisのPub/Subで配送するBus。APIとworkerが別プロセスの場合に使う。
type RedisBus struct {
	client *redis.Client
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus は接続済みのクライアントからRedisBusを生成する。接続の所有者は呼び出し側。
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish はPUBLISHを実行し、受信したクライアント数を返す。
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	n, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("%sへの送信に失敗しました: %w", channel, err)
	}
	return int(n), nil
}

// Subscribe はSUBSCRIBEの確認応答を待ってから返す。
// 確認前に送られたメッセージを取りこぼさないため。
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%sの購読に失敗しました: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, subscriptionBuffer)}
	go sub.forward(ps.Channel())
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	once sync.Once
}

// forward はgo-redisのメッセージチャネルをペイロードのチャネルに詰め替える。
// PubSubが閉じられるとinが閉じ、outも閉じる。
func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for msg := range in {
		select {
		case s.out <- []byte(msg.Payload):
		default:
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
