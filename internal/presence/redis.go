package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey は最終ハートビート時刻を保存するキー。
const DefaultRedisKey = "skeetman:presence:last_seen"

// RedisStore はRedisに最終ハートビート時刻（Unixミリ秒）を保存するStore。
// APIプロセスとworkerプロセスが分かれている場合に共有する。
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// DialRedis はredis://形式のURLからクライアントを生成し、接続を確認する。
// 在席情報とスケジューラ制御で同じクライアントを共有する。
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗しました: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗しました: %w", err)
	}
	return client, nil
}

// NewRedisStore はredis://形式のURLに接続してRedisStoreを生成する。
// ttlが正の場合、ハートビートはttl経過後に消える（不在扱いになる）。
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	client, err := DialRedis(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient は接続済みのクライアントからRedisStoreを生成する。
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, key: DefaultRedisKey, ttl: ttl}
}

// Beat は最終ハートビート時刻を保存する。
func (s *RedisStore) Beat(ctx context.Context, at time.Time) error {
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := s.client.Set(ctx, s.key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("ハートビートの保存に失敗しました: %w", err)
	}
	return nil
}

// LastSeen は最終ハートビート時刻を返す。キーがない場合はゼロ値を返す。
func (s *RedisStore) LastSeen(ctx context.Context) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("ハートビートの取得に失敗しました: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("ハートビートの値が不正です: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
