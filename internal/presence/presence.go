// Package presence はダッシュボードクライアントの最終ハートビート時刻を保持する。
package presence

import (
	"context"
	"sync"
	"time"
)

// Store はハートビートの書き込みと最終受信時刻の参照を提供する。
// 一度もハートビートを受信していない場合、LastSeenはゼロ値を返す。
type Store interface {
	Beat(ctx context.Context, at time.Time) error
	LastSeen(ctx context.Context) (time.Time, error)
}

// MemoryStore はプロセス内で最終ハートビート時刻を保持するStore。
// APIとスケジューラが同一プロセスで動作する場合に使用する。
type MemoryStore struct {
	mu       sync.RWMutex
	lastSeen time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

// Beat は最終ハートビート時刻を更新する。過去の時刻では巻き戻さない。
func (s *MemoryStore) Beat(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastSeen) {
		s.lastSeen = at
	}
	return nil
}

// LastSeen は最終ハートビート時刻を返す。
func (s *MemoryStore) LastSeen(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen, nil
}
