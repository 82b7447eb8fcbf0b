package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore 内存计数存储，实现CounterStore接口
// 仅用于测试和单机场景；生产环境必须使用共享的Redis存储，
// 否则多worker会各自计数，聚合请求速率会超出预算
type MemoryCounterStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time

	// now 便于测试注入时钟
	now func() time.Time
}

// NewMemoryCounterStore 创建内存计数存储
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock 注入自定义时钟，仅测试使用
func (s *MemoryCounterStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// evictExpired 淘汰已过期的窗口计数，调用方必须持有锁
func (s *MemoryCounterStore) evictExpired(key string) {
	if exp, ok := s.expires[key]; ok && !s.now().Before(exp) {
		delete(s.counts, key)
		delete(s.expires, key)
	}
}

// IncrWindow 原子自增计数，首个计数时记录过期时间
func (s *MemoryCounterStore) IncrWindow(_ context.Context, key string, expireAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(key)
	s.counts[key]++
	if s.counts[key] == 1 {
		s.expires[key] = expireAt
	}
	return s.counts[key], nil
}

// GetWindow 返回当前计数
func (s *MemoryCounterStore) GetWindow(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(key)
	return s.counts[key], nil
}
