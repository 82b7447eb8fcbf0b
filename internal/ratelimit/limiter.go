package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cv-match-go/internal/constants"
)

// 限流器的基础错误类型
var (
	// ErrRateLimitExceeded 当前窗口配额已耗尽，调用方应退避后重试
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrLimiterUnavailable 计数存储不可用
	// 限流器故障时采取fail-closed策略：不可用视为不放行，而不是放任请求通过
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
)

// CounterStore 共享计数存储接口
// 生产环境由Redis实现(INCR + EXPIREAT)，测试使用内存实现
// 要求自增必须是原子操作，不允许read-modify-write
type CounterStore interface {
	// IncrWindow 原子自增计数；若是窗口内的第一个计数，则设置过期时间expireAt
	// 返回自增后的计数值
	IncrWindow(ctx context.Context, key string, expireAt time.Time) (int64, error)

	// GetWindow 返回当前计数，键不存在时返回0
	GetWindow(ctx context.Context, key string) (int64, error)
}

// LimitInfo 限流窗口状态，GetLimitInfo返回，不消耗配额
type LimitInfo struct {
	Remaining int       // 当前窗口剩余配额
	ResetAt   time.Time // 窗口重置时间
	Total     int       // 窗口总配额
}

// FixedWindowLimiter 固定计数窗口限流器
// 以(身份, 时间桶)为粒度在共享存储中维护计数，多个worker进程
// 共享同一份预算，而不是各自维护进程内计数
type FixedWindowLimiter struct {
	store  CounterStore
	max    int
	window time.Duration
	logger zerolog.Logger

	// now 便于测试注入时钟
	now func() time.Time
}

// Option 限流器构造选项
type Option func(*FixedWindowLimiter)

// WithClock 注入自定义时钟，仅测试使用
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindowLimiter) {
		l.now = now
	}
}

// NewFixedWindowLimiter 创建固定窗口限流器
func NewFixedWindowLimiter(store CounterStore, maxRequests int, window time.Duration, logger zerolog.Logger, opts ...Option) *FixedWindowLimiter {
	if maxRequests <= 0 {
		maxRequests = constants.DefaultRateLimitMax
	}
	if window <= 0 {
		window = constants.DefaultRateLimitWindow
	}
	// 窗口按整秒对齐，低于1秒的配置按1秒处理
	if window < time.Second {
		window = time.Second
	}

	l := &FixedWindowLimiter{
		store:  store,
		max:    maxRequests,
		window: window,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// windowBounds 计算当前对齐窗口的起止时间
func (l *FixedWindowLimiter) windowBounds() (start, end time.Time) {
	now := l.now()
	winSecs := int64(l.window / time.Second)
	startUnix := now.Unix() - now.Unix()%winSecs
	start = time.Unix(startUnix, 0)
	return start, start.Add(l.window)
}

// key 构造某身份在限流存储中的键
func (l *FixedWindowLimiter) key(identity string) string {
	return fmt.Sprintf(constants.KeyRateLimitWindow, identity)
}

// Acquire 申请一个配额
// 超出窗口配额返回ErrRateLimitExceeded；计数存储故障返回ErrLimiterUnavailable
// 两种错误都意味着调用方不得继续访问下游服务
func (l *FixedWindowLimiter) Acquire(ctx context.Context, identity string) error {
	_, resetAt := l.windowBounds()

	count, err := l.store.IncrWindow(ctx, l.key(identity), resetAt)
	if err != nil {
		l.logger.Error().Err(err).Str("identity", identity).Msg("rate limit counter store failed")
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	if count > int64(l.max) {
		l.logger.Debug().
			Str("identity", identity).
			Int64("count", count).
			Int("max", l.max).
			Time("reset_at", resetAt).
			Msg("rate limit exceeded")
		return fmt.Errorf("%w: identity=%s, 窗口将于 %s 重置", ErrRateLimitExceeded, identity, resetAt.Format(time.RFC3339))
	}
	return nil
}

// GetLimitInfo 查询某身份的限流状态，不消耗配额
func (l *FixedWindowLimiter) GetLimitInfo(ctx context.Context, identity string) (*LimitInfo, error) {
	_, resetAt := l.windowBounds()

	count, err := l.store.GetWindow(ctx, l.key(identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &LimitInfo{
		Remaining: remaining,
		ResetAt:   resetAt,
		Total:     l.max,
	}, nil
}
