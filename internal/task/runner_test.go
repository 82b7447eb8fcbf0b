package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-match-go/internal/config"
)

func TestRunnerCompletesNormally(t *testing.T) {
	r := NewRunner(zerolog.Nop())

	var ran bool
	err := r.Run(context.Background(), Definition{
		Name:      "test",
		SoftLimit: time.Second,
		HardLimit: 2 * time.Second,
	}, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunnerPropagatesError(t *testing.T) {
	r := NewRunner(zerolog.Nop())

	boom := errors.New("boom")
	err := r.Run(context.Background(), Definition{
		Name:      "test",
		HardLimit: time.Second,
	}, func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestRunnerHardLimitTimesOut(t *testing.T) {
	r := NewRunner(zerolog.Nop())

	err := r.Run(context.Background(), Definition{
		Name:      "slow",
		SoftLimit: 10 * time.Millisecond,
		HardLimit: 30 * time.Millisecond,
	}, func(ctx context.Context) error {
		// 任务体忽略软限制继续执行，硬限制强制终止
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestRunnerSoftLimitDoesNotInterrupt(t *testing.T) {
	r := NewRunner(zerolog.Nop())

	err := r.Run(context.Background(), Definition{
		Name:      "soft",
		SoftLimit: 5 * time.Millisecond,
		HardLimit: time.Second,
	}, func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	// 软限制只告警，任务正常完成
	require.NoError(t, err)
}

func TestRunnerRequiresHardLimit(t *testing.T) {
	r := NewRunner(zerolog.Nop())

	err := r.Run(context.Background(), Definition{Name: "no-limit"}, func(ctx context.Context) error {
		return nil
	})
	assert.Error(t, err)
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 3, BaseDelayMS: 1, MaxDelayMS: 5}

	calls := 0
	err := WithRetry(context.Background(), cfg, zerolog.Nop(), func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 5, BaseDelayMS: 1, MaxDelayMS: 5}
	permanent := errors.New("permanent")

	calls := 0
	err := WithRetry(context.Background(), cfg, zerolog.Nop(), func(err error) bool { return false }, func(ctx context.Context) error {
		calls++
		return permanent
	})

	// 永久性错误不重试
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 3, BaseDelayMS: 1, MaxDelayMS: 5}
	transient := errors.New("still down")

	calls := 0
	err := WithRetry(context.Background(), cfg, zerolog.Nop(), func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return transient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonorsContextCancel(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 10, BaseDelayMS: 50, MaxDelayMS: 100}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, cfg, zerolog.Nop(), func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 10)
}
