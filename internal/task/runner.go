package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cv-match-go/internal/config"
)

var taskTracer = otel.Tracer("cv-match-go/task")

// ErrTimedOut 任务超过硬性时间限制被终止
var ErrTimedOut = errors.New("任务超过硬性时间限制")

// Definition 一个后台任务的执行约束
// 软限制到达时记录告警但任务继续跑，硬限制到达时context被取消
type Definition struct {
	Name      string
	SoftLimit time.Duration
	HardLimit time.Duration
}

// Runner 带时间限制的任务执行器
type Runner struct {
	logger zerolog.Logger
}

// NewRunner 创建任务执行器
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger.With().Str("component", "task_runner").Logger()}
}

// Run 执行任务
// 硬限制通过context deadline传递给任务体，任务体必须尊重ctx.Done()；
// 软限制只产生告警日志，不中断执行
func (r *Runner) Run(ctx context.Context, def Definition, fn func(context.Context) error) error {
	if def.HardLimit <= 0 {
		return fmt.Errorf("任务 %s 缺少硬性时间限制", def.Name)
	}
	if def.SoftLimit <= 0 || def.SoftLimit >= def.HardLimit {
		def.SoftLimit = def.HardLimit
	}

	ctx, span := taskTracer.Start(ctx, fmt.Sprintf("task.%s", def.Name))
	defer span.End()

	span.SetAttributes(
		attribute.String("task.name", def.Name),
		attribute.Int64("task.soft_limit_ms", def.SoftLimit.Milliseconds()),
		attribute.Int64("task.hard_limit_ms", def.HardLimit.Milliseconds()),
	)

	ctx, cancel := context.WithTimeout(ctx, def.HardLimit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	softTimer := time.NewTimer(def.SoftLimit)
	defer softTimer.Stop()

	for {
		select {
		case err := <-done:
			elapsed := time.Since(start)
			span.SetAttributes(attribute.Int64("task.elapsed_ms", elapsed.Milliseconds()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				r.logger.Error().Err(err).Str("task", def.Name).Dur("elapsed", elapsed).Msg("task failed")
				return err
			}
			span.SetStatus(codes.Ok, "")
			r.logger.Info().Str("task", def.Name).Dur("elapsed", elapsed).Msg("task completed")
			return nil

		case <-softTimer.C:
			// 软限制只告警，任务继续执行
			r.logger.Warn().
				Str("task", def.Name).
				Dur("soft_limit", def.SoftLimit).
				Msg("task exceeded soft time limit")

		case <-ctx.Done():
			err := fmt.Errorf("%w: %s (限制 %s)", ErrTimedOut, def.Name, def.HardLimit)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Error().
				Str("task", def.Name).
				Dur("hard_limit", def.HardLimit).
				Msg("task exceeded hard time limit")
			return err
		}
	}
}

// WithRetry 带指数退避的重试执行
// 延迟按 base * 2^attempt 增长并封顶，加抖动避免雪崩；
// isRetryable返回false的错误立即放弃
func WithRetry(ctx context.Context, cfg config.RetryConfig, logger zerolog.Logger, isRetryable func(error) bool, fn func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := time.Duration(cfg.BaseDelayMS) * time.Millisecond
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := time.Duration(cfg.MaxDelayMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := base * (1 << uint(attempt))
		if delay > maxDelay {
			delay = maxDelay
		}
		// 抖动：在[delay/2, delay]之间随机
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying after transient failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("重试%d次后仍然失败: %w", attempts, lastErr)
}
