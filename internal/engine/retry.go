package engine

import (
	"context"
	"time"

	"AgentChain/internal/capability"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
)

// RetryPolicy 是不带抖动的指数退避策略，MaxAttempts 计入首次尝试。
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
}

// DefaultRetryPolicy 返回默认的重试策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = defaultInitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.Max <= 0 {
		p.Max = defaultMaxDelay
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Backoff 返回第 attempt 次失败之后的等待时间，attempt 从 1 开始。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(delay)
}

// SleepFunc 在两次尝试之间等待，ctx 结束时提前返回错误。
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do 执行 fn 直到成功、遇到不可重试错误或用尽次数，返回实际尝试次数。
func (p RetryPolicy) Do(ctx context.Context, sleep SleepFunc, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.withDefaults()
	if sleep == nil {
		sleep = sleepContext
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !Retryable(err) || attempt >= p.MaxAttempts || ctx.Err() != nil {
			return attempt, err
		}
		if sleepErr := sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return attempt, err
		}
	}
}

// Retryable 判断错误是否属于可重试的瞬时失败。
func Retryable(err error) bool {
	return capability.IsTransient(err)
}
