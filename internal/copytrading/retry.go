package copytrading

import (
	"context"
	"time"

	"copytrade/pkg/services/exchange"
)

// RetryPolicy - повтор с экспоненциальной задержкой для вызовов биржи
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy повторяет только TransientNetwork ошибки
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Retryable:   exchange.IsTransient,
	}
}

// Backoff - задержка перед повтором номер attempt (с 1)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}

	return d
}

// Do выполняет fn, повторяя retryable ошибки. Возвращает последнюю ошибку.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = exchange.IsTransient
	}

	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if attempt == attempts || !retryable(err) {
			return err
		}

		if sleepErr := sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return err
		}
	}

	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
