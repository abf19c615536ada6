package notesync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryStrategy bounds replay of a failed operation. RetryCondition is
// evaluated against the classified error before every retry; when nil,
// the error's Retryable flag decides.
type RetryStrategy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            time.Duration
	BackoffMultiplier float64
	RetryCondition    func(*ClassifiedError) bool
}

func (s RetryStrategy) withDefaults() RetryStrategy {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = 100 * time.Millisecond
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 2 * time.Second
	}
	if s.BackoffMultiplier <= 0 {
		s.BackoffMultiplier = 2
	}
	return s
}

// OnRetryFunc observes each retry decision before the backoff wait.
type OnRetryFunc func(attempt int, err *ClassifiedError)

// RetryWithBackoff runs op until it succeeds, the strategy's attempt budget
// is spent, or the retry condition rejects the classified failure. The
// operation is invoked at most MaxAttempts times; the returned error is
// always classified.
func RetryWithBackoff(ctx context.Context, strategy RetryStrategy, op func(context.Context) error, onRetry OnRetryFunc) error {
	strategy = strategy.withDefaults()
	condition := strategy.RetryCondition
	if condition == nil {
		condition = func(err *ClassifiedError) bool { return err.Retryable }
	}
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		classified := Classify(err)
		if attempt >= strategy.MaxAttempts || !condition(classified) {
			return classified
		}
		if onRetry != nil {
			onRetry(attempt, classified)
		}
		if waitErr := sleepContext(ctx, computeDelay(strategy, attempt, rand.Float64())); waitErr != nil {
			return Classify(waitErr)
		}
	}
}

// computeDelay returns min(baseDelay * multiplier^(attempt-1) + jitterDraw *
// jitter, maxDelay). The base component never decreases with attempt number.
func computeDelay(strategy RetryStrategy, attempt int, jitterDraw float64) time.Duration {
	strategy = strategy.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(strategy.BaseDelay) * math.Pow(strategy.BackoffMultiplier, float64(attempt-1))
	if base > float64(strategy.MaxDelay) {
		base = float64(strategy.MaxDelay)
	}
	delay := time.Duration(base) + time.Duration(jitterDraw*float64(strategy.Jitter))
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay
}

// WidenForQuality loosens a strategy when the network is barely usable, so
// queued replays back off harder instead of hammering a struggling link.
func WidenForQuality(strategy RetryStrategy, tier QualityTier) RetryStrategy {
	if tier != QualityPoor {
		return strategy
	}
	strategy = strategy.withDefaults()
	strategy.BaseDelay *= 2
	strategy.Jitter *= 2
	return strategy
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
