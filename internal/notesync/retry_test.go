package notesync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeDelayGrowsExponentially(t *testing.T) {
	strategy := RetryStrategy{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, want := range expected {
		got := computeDelay(strategy, i+1, 0)
		if got != want {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want, got)
		}
	}
}

func TestComputeDelayCapsAtMax(t *testing.T) {
	strategy := RetryStrategy{
		BaseDelay:         time.Second,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 2,
	}
	if got := computeDelay(strategy, 10, 0); got != 3*time.Second {
		t.Fatalf("expected cap at 3s, got %s", got)
	}
	// Jitter must not push past the cap either.
	strategy.Jitter = 5 * time.Second
	if got := computeDelay(strategy, 10, 1); got != 3*time.Second {
		t.Fatalf("expected jittered delay capped at 3s, got %s", got)
	}
}

func TestComputeDelayAppliesJitter(t *testing.T) {
	strategy := RetryStrategy{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		Jitter:            100 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	if got := computeDelay(strategy, 1, 0.5); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms with half jitter, got %s", got)
	}
}

func TestRetryWithBackoffSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), RetryStrategy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), RetryStrategy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		return &fakeStatusErr{status: 422}
	}, nil)
	if calls != 1 {
		t.Fatalf("expected a single attempt for a payload error, got %d", calls)
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Type != NetworkPayload {
		t.Fatalf("expected classified payload error, got %v", err)
	}
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	calls := 0
	retries := 0
	err := RetryWithBackoff(context.Background(), RetryStrategy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		return errors.New("connection reset")
	}, func(attempt int, err *ClassifiedError) {
		retries++
	})
	if calls != 3 {
		t.Fatalf("expected exactly MaxAttempts calls, got %d", calls)
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", retries)
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Type != NetworkConnection {
		t.Fatalf("expected classified connection error, got %v", err)
	}
}

func TestRetryWithBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithBackoff(ctx, RetryStrategy{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("connection refused")
	}, nil)
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected cancellation to stop retries, got %d calls", calls)
	}
}

func TestRetryWithBackoffCustomCondition(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), RetryStrategy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		RetryCondition: func(err *ClassifiedError) bool {
			return false
		},
	}, func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	}, nil)
	if calls != 1 {
		t.Fatalf("expected condition to veto retries, got %d calls", calls)
	}
	if err == nil {
		t.Fatalf("expected classified error back")
	}
}

func TestWidenForQuality(t *testing.T) {
	strategy := RetryStrategy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		Jitter:            500 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	widened := WidenForQuality(strategy, QualityPoor)
	if widened.BaseDelay != 2*time.Second {
		t.Fatalf("expected doubled base delay, got %s", widened.BaseDelay)
	}
	if widened.Jitter != time.Second {
		t.Fatalf("expected doubled jitter, got %s", widened.Jitter)
	}
	same := WidenForQuality(strategy, QualityGood)
	if same.BaseDelay != strategy.BaseDelay {
		t.Fatalf("good quality must leave the strategy alone")
	}
}
