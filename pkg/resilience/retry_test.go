package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryExecutor_NewRetryExecutor(t *testing.T) {
	config := DefaultRetryConfig()
	config.Name = "test_retry"

	re := NewRetryExecutor(config)

	if re == nil {
		t.Fatal("Retry executor should not be nil")
	}

	metrics := re.GetMetrics()
	if metrics.Name != "test_retry" {
		t.Errorf("Expected metrics name 'test_retry', got '%s'", metrics.Name)
	}
}

func TestRetryExecutor_SucceedsAfterRetries(t *testing.T) {
	re := WithFixedDelay("eventual", 3, time.Millisecond)

	var calls int32
	err := re.Execute(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	m := re.GetMetrics()
	if m.TotalRetries != 2 || m.TotalSuccesses != 1 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
}

func TestRetryExecutor_MaxAttemptsExceeded(t *testing.T) {
	re := WithFixedDelay("exhaust", 4, time.Millisecond)
	boom := errors.New("boom")

	var calls int32
	var retried []int
	re.config.OnRetry = func(attempt int, err error) {
		retried = append(retried, attempt)
	}

	err := re.Execute(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return boom
	})

	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("Expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected the last attempt error to be wrapped, got %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 4 calls, got %d", calls)
	}
	if len(retried) != 3 {
		t.Errorf("Expected OnRetry 3 times, got %v", retried)
	}
}

func TestRetryExecutor_PermanentStopsImmediately(t *testing.T) {
	re := WithFixedDelay("permanent", 5, time.Millisecond)
	exhausted := errors.New("no ports")

	var calls int32
	err := re.Execute(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(exhausted)
	})

	if !errors.Is(err, ErrNotRetryable) || !errors.Is(err, exhausted) {
		t.Fatalf("Expected non-retryable wrap of original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryExecutor_ContextCanceledDuringDelay(t *testing.T) {
	re := WithFixedDelay("cancel", 3, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := re.Execute(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})

	if !errors.Is(err, ErrRetryContextCanceled) {
		t.Fatalf("Expected ErrRetryContextCanceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Execute did not stop on context cancellation")
	}
}

func TestRetryExecutor_ExponentialDelay(t *testing.T) {
	re := NewRetryExecutor(&RetryConfig{
		Name:        "delays",
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Multiplier:  2.0,
		Policy:      RetryPolicyExponential,
	})

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, want := range expected {
		if got := re.calculateDelay(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, 30*time.Second, tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
