package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/objectfs/filetable/pkg/errors"
)

func limitErr() *errors.Error {
	return errors.NewError(errors.ErrCodeResourceLimitExceeded, "too many open files")
}

func TestRetryer_Success(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return limitErr()
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeValidationDenied, "open denied")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorNotRetried(t *testing.T) {
	retryer := New(DefaultConfig())

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return fmt.Errorf("plain")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ListedCode(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 2
	config.InitialDelay = time.Millisecond
	config.RetryableErrors = []errors.ErrorCode{errors.ErrCodeTableClosed}
	retryer := New(config)

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeTableClosed, "closed")
	})

	if attempts != 2 {
		t.Errorf("Expected 2 attempts for a listed code, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	testErr := limitErr()

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !stderr.Is(err, testErr) {
		t.Errorf("Expected exhausted error to wrap the last error, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 100 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return limitErr()
	})

	if !stderr.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if !stderr.Is(err, errors.NewError(errors.ErrCodeResourceLimitExceeded, "")) {
		t.Errorf("Expected the last error to be wrapped too, got %v", err)
	}
	if attempts >= 10 {
		t.Errorf("Expected fewer than 10 attempts due to cancellation, got %d", attempts)
	}
}

func TestRetryer_CanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New(DefaultConfig()).DoWithContext(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})

	if called {
		t.Error("Expected fn not to run on a cancelled context")
	}
	if !stderr.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRetryer_Unlimited(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = Unlimited
	config.InitialDelay = time.Microsecond
	config.MaxDelay = time.Microsecond
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 50 {
			return errors.NewError(errors.ErrCodeWouldBlock, "lock held")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 50 {
		t.Errorf("Expected 50 attempts, got %d", attempts)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = time.Second
	config.Multiplier = 2
	config.Jitter = false
	retryer := New(config)

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	for i, expected := range want {
		if got := retryer.calculateDelay(i + 1); got != expected {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, expected, got)
		}
	}
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = 150 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	if got := retryer.calculateDelay(5); got != 150*time.Millisecond {
		t.Errorf("Expected delay capped at 150ms, got %v", got)
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true
	retryer := New(config)

	for i := 0; i < 100; i++ {
		d := retryer.calculateDelay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of 100ms", d)
		}
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false

	var attempts []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = New(config).Do(func() error { return limitErr() })

	// no callback after the final attempt
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("Expected OnRetry for attempts [1 2], got %v", attempts)
	}
}

func TestRetryer_WithMethods(t *testing.T) {
	original := New(DefaultConfig())

	modified := original.WithMaxAttempts(10)
	if modified.config.MaxAttempts != 10 {
		t.Errorf("Expected MaxAttempts=10, got %d", modified.config.MaxAttempts)
	}
	if original.config.MaxAttempts == 10 {
		t.Error("Original config was modified")
	}

	modified = original.WithInitialDelay(500 * time.Millisecond)
	if modified.config.InitialDelay != 500*time.Millisecond {
		t.Errorf("Expected InitialDelay=500ms, got %v", modified.config.InitialDelay)
	}

	modified = original.WithMaxDelay(60 * time.Second)
	if modified.config.MaxDelay != 60*time.Second {
		t.Errorf("Expected MaxDelay=60s, got %v", modified.config.MaxDelay)
	}

	called := false
	modified = original.WithInitialDelay(time.Millisecond).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		called = true
	})
	_ = modified.Do(func() error { return limitErr() })
	if !called {
		t.Error("OnRetry callback was not called")
	}

	if New(Config{MaxAttempts: -7}).config.MaxAttempts != 5 {
		t.Error("Expected invalid MaxAttempts to fall back to the default")
	}
}

func TestRetryWithBackoff_Convenience(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 3, func() error {
		attempts++
		if attempts < 2 {
			return limitErr()
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	collector.RecordAttempt(1, true, 0)
	collector.RecordAttempt(3, true, 30*time.Millisecond)
	collector.RecordAttempt(5, false, 150*time.Millisecond)

	stats := collector.GetStats()

	if stats.Operations != 3 {
		t.Errorf("Expected Operations=3, got %d", stats.Operations)
	}
	if stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("Expected 2 succeeded and 1 failed, got %d/%d", stats.Succeeded, stats.Failed)
	}
	if stats.TotalAttempts != 9 {
		t.Errorf("Expected TotalAttempts=9, got %d", stats.TotalAttempts)
	}
	if stats.AverageAttempts != 3 {
		t.Errorf("Expected AverageAttempts=3, got %v", stats.AverageAttempts)
	}
	if stats.MaxAttemptsUsed != 5 {
		t.Errorf("Expected MaxAttemptsUsed=5, got %d", stats.MaxAttemptsUsed)
	}
	if stats.TotalDelay != 180*time.Millisecond {
		t.Errorf("Expected TotalDelay=180ms, got %v", stats.TotalDelay)
	}

	collector.Reset()
	if stats = collector.GetStats(); stats.Operations != 0 {
		t.Errorf("Expected Operations=0 after reset, got %d", stats.Operations)
	}
}
