package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastBackoff keeps test wall time negligible.
var fastBackoff = BackoffConfig{MaxAttempts: 5, Base: time.Microsecond, Cap: time.Millisecond}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Retry(context.Background(), fastBackoff, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != fastBackoff.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, fastBackoff.MaxAttempts)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("invalid auth")
	err := Retry(context.Background(), fastBackoff, func(ctx context.Context) error {
		calls++
		return Permanent{Err: cause}
	})
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want the permanent cause", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetryAfterDoesNotConsumeAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), BackoffConfig{MaxAttempts: 2, Base: time.Microsecond, Cap: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			if calls <= 3 {
				return RetryAfter{Err: errors.New("rate limited"), Delay: time.Microsecond}
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	// Three rate-limited waits plus the success, despite MaxAttempts = 2.
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, BackoffConfig{MaxAttempts: 5, Base: time.Hour, Cap: time.Hour},
		func(ctx context.Context) error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWindow_SlidesAndCounts(t *testing.T) {
	w := NewWindow(time.Minute)
	base := time.Unix(1000, 0)
	now := base
	w.now = func() time.Time { return now }

	for i := range 3 {
		if got := w.Observe(); got != i+1 {
			t.Fatalf("observe %d: count = %d", i, got)
		}
	}

	// Just inside the window: still counted.
	now = base.Add(59 * time.Second)
	if got := w.Count(); got != 3 {
		t.Errorf("count at 59s = %d, want 3", got)
	}

	// The original events age out.
	now = base.Add(61 * time.Second)
	if got := w.Observe(); got != 1 {
		t.Errorf("count after expiry = %d, want 1", got)
	}
}
