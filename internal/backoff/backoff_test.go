package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped
	}
	for _, tc := range cases {
		if got := p.delay(tc.attempt, 0); got != tc.want {
			t.Errorf("delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.5}
	min := p.delay(1, 0)
	max := p.delay(1, 1)
	if min != 100*time.Millisecond {
		t.Errorf("zero-jitter delay = %v", min)
	}
	if max != 150*time.Millisecond {
		t.Errorf("full-jitter delay = %v, want 150ms", max)
	}
}

func TestRetryReturnsNilOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}, 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryWrapsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	err := Retry(context.Background(), Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}, 3, func() error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry() error = %v, want wrapped sentinel", err)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultPolicy(), 3, func() error { return errors.New("never") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
}
