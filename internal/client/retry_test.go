package client

import (
	"testing"
	"time"
)

func TestImmediateRetry(t *testing.T) {
	t.Parallel()
	for _, attempt := range []int{1, 10, 1000} {
		d, ok := ImmediateRetry{}.Next(attempt)
		if !ok || d != 0 {
			t.Errorf("Next(%d) = %v, %v; want 0, true", attempt, d, ok)
		}
	}
}

func TestBackoffRetry(t *testing.T) {
	t.Parallel()

	p := BackoffRetry{Initial: 100 * time.Millisecond, Multiplier: 2, Max: time.Second, MaxAttempts: 6}
	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{attempt: 1, want: 100 * time.Millisecond, ok: true},
		{attempt: 2, want: 200 * time.Millisecond, ok: true},
		{attempt: 3, want: 400 * time.Millisecond, ok: true},
		{attempt: 4, want: 800 * time.Millisecond, ok: true},
		{attempt: 5, want: time.Second, ok: true},
		{attempt: 6, ok: false},
	}
	for _, tc := range tests {
		got, ok := p.Next(tc.attempt)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("Next(%d) = %v, %v; want %v, %v", tc.attempt, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBackoffRetryJitterBounds(t *testing.T) {
	t.Parallel()

	p := BackoffRetry{Initial: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
	for range 100 {
		d, ok := p.Next(3)
		if !ok {
			t.Fatal("unbounded policy gave up")
		}
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms)", d)
		}
	}
}

func TestBackoffRetryZeroInitial(t *testing.T) {
	t.Parallel()

	d, ok := BackoffRetry{Multiplier: 2}.Next(5)
	if !ok || d != 0 {
		t.Errorf("Next = %v, %v; want 0, true", d, ok)
	}
}
