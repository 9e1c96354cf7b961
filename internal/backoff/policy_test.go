package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	noJitter := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{"first attempt", noJitter, 1, 0.5, 100 * time.Millisecond},
		{"second attempt doubles", noJitter, 2, 0.5, 200 * time.Millisecond},
		{"fifth attempt", noJitter, 5, 0.5, 1600 * time.Millisecond},
		{"clamped to max", noJitter, 20, 0.5, 10 * time.Second},
		{"attempt zero treated as first", noJitter, 0, 0.5, 100 * time.Millisecond},
		{
			name:        "jitter adds a fraction",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2},
			attempt:     2,
			randomValue: 0.5,
			expected:    2200 * time.Millisecond,
		},
		{
			name:        "zero policy uses defaults",
			policy:      Policy{},
			attempt:     1,
			randomValue: 0,
			expected:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.DelayWithRand(tt.attempt, tt.randomValue); got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestDelayStaysWithinBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt)
		if d < p.Initial || d > p.Max {
			t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, p.Initial, p.Max)
		}
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep(cancelled) error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancellation")
	}
	if err := Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep(cancelled, 0) error = %v", err)
	}
}
