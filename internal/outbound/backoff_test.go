package outbound

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	zero := func() float64 { return 0 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 108 * time.Second},
		{3, time.Duration(float64(60*time.Second) * math.Pow(1.8, 2))},
		{30, 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt, zero); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_BoundedAndNonDecreasing(t *testing.T) {
	b := DefaultBackoff()
	r := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		var prev time.Duration
		for attempt := 1; attempt <= 40; attempt++ {
			d := b.Delay(attempt, r.Float64)
			if d > b.Max {
				t.Fatalf("attempt %d: delay %s above cap", attempt, d)
			}
			base := b.Delay(attempt, nil)
			if d < base {
				t.Fatalf("attempt %d: jitter went below the base delay (%s < %s)", attempt, d, base)
			}
			if d < prev {
				t.Fatalf("attempt %d: delay %s shorter than previous %s", attempt, d, prev)
			}
			prev = d
		}
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := DefaultBackoff()
	if b.Exhausted(9) {
		t.Error("attempt 9 of 10 should not be exhausted")
	}
	if !b.Exhausted(10) {
		t.Error("attempt 10 of 10 should be exhausted")
	}
}
