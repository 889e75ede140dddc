package inference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstantBackoff_ReturnsFixedDelay(t *testing.T) {
	c := &ConstantBackoff{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestLinearBackoff_GrowsAndCaps(t *testing.T) {
	l := &LinearBackoff{Initial: time.Second, Max: 5 * time.Second}
	assert.Equal(t, 1*time.Second, l.Delay(1))
	assert.Equal(t, 3*time.Second, l.Delay(3))
	assert.Equal(t, 5*time.Second, l.Delay(10))
}

func TestExponentialBackoff_DoublesAndCaps(t *testing.T) {
	e := &ExponentialBackoff{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 10 * time.Second}, // capped at Max
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJitterBackoff_WithinBounds(t *testing.T) {
	j := &JitterBackoff{Initial: time.Second, Max: 10 * time.Second}

	for attempt := 1; attempt <= 5; attempt++ {
		for range 100 {
			got := j.Delay(attempt)
			assert.GreaterOrEqual(t, got, time.Duration(0))
			assert.LessOrEqual(t, got, 10*time.Second)
		}
	}
}

func TestJitterBackoff_ProducesVariance(t *testing.T) {
	j := &JitterBackoff{Initial: time.Second, Max: time.Minute}

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[j.Delay(3)] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2, "expected variance in jitter")
}

func TestDefaultBackoff_FirstRetryWithinInitial(t *testing.T) {
	s := DefaultBackoff()
	d := s.Delay(1)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 250*time.Millisecond)
}
