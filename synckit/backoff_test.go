package synckit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c0deZ3R0/go-record-sync/synckit"
)

func TestExponentialBackoff_NextDelay(t *testing.T) {
	tests := []struct {
		name    string
		backoff synckit.ExponentialBackoff
		attempt int
		want    time.Duration
	}{
		{"defaults first attempt", synckit.ExponentialBackoff{}, 1, time.Second},
		{"defaults doubling", synckit.ExponentialBackoff{}, 3, 4 * time.Second},
		{"defaults cap", synckit.ExponentialBackoff{}, 10, 30 * time.Second},
		{"custom multiplier", synckit.ExponentialBackoff{InitialDelay: 100 * time.Millisecond, Multiplier: 3}, 3, 900 * time.Millisecond},
		{"multiplier below one doubles", synckit.ExponentialBackoff{InitialDelay: time.Second, Multiplier: 0.5}, 2, 2 * time.Second},
		{"initial above max", synckit.ExponentialBackoff{InitialDelay: time.Minute, MaxDelay: time.Second}, 1, time.Second},
		{"huge attempt stays capped", synckit.ExponentialBackoff{MaxDelay: 5 * time.Second}, 1000, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.NextDelay(tt.attempt))
		})
	}
}

func TestExponentialBackoff_Monotonic(t *testing.T) {
	b := synckit.ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := b.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
}
