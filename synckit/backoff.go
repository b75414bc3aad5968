package synckit

import "time"

const (
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// BackoffStrategy computes the wait before reconnection attempt n (1-based).
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff waits InitialDelay * Multiplier^(attempt-1), capped at
// MaxDelay. Zero fields take the package defaults.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb ExponentialBackoff) NextDelay(attempt int) time.Duration {
	initial := eb.InitialDelay
	if initial <= 0 {
		initial = DefaultReconnectDelay
	}
	maxDelay := eb.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxReconnectDelay
	}
	mult := eb.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(maxDelay) {
			return maxDelay
		}
	}
	if time.Duration(delay) > maxDelay {
		return maxDelay
	}
	return time.Duration(delay)
}
