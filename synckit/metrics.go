package synckit

import "time"

// MetricsCollector provides hooks for collecting sync metrics
type MetricsCollector interface {
	// RecordEventApplied records one fully applied change event
	RecordEventApplied(operations int, duration time.Duration)

	// RecordEventIgnored records a discarded event (for example "foreign_owner")
	RecordEventIgnored(reason string)

	// RecordOperationFailed records a per-operation failure inside an event
	RecordOperationFailed(action Action, kind string)

	// RecordConflict records each resolver decision
	RecordConflict(decision Decision)

	// RecordReconnectAttempt records a scheduled reconnection
	RecordReconnectAttempt(attempt int, delay time.Duration)

	// RecordDrain records the outcome of one drain pass
	RecordDrain(applied, retained, dropped int, duration time.Duration)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventApplied(operations int, duration time.Duration)     {}
func (NoOpMetricsCollector) RecordEventIgnored(reason string)                              {}
func (NoOpMetricsCollector) RecordOperationFailed(action Action, kind string)              {}
func (NoOpMetricsCollector) RecordConflict(decision Decision)                              {}
func (NoOpMetricsCollector) RecordReconnectAttempt(attempt int, delay time.Duration)       {}
func (NoOpMetricsCollector) RecordDrain(applied, retained, dropped int, dur time.Duration) {}
