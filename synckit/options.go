package synckit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-record-sync/logging"
)

// Option configures a Controller, Drainer or Editor.
type Option func(*options) error

type options struct {
	logger         *slog.Logger
	observer       Observer
	handlers       map[string]RecordHandler
	resolver       ConflictResolver
	backoff        BackoffStrategy
	maxAttempts    int
	metrics        MetricsCollector
	drainOnConnect bool
	now            func() time.Time
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		handlers:    make(map[string]RecordHandler),
		resolver:    LastWriteWinsResolver{},
		backoff:     ExponentialBackoff{},
		maxAttempts: DefaultMaxReconnectAttempts,
		metrics:     NoOpMetricsCollector{},
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = logging.Default().Logger
	}
	if o.observer == nil {
		o.observer = ObserverFuncs{}
	}
	return o, nil
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithObserver receives status, record and error notifications. Pass a
// MultiObserver to register several.
func WithObserver(obs Observer) Option {
	return func(o *options) error {
		if obs == nil {
			return errors.New("observer cannot be nil")
		}
		o.observer = obs
		return nil
	}
}

// WithRecordType registers a record type the consumer applies. Operations
// on unregistered types are ignored.
func WithRecordType(name string, h RecordHandler) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("record type name cannot be empty")
		}
		if _, dup := o.handlers[name]; dup {
			return fmt.Errorf("record type %q registered twice", name)
		}
		o.handlers[name] = h
		return nil
	}
}

// WithResolver replaces the default LastWriteWinsResolver.
func WithResolver(r ConflictResolver) Option {
	return func(o *options) error {
		if r == nil {
			return errors.New("resolver cannot be nil")
		}
		o.resolver = r
		return nil
	}
}

// WithBackoff sets the reconnection delay policy.
func WithBackoff(b BackoffStrategy) Option {
	return func(o *options) error {
		if b == nil {
			return errors.New("backoff cannot be nil")
		}
		o.backoff = b
		return nil
	}
}

// WithMaxReconnectAttempts bounds consecutive failed reconnections before
// the controller enters StatusError.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("max reconnect attempts must be >= 0, got %d", n)
		}
		o.maxAttempts = n
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc MetricsCollector) Option {
	return func(o *options) error {
		if mc == nil {
			return errors.New("metrics collector cannot be nil")
		}
		o.metrics = mc
		return nil
	}
}

// WithDrainOnConnect runs a background drain pass each time the change
// stream is established.
func WithDrainOnConnect(enabled bool) Option {
	return func(o *options) error {
		o.drainOnConnect = enabled
		return nil
	}
}

// WithClock overrides time.Now for timestamps written to the cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		o.now = now
		return nil
	}
}
