package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Decision is the outcome of conflict resolution.
type Decision string

const (
	DecisionKeepLocal  Decision = "keep_local"
	DecisionKeepRemote Decision = "keep_remote"
)

// Conflict carries both sides of an inbound write.
type Conflict struct {
	RecordType string
	Key        string

	// Local is the cached record, nil if the key is not cached.
	Local *CachedRecord

	Remote RemoteRecord

	// RemoteTimestamp is the inbound record's modification time: the
	// fetched UpdatedAt, or the event's source timestamp when the remote
	// did not report one.
	RemoteTimestamp time.Time
}

// ResolvedConflict captures the decision and why it was made.
type ResolvedConflict struct {
	Decision Decision
	Reasons  []string
}

// ConflictResolver decides which side of a Conflict is written to the cache.
// Resolve runs while the cache holds its write lock for the key, so it must
// not call back into the LocalCache.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, c Conflict) (ResolvedConflict, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	return f(ctx, c)
}

// LastWriteWinsResolver compares whole records by modification time. A
// record without unconfirmed local edits is always overwritten; otherwise
// the inbound record wins only when strictly newer.
type LastWriteWinsResolver struct{}

var _ ConflictResolver = LastWriteWinsResolver{}

func (LastWriteWinsResolver) Resolve(_ context.Context, c Conflict) (ResolvedConflict, error) {
	switch {
	case c.Local == nil:
		return ResolvedConflict{Decision: DecisionKeepRemote, Reasons: []string{"not cached"}}, nil
	case !c.Local.PendingSync:
		return ResolvedConflict{Decision: DecisionKeepRemote, Reasons: []string{"no pending local changes"}}, nil
	case c.RemoteTimestamp.After(c.Local.UpdatedAt):
		return ResolvedConflict{
			Decision: DecisionKeepRemote,
			Reasons:  []string{fmt.Sprintf("remote %s newer than local %s", c.RemoteTimestamp.Format(time.RFC3339Nano), c.Local.UpdatedAt.Format(time.RFC3339Nano))},
		}, nil
	default:
		return ResolvedConflict{Decision: DecisionKeepLocal, Reasons: []string{"local edit is not older than remote"}}, nil
	}
}

// ResolutionHooks are optional callbacks around ObservableResolver.Resolve.
type ResolutionHooks struct {
	OnResolved func(ctx context.Context, c Conflict, result ResolvedConflict, duration time.Duration)
	OnError    func(ctx context.Context, c Conflict, err error)
}

// ObservableResolver wraps a ConflictResolver with logging, metrics and
// hooks.
type ObservableResolver struct {
	wrapped ConflictResolver
	metrics MetricsCollector
	logger  *slog.Logger
	hooks   ResolutionHooks
}

// ObservableOption configures an ObservableResolver.
type ObservableOption func(*ObservableResolver)

func WithResolverMetrics(mc MetricsCollector) ObservableOption {
	return func(or *ObservableResolver) { or.metrics = mc }
}

func WithResolverLogger(logger *slog.Logger) ObservableOption {
	return func(or *ObservableResolver) { or.logger = logger }
}

func WithResolutionHooks(hooks ResolutionHooks) ObservableOption {
	return func(or *ObservableResolver) { or.hooks = hooks }
}

// NewObservableResolver wraps resolver. Without options it only forwards.
func NewObservableResolver(resolver ConflictResolver, opts ...ObservableOption) *ObservableResolver {
	or := &ObservableResolver{wrapped: resolver, metrics: NoOpMetricsCollector{}}
	for _, opt := range opts {
		opt(or)
	}
	return or
}

func (or *ObservableResolver) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	start := time.Now()
	resolved, err := or.wrapped.Resolve(ctx, c)
	duration := time.Since(start)

	if err != nil {
		if or.logger != nil {
			or.logger.Error("Conflict resolution failed", "key", c.Key, "record_type", c.RecordType, "error", err)
		}
		if or.hooks.OnError != nil {
			or.hooks.OnError(ctx, c, err)
		}
		return resolved, err
	}

	or.metrics.RecordConflict(resolved.Decision)
	if or.logger != nil {
		or.logger.Debug("Conflict resolved",
			"key", c.Key,
			"record_type", c.RecordType,
			"decision", resolved.Decision,
			"reasons", resolved.Reasons,
			"duration", duration)
	}
	if or.hooks.OnResolved != nil {
		or.hooks.OnResolved(ctx, c, resolved, duration)
	}
	return resolved, nil
}
