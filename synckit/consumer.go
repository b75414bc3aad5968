package synckit

import (
	"context"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
)

const consumerComponent = "synckit.consumer"

// consumer applies change events to the local cache. It is driven by the
// controller's session worker, one event at a time.
type consumer struct {
	remote   RemoteStore
	cache    LocalCache
	resolver ConflictResolver
	handlers map[string]RecordHandler
	observer Observer
	metrics  MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

func newConsumer(remote RemoteStore, cache LocalCache, o *options) *consumer {
	return &consumer{
		remote: remote,
		cache:  cache,
		resolver: NewObservableResolver(o.resolver,
			WithResolverLogger(o.logger),
			WithResolverMetrics(o.metrics)),
		handlers: o.handlers,
		observer: o.observer,
		metrics:  o.metrics,
		logger:   o.logger.With("component", consumerComponent),
		now:      o.now,
	}
}

// addressedTo reports whether ev belongs to ownerID. Events for anyone else
// are dropped before any fetch or cache access.
func (c *consumer) addressedTo(ev ChangeEvent, ownerID string) bool {
	if ev.OwnerID == ownerID {
		return true
	}
	c.logger.Warn("Ignoring change event for another owner", "operations", len(ev.Operations))
	c.metrics.RecordEventIgnored("foreign_owner")
	return false
}

// notifier runs a handler or observer callback for the session worker.
type notifier func(fn func())

// apply runs every operation of ev and then persists the checkpoint. It
// returns early, without persisting, once ctx is cancelled. The only error
// returned is a failure to persist the checkpoint.
func (c *consumer) apply(ctx context.Context, ev ChangeEvent, notify notifier) error {
	start := time.Now()
	for _, op := range ev.Operations {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.applyOperation(ctx, ev, op, notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Skipping failed operation",
				"action", op.Action,
				"record_type", op.RecordType,
				"key", op.RecordKey,
				"error", err)
			c.metrics.RecordOperationFailed(op.Action, string(syncErrors.KindOf(err)))
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	if ev.Cursor != nil {
		if err := c.cache.SetCursor(ctx, ev.Cursor); err != nil {
			return syncErrors.NewWithComponent(syncErrors.OpStore, consumerComponent, err)
		}
	}
	if err := c.cache.SetLastSyncAt(ctx, c.now()); err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpStore, consumerComponent, err)
	}
	c.metrics.RecordEventApplied(len(ev.Operations), time.Since(start))
	return nil
}

func (c *consumer) applyOperation(ctx context.Context, ev ChangeEvent, op Operation, notify notifier) error {
	handler, known := c.handlers[op.RecordType]
	if !known {
		c.logger.Debug("Ignoring operation on unregistered record type", "record_type", op.RecordType, "key", op.RecordKey)
		return nil
	}

	switch op.Action {
	case ActionCreate, ActionUpdate:
		return c.applyUpsert(ctx, ev, op, handler, notify)
	case ActionDelete:
		if err := c.cache.Delete(ctx, op.RecordKey); err != nil {
			return syncErrors.NewWithComponent(syncErrors.OpStore, consumerComponent, err)
		}
		notify(func() {
			if handler.OnDelete != nil {
				handler.OnDelete(op.RecordKey)
			}
			c.observer.OnRecordDeleted(op.RecordKey)
		})
		return nil
	default:
		c.logger.Debug("Ignoring operation with unknown action", "action", op.Action, "key", op.RecordKey)
		return nil
	}
}

func (c *consumer) applyUpsert(ctx context.Context, ev ChangeEvent, op Operation, handler RecordHandler, notify notifier) error {
	remote, err := c.remote.FetchRecord(ctx, op.RecordType, op.RecordKey)
	if err != nil {
		return syncErrors.E(syncErrors.OpFetch, syncErrors.Component(consumerComponent), err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	inboundAt := remote.UpdatedAt
	if inboundAt.IsZero() {
		inboundAt = ev.SourceTimestamp
	}
	hash := remote.ContentHash
	if hash == "" {
		hash = op.ContentHash
	}

	// The decision and the write happen under one cache lock so a drain or
	// a local edit of the same key cannot land in between.
	var resolveErr error
	rec, err := c.cache.ApplyRemote(ctx, op.RecordKey, func(existing *CachedRecord) (*CachedRecord, error) {
		resolved, err := c.resolver.Resolve(ctx, Conflict{
			RecordType:      op.RecordType,
			Key:             op.RecordKey,
			Local:           existing,
			Remote:          *remote,
			RemoteTimestamp: inboundAt,
		})
		if err != nil {
			resolveErr = syncErrors.E(syncErrors.OpApply, syncErrors.Component(consumerComponent), err)
			return nil, resolveErr
		}
		if resolved.Decision == DecisionKeepLocal || ctx.Err() != nil {
			return nil, nil
		}
		return &CachedRecord{
			Key:         op.RecordKey,
			RecordType:  op.RecordType,
			Payload:     remote.Payload,
			ContentHash: hash,
			Version:     remote.Version,
			UpdatedAt:   inboundAt,
		}, nil
	})
	if resolveErr != nil {
		return resolveErr
	}
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpStore, consumerComponent, err)
	}
	if rec == nil {
		return ctx.Err()
	}

	notify(func() {
		if handler.OnUpdate != nil {
			handler.OnUpdate(*rec)
		}
		c.observer.OnRecordUpdated(rec.Key, *rec)
	})
	return nil
}
