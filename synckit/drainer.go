package synckit

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
)

const drainerComponent = "synckit.drainer"

// ErrDrainInProgress is returned by Drain while another pass is running.
var ErrDrainInProgress = stderrors.New("drain already in progress")

// Drainer replays queued local mutations against the remote store.
type Drainer struct {
	remote   RemoteStore
	cache    LocalCache
	identity IdentityProvider
	metrics  MetricsCollector
	logger   *slog.Logger

	running atomic.Bool
}

// NewDrainer builds a standalone Drainer. Controllers create their own.
func NewDrainer(remote RemoteStore, cache LocalCache, identity IdentityProvider, opts ...Option) (*Drainer, error) {
	if err := requireCollaborators(remote, cache, identity); err != nil {
		return nil, err
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("synckit.NewDrainer"), syncErrors.Component("synckit"), syncErrors.KindInvalid, err)
	}
	return newDrainer(remote, cache, identity, o), nil
}

func newDrainer(remote RemoteStore, cache LocalCache, identity IdentityProvider, o *options) *Drainer {
	return &Drainer{
		remote:   remote,
		cache:    cache,
		identity: identity,
		metrics:  o.metrics,
		logger:   o.logger.With("component", drainerComponent),
	}
}

// Drain pushes every queued mutation in enqueue order and returns how many
// were confirmed. Retryable failures stay queued for the next pass; other
// failures are logged and dropped. Once a mutation for a key stays queued,
// later mutations for the same key wait for the next pass so per-key order
// holds. If every attempted mutation failed the result is a
// *errors.SyncFailure.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	if !d.running.CompareAndSwap(false, true) {
		return 0, ErrDrainInProgress
	}
	defer d.running.Store(false)

	if _, err := requireIdentity(ctx, d.identity, syncErrors.OpDrain); err != nil {
		return 0, err
	}

	pending, err := d.cache.ListPendingMutations(ctx)
	if err != nil {
		return 0, syncErrors.NewWithComponent(syncErrors.OpLoad, drainerComponent, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})

	start := time.Now()
	d.logger.Debug("Draining pending mutations", "count", len(pending))

	var (
		applied, retained, dropped int
		failures                   []error
		rekeyed                    = make(map[string]string)
		blocked                    = make(map[string]bool)
	)
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			d.metrics.RecordDrain(applied, retained, dropped, time.Since(start))
			return applied, syncErrors.E(syncErrors.OpDrain, syncErrors.Component(drainerComponent), syncErrors.KindCanceled, err)
		}
		if newKey, ok := rekeyed[m.Key]; ok {
			m.Key = newKey
		}
		if blocked[m.Key] {
			d.logger.Debug("Deferring mutation behind a retained one", "id", m.ID, "key", m.Key)
			continue
		}

		canonical, err := d.push(ctx, m)
		if err == nil {
			applied++
			if canonical != "" && canonical != m.Key {
				rekeyed[m.Key] = canonical
			}
			continue
		}

		failures = append(failures, err)
		if syncErrors.IsRetryable(err) {
			retained++
			blocked[m.Key] = true
			d.logger.Warn("Mutation failed, keeping it queued", "id", m.ID, "op", m.Op, "key", m.Key, "error", err)
			continue
		}

		dropped++
		d.logger.Error("Mutation rejected, dropping it", "id", m.ID, "op", m.Op, "key", m.Key, "error", err)
		if derr := d.cache.DequeueMutation(ctx, m.ID); derr != nil {
			d.logger.Error("Failed to dequeue rejected mutation", "id", m.ID, "error", derr)
		}
	}

	d.metrics.RecordDrain(applied, retained, dropped, time.Since(start))
	d.logger.Info("Drain pass finished",
		"applied", applied,
		"retained", retained,
		"dropped", dropped,
		"duration", time.Since(start))

	if applied == 0 && len(failures) > 0 {
		return 0, &syncErrors.SyncFailure{Attempted: len(failures), Failures: failures}
	}
	return applied, nil
}

// push sends one mutation and acknowledges it in the cache. It returns the
// canonical key for creates.
func (d *Drainer) push(ctx context.Context, m PendingMutation) (string, error) {
	ack := Ack{MutationID: m.ID, Action: m.Op, Key: m.Key}

	switch m.Op {
	case ActionCreate:
		res, err := d.remote.PushCreate(WithIdempotencyKey(ctx, m.ID), m.RecordType, m.Payload)
		if err != nil {
			return "", err
		}
		ack.CanonicalKey = res.Key
		ack.Version, ack.ContentHash, ack.UpdatedAt = res.Version, res.ContentHash, res.UpdatedAt
	case ActionUpdate:
		res, err := d.remote.PushUpdate(ctx, m.Key, m.Payload)
		if err != nil {
			return "", err
		}
		ack.Version, ack.ContentHash, ack.UpdatedAt = res.Version, res.ContentHash, res.UpdatedAt
	case ActionDelete:
		if err := d.remote.PushDelete(ctx, m.Key); err != nil {
			return "", err
		}
	default:
		return "", syncErrors.E(syncErrors.OpPush, syncErrors.Component(drainerComponent), syncErrors.KindInvalid, "unknown mutation op "+string(m.Op))
	}

	if err := d.cache.AckMutation(ctx, ack); err != nil {
		return "", syncErrors.E(syncErrors.OpStore, syncErrors.Component(drainerComponent), syncErrors.KindStorage, err)
	}
	return ack.CanonicalKey, nil
}

func requireIdentity(ctx context.Context, p IdentityProvider, op syncErrors.Operation) (Identity, error) {
	id, err := p.Identity(ctx)
	if err != nil {
		return Identity{}, syncErrors.E(op, syncErrors.Component("synckit"), syncErrors.KindAuthRequired, syncErrors.ErrAuthenticationRequired, err.Error())
	}
	if id.OwnerID == "" {
		return Identity{}, syncErrors.E(op, syncErrors.Component("synckit"), syncErrors.KindAuthRequired, syncErrors.ErrAuthenticationRequired)
	}
	return id, nil
}

func requireCollaborators(remote RemoteStore, cache LocalCache, identity IdentityProvider) error {
	switch {
	case remote == nil:
		return syncErrors.E(syncErrors.Op("synckit.New"), syncErrors.KindInvalid, "remote store is required")
	case cache == nil:
		return syncErrors.E(syncErrors.Op("synckit.New"), syncErrors.KindInvalid, "local cache is required")
	case identity == nil:
		return syncErrors.E(syncErrors.Op("synckit.New"), syncErrors.KindInvalid, "identity provider is required")
	}
	return nil
}
