package synckit

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
)

const controllerComponent = "synckit.controller"

// errStreamEnded is reported when a subscription closes without an error.
var errStreamEnded = stderrors.New("change stream ended")

// Controller owns the sync session: it authenticates, keeps one change
// stream subscribed, reconnects with backoff and exposes the aggregate
// SyncState. It is safe for concurrent use.
type Controller struct {
	remote   RemoteStore
	cache    LocalCache
	identity IdentityProvider

	consumer *consumer
	drainer  *Drainer
	observer Observer
	backoff  BackoffStrategy
	metrics  MetricsCollector
	logger   *slog.Logger

	maxAttempts    int
	drainOnConnect bool

	mu      sync.Mutex
	status  Status
	lastErr error
	owner   string  // authenticated owner of the current session, "" when idle
	gen     uint64  // bumped whenever the worker is replaced
	worker  *worker // nil unless a worker goroutine exists
}

type worker struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	// callbacks counts observer and handler callbacks the worker is
	// running. Guarded by Controller.mu.
	callbacks int
}

// NewController wires a controller. At least one record type must be
// registered with WithRecordType.
func NewController(remote RemoteStore, cache LocalCache, identity IdentityProvider, opts ...Option) (*Controller, error) {
	const op = "synckit.NewController"

	if err := requireCollaborators(remote, cache, identity); err != nil {
		return nil, err
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("synckit"), syncErrors.KindInvalid, err)
	}
	if len(o.handlers) == 0 {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("synckit"), syncErrors.KindInvalid,
			"no record types registered (use WithRecordType)")
	}

	return &Controller{
		remote:         remote,
		cache:          cache,
		identity:       identity,
		consumer:       newConsumer(remote, cache, o),
		drainer:        newDrainer(remote, cache, identity, o),
		observer:       o.observer,
		backoff:        o.backoff,
		metrics:        o.metrics,
		logger:         o.logger.With("component", controllerComponent),
		maxAttempts:    o.maxAttempts,
		drainOnConnect: o.drainOnConnect,
		status:         StatusIdle,
	}, nil
}

// Start opens a session for the current identity and begins consuming the
// change stream. It is a no-op while connecting, connected or syncing, and
// behaves as Resume when paused.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	switch {
	case status.active():
		return nil
	case status == StatusPaused:
		return c.Resume(ctx)
	}

	id, err := requireIdentity(ctx, c.identity, syncErrors.OpStart)
	if err != nil {
		c.logger.Warn("Cannot start sync without an authenticated identity", "error", err)
		return err
	}

	c.mu.Lock()
	if c.status.active() || c.status == StatusPaused {
		// Lost a race with a concurrent Start.
		c.mu.Unlock()
		return nil
	}
	c.owner = id.OwnerID
	c.lastErr = nil
	c.launchLocked()
	c.mu.Unlock()

	c.logger.Info("Sync session started")
	return nil
}

// Stop ends the session and returns to idle. It waits for the worker to
// exit, so after Stop returns no cache writes or remote calls are made on
// behalf of the old session. While the worker is inside an observer or
// handler callback, which may be the caller, Stop only cancels it; the
// worker exits as soon as the callback returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	w := c.worker
	wait := w != nil && w.callbacks == 0
	changed := c.status != StatusIdle
	c.worker = nil
	c.gen++
	c.owner = ""
	c.lastErr = nil
	c.status = StatusIdle
	c.mu.Unlock()

	c.retire(w, wait)
	if changed {
		c.logger.Info("Sync session stopped")
		c.observer.OnStatusChange(StatusIdle)
	}
}

// Pause drops the subscription but keeps the session so Resume can continue
// from the last checkpoint. It is a no-op unless the controller is active.
// Like Stop it does not wait for a worker that is running a callback.
func (c *Controller) Pause() {
	c.mu.Lock()
	if !c.status.active() {
		c.mu.Unlock()
		return
	}
	w := c.worker
	wait := w != nil && w.callbacks == 0
	c.worker = nil
	c.gen++
	c.status = StatusPaused
	c.mu.Unlock()

	c.retire(w, wait)
	c.logger.Info("Sync session paused")
	c.observer.OnStatusChange(StatusPaused)
}

// Resume resubscribes from the last persisted cursor. It is a no-op unless
// the controller is paused or has given up reconnecting.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusPaused && c.status != StatusError {
		c.mu.Unlock()
		return nil
	}
	if c.owner == "" {
		c.mu.Unlock()
		return syncErrors.E(syncErrors.OpResume, syncErrors.Component("synckit"), syncErrors.KindAuthRequired, syncErrors.ErrAuthenticationRequired)
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastErr = nil
	c.launchLocked()
	c.mu.Unlock()

	c.logger.Info("Sync session resumed")
	return nil
}

// Drain runs one pass of the pending mutation drainer.
func (c *Controller) Drain(ctx context.Context) (int, error) {
	return c.drainer.Drain(ctx)
}

// SyncState reports status and local queue depth without network access.
func (c *Controller) SyncState(ctx context.Context) (SyncState, error) {
	c.mu.Lock()
	state := SyncState{Status: c.status, LastError: c.lastErr}
	c.mu.Unlock()

	pending, err := c.cache.PendingCount(ctx)
	if err != nil {
		return state, syncErrors.NewWithComponent(syncErrors.OpLoad, controllerComponent, err)
	}
	last, err := c.cache.LastSyncAt(ctx)
	if err != nil {
		return state, syncErrors.NewWithComponent(syncErrors.OpLoad, controllerComponent, err)
	}
	state.PendingCount = pending
	state.LastSyncAt = last
	return state, nil
}

// launchLocked starts a worker for c.owner, replacing one that already gave
// up. c.mu must be held. The old worker is only cancelled, not awaited: it
// has no further work once superseded, and an OnError callback may be the
// caller.
func (c *Controller) launchLocked() {
	if c.worker != nil {
		c.worker.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	w := &worker{gen: c.gen, cancel: cancel, done: make(chan struct{})}
	c.worker = w
	c.status = StatusConnecting
	go c.run(ctx, w, c.owner)
}

// retire cancels a superseded worker and, if wait is set, blocks until it
// has exited.
func (c *Controller) retire(w *worker, wait bool) {
	if w == nil {
		return
	}
	w.cancel()
	if wait {
		<-w.done
	}
}

// callback runs fn, which calls into user code, on w's goroutine.
func (c *Controller) callback(w *worker, fn func()) {
	c.mu.Lock()
	w.callbacks++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		w.callbacks--
		c.mu.Unlock()
	}()
	fn()
}

// setStatus applies s if w is still the current worker and notifies the
// observer on change. It reports whether w is current.
func (c *Controller) setStatus(w *worker, s Status, cause error) bool {
	return c.transition(w, s, cause, false)
}

func (c *Controller) transition(w *worker, s Status, cause error, force bool) bool {
	c.mu.Lock()
	if c.gen != w.gen {
		c.mu.Unlock()
		return false
	}
	changed := force || c.status != s
	c.status = s
	if cause != nil {
		c.lastErr = cause
	}
	c.mu.Unlock()

	if changed {
		c.callback(w, func() { c.observer.OnStatusChange(s) })
	}
	return true
}

func (c *Controller) run(ctx context.Context, w *worker, owner string) {
	var drains sync.WaitGroup
	defer close(w.done)
	defer drains.Wait()

	// launchLocked already set the status; announce it from here so
	// observers see transitions in order.
	if !c.transition(w, StatusConnecting, nil, true) {
		return
	}

	attempt := 0
	for {
		connected, err := c.consume(ctx, w, owner, &drains)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++

		if attempt > c.maxAttempts {
			exhausted := syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(controllerComponent),
				"reconnection attempts exhausted", err)
			c.logger.Error("Giving up on change stream", "attempts", attempt-1, "error", err)
			if c.setStatus(w, StatusError, exhausted) {
				c.callback(w, func() { c.observer.OnError(exhausted) })
			}
			return
		}

		delay := c.backoff.NextDelay(attempt)
		c.metrics.RecordReconnectAttempt(attempt, delay)
		c.logger.Warn("Change stream lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if !c.setStatus(w, StatusConnecting, nil) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume subscribes once and applies events until the stream ends or ctx
// is cancelled. connected reports whether the subscription was established.
func (c *Controller) consume(ctx context.Context, w *worker, owner string, drains *sync.WaitGroup) (connected bool, err error) {
	from, err := c.cache.GetCursor(ctx)
	if err != nil {
		return false, syncErrors.NewWithComponent(syncErrors.OpLoad, controllerComponent, err)
	}

	sub, err := c.remote.SubscribeToChanges(ctx, owner, from)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	if !c.setStatus(w, StatusConnected, nil) {
		return true, ctx.Err()
	}
	c.logger.Debug("Change stream subscribed")

	if c.drainOnConnect {
		drains.Add(1)
		go func() {
			defer drains.Done()
			if _, err := c.drainer.Drain(ctx); err != nil && !stderrors.Is(err, ErrDrainInProgress) && ctx.Err() == nil {
				c.logger.Warn("Drain on connect failed", "error", err)
			}
		}()
	}

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					return true, err
				}
				return true, syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component(controllerComponent), syncErrors.KindTransport, errStreamEnded)
			}
			if !c.consumer.addressedTo(ev, owner) {
				continue
			}
			if !c.setStatus(w, StatusSyncing, nil) {
				return true, ctx.Err()
			}
			notify := func(fn func()) { c.callback(w, fn) }
			if err := c.consumer.apply(ctx, ev, notify); err != nil {
				c.logger.Error("Failed to persist checkpoint", "error", err)
			}
			if !c.setStatus(w, StatusConnected, nil) {
				return true, ctx.Err()
			}
		}
	}
}
