package synckit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-record-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/storage/memory"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const owner = "u1"

// fakeRemote is an in-memory RemoteStore with injectable failures.
type fakeRemote struct {
	mu sync.Mutex

	records map[string]synckit.RemoteRecord

	fetches       []string
	calls         []string
	subscribeFrom []cursor.Cursor
	subscribeErr  error
	subs          chan *fakeSub

	createFn func(ctx context.Context, recordType string, payload json.RawMessage) (*synckit.PushResult, error)
	updateFn func(ctx context.Context, key string, partial json.RawMessage) (*synckit.PushResult, error)
	deleteFn func(ctx context.Context, key string) error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: make(map[string]synckit.RemoteRecord),
		subs:    make(chan *fakeSub, 16),
	}
}

func (r *fakeRemote) setRecord(rec synckit.RemoteRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Key] = rec
}

func (r *fakeRemote) setSubscribeErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeErr = err
}

func (r *fakeRemote) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fetches)
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRemote) subscribeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribeFrom)
}

func (r *fakeRemote) subscribedFrom(i int) cursor.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeFrom[i]
}

func (r *fakeRemote) SubscribeToChanges(ctx context.Context, ownerID string, from cursor.Cursor) (synckit.Subscription, error) {
	r.mu.Lock()
	r.subscribeFrom = append(r.subscribeFrom, from)
	err := r.subscribeErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sub := &fakeSub{ch: make(chan synckit.ChangeEvent, 16), closed: make(chan struct{})}
	r.subs <- sub
	return sub, nil
}

func (r *fakeRemote) FetchRecord(ctx context.Context, recordType, key string) (*synckit.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, key)
	rec, ok := r.records[key]
	if !ok {
		return nil, syncErrors.E(syncErrors.OpFetch, syncErrors.KindNotFound, syncErrors.ErrNotFound, key)
	}
	return &rec, nil
}

func (r *fakeRemote) PushCreate(ctx context.Context, recordType string, payload json.RawMessage) (*synckit.PushResult, error) {
	r.record("create:" + recordType)
	if r.createFn != nil {
		return r.createFn(ctx, recordType, payload)
	}
	return &synckit.PushResult{Key: "srv-" + recordType, Version: 1, UpdatedAt: t0}, nil
}

func (r *fakeRemote) PushUpdate(ctx context.Context, key string, partial json.RawMessage) (*synckit.PushResult, error) {
	r.record("update:" + key)
	if r.updateFn != nil {
		return r.updateFn(ctx, key, partial)
	}
	return &synckit.PushResult{Key: key, Version: 2, UpdatedAt: t0}, nil
}

func (r *fakeRemote) PushDelete(ctx context.Context, key string) error {
	r.record("delete:" + key)
	if r.deleteFn != nil {
		return r.deleteFn(ctx, key)
	}
	return nil
}

func (r *fakeRemote) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

type fakeSub struct {
	ch     chan synckit.ChangeEvent
	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSub) Events() <-chan synckit.ChangeEvent { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fail ends the stream with err as a transport would.
func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	statuses []synckit.Status
	updated  []synckit.CachedRecord
	deleted  []string
	errs     []error
}

func (r *recorder) OnStatusChange(s synckit.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnRecordUpdated(key string, rec synckit.CachedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, rec)
}

func (r *recorder) OnRecordDeleted(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() (updated []synckit.CachedRecord, deleted []string, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(updated, r.updated...), append(deleted, r.deleted...), append(errs, r.errs...)
}

func (r *recorder) sawStatus(s synckit.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}
	return false
}

type harness struct {
	remote   *fakeRemote
	cache    *memory.Cache
	obs      *recorder
	ctrl     *synckit.Controller
	handled  *recorder
	identity *staticIdentity
}

type staticIdentity struct {
	mu sync.Mutex
	id synckit.Identity
}

func (s *staticIdentity) Identity(ctx context.Context) (synckit.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *staticIdentity) set(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = synckit.Identity{OwnerID: ownerID, Token: "tok"}
}

func newHarness(t *testing.T, opts ...synckit.Option) *harness {
	t.Helper()
	h := &harness{
		remote:   newFakeRemote(),
		cache:    memory.New(),
		obs:      &recorder{},
		handled:  &recorder{},
		identity: &staticIdentity{id: synckit.Identity{OwnerID: owner, Token: "tok"}},
	}
	base := []synckit.Option{
		synckit.WithLogger(logging.Discard().Logger),
		synckit.WithObserver(h.obs),
		synckit.WithRecordType("recipe", synckit.RecordHandler{
			OnUpdate: func(rec synckit.CachedRecord) { h.handled.OnRecordUpdated(rec.Key, rec) },
			OnDelete: func(key string) { h.handled.OnRecordDeleted(key) },
		}),
		synckit.WithBackoff(synckit.ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}
	ctrl, err := synckit.NewController(h.remote, h.cache, h.identity, append(base, opts...)...)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Stop)
	return h
}

func (h *harness) nextSub(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case sub := <-h.remote.subs:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

func (h *harness) status(t *testing.T) synckit.Status {
	t.Helper()
	st, err := h.ctrl.SyncState(context.Background())
	require.NoError(t, err)
	return st.Status
}

func (h *harness) waitStatus(t *testing.T, want synckit.Status) {
	t.Helper()
	eventually(t, func() bool { return h.status(t) == want }, "status %s", want)
}

// deliver sends ev and waits until its cursor has been persisted.
func (h *harness) deliver(t *testing.T, sub *fakeSub, ev synckit.ChangeEvent) {
	t.Helper()
	sub.ch <- ev
	eventually(t, func() bool {
		cur, err := h.cache.GetCursor(context.Background())
		return err == nil && cur == ev.Cursor
	}, "cursor %v persisted", ev.Cursor)
}

func (h *harness) cached(t *testing.T, key string) *synckit.CachedRecord {
	t.Helper()
	rec, err := h.cache.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, fmt.Sprintf(format, args...))
}

func event(seq uint64, ownerID string, ops ...synckit.Operation) synckit.ChangeEvent {
	return synckit.ChangeEvent{
		OwnerID:         ownerID,
		Operations:      ops,
		SourceTimestamp: t0.Add(time.Duration(seq) * time.Minute),
		Cursor:          cursor.IntegerCursor{Seq: seq},
	}
}

func upsert(key string) synckit.Operation {
	return synckit.Operation{Action: synckit.ActionUpdate, RecordType: "recipe", RecordKey: key}
}

func cachedRecord(key, payload string, pending bool, updatedAt time.Time) synckit.CachedRecord {
	return synckit.CachedRecord{
		Key:         key,
		RecordType:  "recipe",
		Payload:     json.RawMessage(payload),
		Version:     1,
		PendingSync: pending,
		UpdatedAt:   updatedAt,
	}
}

func enqueue(t *testing.T, c synckit.LocalCache, id, key string, op synckit.Action, at time.Time) {
	t.Helper()
	require.NoError(t, c.EnqueueMutation(context.Background(), synckit.PendingMutation{
		ID:         id,
		Key:        key,
		RecordType: "recipe",
		Op:         op,
		Payload:    json.RawMessage(`{"title":"` + id + `"}`),
		EnqueuedAt: at,
	}))
}
