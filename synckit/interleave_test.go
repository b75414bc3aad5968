package synckit_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/storage/memory"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// hookCache runs a hook once, right before the wrapped cache applies a
// remote change or stages a local edit.
type hookCache struct {
	*memory.Cache

	mu          sync.Mutex
	beforeApply func()
	beforeStage func()
}

func (c *hookCache) take(hook *func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := *hook
	*hook = nil
	return fn
}

func (c *hookCache) onApply(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeApply = fn
}

func (c *hookCache) onStage(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeStage = fn
}

func (c *hookCache) ApplyRemote(ctx context.Context, key string, resolve synckit.EditFunc) (*synckit.CachedRecord, error) {
	if fn := c.take(&c.beforeApply); fn != nil {
		fn()
	}
	return c.Cache.ApplyRemote(ctx, key, resolve)
}

func (c *hookCache) Stage(ctx context.Context, m synckit.PendingMutation, edit synckit.EditFunc) error {
	if fn := c.take(&c.beforeStage); fn != nil {
		fn()
	}
	return c.Cache.Stage(ctx, m, edit)
}

// assertPendingMatchesQueue checks that key's PendingSync is set exactly
// when a mutation for it is queued.
func assertPendingMatchesQueue(t *testing.T, cache synckit.LocalCache, key string) {
	t.Helper()
	ctx := context.Background()
	queue, err := cache.ListPendingMutations(ctx)
	require.NoError(t, err)
	queued := false
	for _, m := range queue {
		queued = queued || m.Key == key
	}
	rec, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, queued, rec.PendingSync, "PendingSync=%v with queued=%v", rec.PendingSync, queued)
}

func startWithCache(t *testing.T, remote *fakeRemote, cache synckit.LocalCache) *synckit.Controller {
	t.Helper()
	ctrl, err := synckit.NewController(remote, cache, &staticIdentity{id: synckit.Identity{OwnerID: owner, Token: "tok"}},
		synckit.WithLogger(logging.Discard().Logger),
		synckit.WithRecordType("recipe", synckit.RecordHandler{}))
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)
	require.NoError(t, ctrl.Start(context.Background()))
	return ctrl
}

func deliverTo(t *testing.T, remote *fakeRemote, cache synckit.LocalCache, ev synckit.ChangeEvent) {
	t.Helper()
	var sub *fakeSub
	select {
	case sub = <-remote.subs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	sub.ch <- ev
	eventually(t, func() bool {
		cur, err := cache.GetCursor(context.Background())
		return err == nil && cur == ev.Cursor
	}, "cursor %v persisted", ev.Cursor)
}

func TestConsumer_DrainBetweenFetchAndApply(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cache := &hookCache{Cache: memory.New()}

	local := cachedRecord("R", `{"a":1}`, true, t0)
	require.NoError(t, cache.Stage(ctx, synckit.PendingMutation{
		ID: "m1", Key: "R", RecordType: "recipe", Op: synckit.ActionUpdate,
		Payload: json.RawMessage(`{"a":1}`), EnqueuedAt: t0,
	}, synckit.StageRecord(&local)))
	remote.setRecord(synckit.RemoteRecord{Key: "R", Payload: json.RawMessage(`{"a":2}`), Version: 3, UpdatedAt: t0.Add(time.Minute)})

	drainer := newDrainer(t, remote, cache)
	cache.onApply(func() {
		n, err := drainer.Drain(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	startWithCache(t, remote, cache)
	deliverTo(t, remote, cache, event(1, owner, upsert("R")))

	rec, err := cache.Get(ctx, "R")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(rec.Payload))
	assert.False(t, rec.PendingSync)
	assertPendingMatchesQueue(t, cache, "R")
}

func TestConsumer_LocalEditBetweenFetchAndApply(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cache := &hookCache{Cache: memory.New()}
	require.NoError(t, cache.Put(ctx, cachedRecord("R", `{"t":"old"}`, false, t0)))
	remote.setRecord(synckit.RemoteRecord{Key: "R", Payload: json.RawMessage(`{"t":"remote"}`), UpdatedAt: t0.Add(time.Minute)})

	ed, err := synckit.NewEditor(cache,
		synckit.WithLogger(logging.Discard().Logger),
		synckit.WithClock(func() time.Time { return t0.Add(time.Hour) }))
	require.NoError(t, err)
	cache.onApply(func() {
		_, err := ed.Update(ctx, "R", json.RawMessage(`{"t":"mine"}`))
		assert.NoError(t, err)
	})

	startWithCache(t, remote, cache)
	deliverTo(t, remote, cache, event(1, owner, upsert("R")))

	rec, err := cache.Get(ctx, "R")
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"mine"}`, string(rec.Payload), "the newer local edit is kept")
	assert.True(t, rec.PendingSync)
	assertPendingMatchesQueue(t, cache, "R")
}

func TestEditor_EditAfterCreateConfirmed(t *testing.T) {
	tests := []struct {
		name string
		edit func(ed *synckit.Editor, key string) error
	}{
		{"update", func(ed *synckit.Editor, key string) error {
			_, err := ed.Update(context.Background(), key, json.RawMessage(`{"title":"later"}`))
			return err
		}},
		{"delete", func(ed *synckit.Editor, key string) error {
			return ed.Delete(context.Background(), key)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			remote := newFakeRemote()
			cache := &hookCache{Cache: memory.New()}
			ed, err := synckit.NewEditor(cache, synckit.WithLogger(logging.Discard().Logger))
			require.NoError(t, err)

			created, err := ed.Create(ctx, "recipe", json.RawMessage(`{"title":"soup"}`))
			require.NoError(t, err)

			// The drain confirms the create after the editor looked the
			// temporary key up but before the edit is staged.
			drainer := newDrainer(t, remote, cache)
			cache.onStage(func() {
				n, err := drainer.Drain(ctx)
				assert.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			err = tt.edit(ed, created.Key)
			assert.True(t, errors.Is(err, syncErrors.ErrNotFound), "got %v", err)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))

			_, err = cache.Get(ctx, created.Key)
			assert.ErrorIs(t, err, synckit.ErrCacheMiss, "no orphan under the temporary key")
			n, err := cache.PendingCount(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			rec, err := cache.Get(ctx, "srv-recipe")
			require.NoError(t, err)
			assert.JSONEq(t, `{"title":"soup"}`, string(rec.Payload))
			assert.False(t, rec.PendingSync)
		})
	}
}

func TestEditor_UpdateMergesAgainstStagedRecord(t *testing.T) {
	ctx := context.Background()
	cache := &hookCache{Cache: memory.New()}
	require.NoError(t, cache.Put(ctx, cachedRecord("r1", `{"title":"soup","serves":2}`, false, t0)))
	ed, err := synckit.NewEditor(cache, synckit.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)

	// A remote change lands between the editor's lookup and the write.
	cache.onStage(func() {
		_, err := cache.Cache.ApplyRemote(ctx, "r1", func(current *synckit.CachedRecord) (*synckit.CachedRecord, error) {
			next := *current
			next.Payload = json.RawMessage(`{"title":"stew","serves":2}`)
			next.Version = 5
			return &next, nil
		})
		assert.NoError(t, err)
	})

	rec, err := ed.Update(ctx, "r1", json.RawMessage(`{"serves":6}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"stew","serves":6}`, string(rec.Payload))
	assert.Equal(t, int64(5), rec.Version)
	assertPendingMatchesQueue(t, cache, "r1")
}
