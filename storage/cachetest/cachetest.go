// Package cachetest holds a behavioural test suite shared by every
// synckit.LocalCache implementation.
package cachetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-record-sync/cursor"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// Factory returns a fresh, empty cache. The suite closes it.
type Factory func(t *testing.T) synckit.LocalCache

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(key string, pending bool) synckit.CachedRecord {
	return synckit.CachedRecord{
		Key:         key,
		RecordType:  "recipe",
		Payload:     json.RawMessage(`{"title":"` + key + `"}`),
		ContentHash: "h-" + key,
		Version:     1,
		PendingSync: pending,
		UpdatedAt:   base,
	}
}

func mutation(id, key string, op synckit.Action, offset time.Duration) synckit.PendingMutation {
	return synckit.PendingMutation{
		ID:         id,
		Key:        key,
		RecordType: "recipe",
		Op:         op,
		Payload:    json.RawMessage(`{"title":"x"}`),
		EnqueuedAt: base.Add(offset),
	}
}

// Run executes the suite against caches built by newCache.
func Run(t *testing.T, newCache Factory) {
	t.Run("GetPutDelete", func(t *testing.T) { testGetPutDelete(t, newCache(t)) })
	t.Run("QueueOrderAndCount", func(t *testing.T) { testQueue(t, newCache(t)) })
	t.Run("StageAndDequeue", func(t *testing.T) { testStageAndDequeue(t, newCache(t)) })
	t.Run("AckCreateRekeys", func(t *testing.T) { testAckCreate(t, newCache(t)) })
	t.Run("AckUpdateAndDelete", func(t *testing.T) { testAckUpdateDelete(t, newCache(t)) })
	t.Run("StageSeesCurrentRecord", func(t *testing.T) { testStageEdit(t, newCache(t)) })
	t.Run("ApplyRemote", func(t *testing.T) { testApplyRemote(t, newCache(t)) })
	t.Run("ApplyRemoteRacesAck", func(t *testing.T) { testApplyRemoteRacesAck(t, newCache(t)) })
	t.Run("CursorAndLastSync", func(t *testing.T) { testMeta(t, newCache(t)) })
	t.Run("Close", func(t *testing.T) { testClose(t, newCache(t)) })
}

func testGetPutDelete(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.True(t, errors.Is(err, synckit.ErrCacheMiss), "got %v", err)

	rec := record("r1", false)
	require.NoError(t, c.Put(ctx, rec))

	got, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rec.RecordType, got.RecordType)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	assert.Equal(t, rec.ContentHash, got.ContentHash)
	assert.Equal(t, rec.Version, got.Version)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))

	rec.Version = 2
	rec.Payload = json.RawMessage(`{"title":"renamed"}`)
	require.NoError(t, c.Put(ctx, rec))
	got, err = c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"title":"renamed"}`, string(got.Payload))

	require.NoError(t, c.Delete(ctx, "r1"))
	require.NoError(t, c.Delete(ctx, "r1"), "deleting a missing key is not an error")
	_, err = c.Get(ctx, "r1")
	assert.True(t, errors.Is(err, synckit.ErrCacheMiss))
}

func testQueue(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, c.EnqueueMutation(ctx, mutation("m1", "a", synckit.ActionCreate, 0)))
	require.NoError(t, c.EnqueueMutation(ctx, mutation("m2", "b", synckit.ActionUpdate, time.Second)))
	require.NoError(t, c.EnqueueMutation(ctx, mutation("m3", "a", synckit.ActionDelete, 2*time.Second)))

	list, err := c.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, synckit.ActionDelete, list[2].Op)
	assert.True(t, list[1].EnqueuedAt.Equal(base.Add(time.Second)))

	require.NoError(t, c.RekeyMutations(ctx, "a", "A"))
	list, err = c.ListPendingMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", list[0].Key)
	assert.Equal(t, "b", list[1].Key)
	assert.Equal(t, "A", list[2].Key)

	require.NoError(t, c.DequeueMutation(ctx, "m2"))
	require.NoError(t, c.DequeueMutation(ctx, "unknown"))
	n, err = c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testStageAndDequeue(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	rec := record("r1", true)
	require.NoError(t, c.Stage(ctx, mutation("m1", "r1", synckit.ActionUpdate, 0), synckit.StageRecord(&rec)))
	require.NoError(t, c.Stage(ctx, mutation("m2", "r1", synckit.ActionUpdate, time.Second), synckit.StageRecord(&rec)))

	got, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.PendingSync)

	require.NoError(t, c.DequeueMutation(ctx, "m1"))
	got, err = c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.PendingSync, "a second mutation for the key is still queued")

	require.NoError(t, c.DequeueMutation(ctx, "m2"))
	got, err = c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.PendingSync)

	require.NoError(t, c.Stage(ctx, mutation("m3", "r1", synckit.ActionDelete, 2*time.Second), synckit.StageRecord(nil)))
	_, err = c.Get(ctx, "r1")
	assert.True(t, errors.Is(err, synckit.ErrCacheMiss))
	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testAckCreate(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	tmp := record("local-1", true)
	require.NoError(t, c.Stage(ctx, mutation("m1", "local-1", synckit.ActionCreate, 0), synckit.StageRecord(&tmp)))
	require.NoError(t, c.Stage(ctx, mutation("m2", "local-1", synckit.ActionUpdate, time.Second), synckit.StageRecord(&tmp)))

	confirmed := base.Add(time.Minute)
	require.NoError(t, c.AckMutation(ctx, synckit.Ack{
		MutationID:   "m1",
		Action:       synckit.ActionCreate,
		Key:          "local-1",
		CanonicalKey: "srv-1",
		Version:      7,
		ContentHash:  "h7",
		UpdatedAt:    confirmed,
	}))

	_, err := c.Get(ctx, "local-1")
	assert.True(t, errors.Is(err, synckit.ErrCacheMiss), "temporary key is gone")

	got, err := c.Get(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.Key)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, "h7", got.ContentHash)
	assert.True(t, got.UpdatedAt.Equal(confirmed))
	assert.True(t, got.PendingSync, "the queued update keeps the flag")

	list, err := c.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "srv-1", list[0].Key)

	require.NoError(t, c.AckMutation(ctx, synckit.Ack{MutationID: "m2", Action: synckit.ActionUpdate, Key: "srv-1", Version: 8}))
	got, err = c.Get(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, got.PendingSync)
	assert.Equal(t, int64(8), got.Version)
	assert.Equal(t, "h7", got.ContentHash, "empty hash in the ack keeps the old one")
}

func testAckUpdateDelete(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	rec := record("r1", true)
	require.NoError(t, c.Stage(ctx, mutation("m1", "r1", synckit.ActionUpdate, 0), synckit.StageRecord(&rec)))
	require.NoError(t, c.AckMutation(ctx, synckit.Ack{MutationID: "m1", Action: synckit.ActionUpdate, Key: "r1", Version: 3}))

	got, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.PendingSync)
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, got.UpdatedAt.Equal(base), "zero UpdatedAt in the ack keeps the old one")

	require.NoError(t, c.Stage(ctx, mutation("m2", "r1", synckit.ActionDelete, time.Second), synckit.StageRecord(nil)))
	require.NoError(t, c.AckMutation(ctx, synckit.Ack{MutationID: "m2", Action: synckit.ActionDelete, Key: "r1"}))
	_, err = c.Get(ctx, "r1")
	assert.True(t, errors.Is(err, synckit.ErrCacheMiss))
	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testStageEdit(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	var seen *synckit.CachedRecord
	rec := record("r1", false)
	require.NoError(t, c.Stage(ctx, mutation("m1", "r1", synckit.ActionCreate, 0), func(current *synckit.CachedRecord) (*synckit.CachedRecord, error) {
		seen = current
		return &rec, nil
	}))
	assert.Nil(t, seen, "nothing cached yet")

	got, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.PendingSync, "staged records are always pending")

	require.NoError(t, c.Stage(ctx, mutation("m2", "r1", synckit.ActionUpdate, time.Second), func(current *synckit.CachedRecord) (*synckit.CachedRecord, error) {
		seen = current
		next := *current
		next.Payload = json.RawMessage(`{"title":"edited"}`)
		return &next, nil
	}))
	require.NotNil(t, seen)
	assert.Equal(t, "r1", seen.Key)
	assert.JSONEq(t, `{"title":"r1"}`, string(seen.Payload))

	rejected := errors.New("rejected")
	err = c.Stage(ctx, mutation("m3", "r1", synckit.ActionDelete, 2*time.Second), func(*synckit.CachedRecord) (*synckit.CachedRecord, error) {
		return nil, rejected
	})
	assert.Same(t, rejected, err, "the edit's error is returned unchanged")

	got, err = c.Get(ctx, "r1")
	require.NoError(t, err, "a rejected edit writes nothing")
	assert.JSONEq(t, `{"title":"edited"}`, string(got.Payload))
	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testApplyRemote(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	remote := record("r1", true)
	remote.Payload = json.RawMessage(`{"title":"remote"}`)
	remote.Version = 4

	var seen *synckit.CachedRecord
	stored, err := c.ApplyRemote(ctx, "r1", func(current *synckit.CachedRecord) (*synckit.CachedRecord, error) {
		seen = current
		return &remote, nil
	})
	require.NoError(t, err)
	assert.Nil(t, seen)
	require.NotNil(t, stored)
	assert.False(t, stored.PendingSync, "the flag comes from the queue, not the record")
	assert.Equal(t, int64(4), stored.Version)

	local := record("r2", true)
	require.NoError(t, c.Stage(ctx, mutation("m1", "r2", synckit.ActionUpdate, 0), synckit.StageRecord(&local)))
	overwrite := record("r2", false)
	overwrite.Payload = json.RawMessage(`{"title":"remote"}`)
	stored, err = c.ApplyRemote(ctx, "r2", synckit.StageRecord(&overwrite))
	require.NoError(t, err)
	assert.True(t, stored.PendingSync, "a queued mutation keeps the flag")
	assert.JSONEq(t, `{"title":"remote"}`, string(stored.Payload))

	stored, err = c.ApplyRemote(ctx, "r2", func(current *synckit.CachedRecord) (*synckit.CachedRecord, error) {
		seen = current
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, stored, "nil keeps the cached record")
	require.NotNil(t, seen)
	assert.True(t, seen.PendingSync)
	got, err := c.Get(ctx, "r2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"remote"}`, string(got.Payload))

	failed := errors.New("resolver failed")
	_, err = c.ApplyRemote(ctx, "r3", func(*synckit.CachedRecord) (*synckit.CachedRecord, error) { return nil, failed })
	assert.Same(t, failed, err)
	_, err = c.Get(ctx, "r3")
	assert.True(t, errors.Is(err, synckit.ErrCacheMiss))
}

// testApplyRemoteRacesAck interleaves remote writes with the acknowledgement
// of the key's only queued mutation. Whatever the order, PendingSync must
// end up cleared.
func testApplyRemoteRacesAck(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("r%d", i)
		rec := record(key, true)
		require.NoError(t, c.Stage(ctx, mutation("m-"+key, key, synckit.ActionUpdate, 0), synckit.StageRecord(&rec)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("r%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.AckMutation(ctx, synckit.Ack{MutationID: "m-" + key, Action: synckit.ActionUpdate, Key: key, Version: 2}))
		}()
		go func() {
			defer wg.Done()
			_, err := c.ApplyRemote(ctx, key, func(current *synckit.CachedRecord) (*synckit.CachedRecord, error) {
				next := *current
				next.Payload = json.RawMessage(`{"title":"remote"}`)
				return &next, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	for i := 0; i < 20; i++ {
		got, err := c.Get(ctx, fmt.Sprintf("r%d", i))
		require.NoError(t, err)
		assert.False(t, got.PendingSync, "key %s", got.Key)
	}
}

func testMeta(t *testing.T, c synckit.LocalCache) {
	defer c.Close()
	ctx := context.Background()

	cur, err := c.GetCursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	require.NoError(t, c.SetCursor(ctx, cursor.IntegerCursor{Seq: 41}))
	cur, err = c.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.IntegerCursor{Seq: 41}, cur)

	require.NoError(t, c.SetCursor(ctx, cursor.TokenCursor{Token: "evt-9"}))
	cur, err = c.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.TokenCursor{Token: "evt-9"}, cur)

	last, err := c.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, c.SetLastSyncAt(ctx, base))
	last, err = c.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(base))
}

func testClose(t *testing.T, c synckit.LocalCache) {
	ctx := context.Background()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close is idempotent")

	_, err := c.Get(ctx, "r1")
	assert.Error(t, err)
	assert.Error(t, c.Put(ctx, record("r1", false)))
	_, err = c.PendingCount(ctx)
	assert.Error(t, err)
}
