package synckit_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/storage/memory"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

func newEditor(t *testing.T) (*synckit.Editor, *memory.Cache) {
	t.Helper()
	cache := memory.New()
	ed, err := synckit.NewEditor(cache,
		synckit.WithLogger(logging.Discard().Logger),
		synckit.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return ed, cache
}

func TestEditor_Create(t *testing.T) {
	ed, cache := newEditor(t)
	ctx := context.Background()

	rec, err := ed.Create(ctx, "recipe", json.RawMessage(`{"title":"soup"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Key, synckit.TempKeyPrefix))
	assert.True(t, rec.PendingSync)
	assert.Equal(t, t0, rec.UpdatedAt)

	stored, err := cache.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"soup"}`, string(stored.Payload))
	assert.True(t, stored.PendingSync)

	queue, err := cache.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, synckit.ActionCreate, queue[0].Op)
	assert.Equal(t, rec.Key, queue[0].Key)

	other, err := ed.Create(ctx, "recipe", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.NotEqual(t, rec.Key, other.Key)
}

func TestEditor_CreateValidation(t *testing.T) {
	ed, _ := newEditor(t)
	ctx := context.Background()

	_, err := ed.Create(ctx, "", json.RawMessage(`{}`))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = ed.Create(ctx, "recipe", json.RawMessage(`{"title":`))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestEditor_UpdateMergesTopLevelFields(t *testing.T) {
	ed, cache := newEditor(t)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, cachedRecord("r1", `{"title":"soup","serves":2,"notes":"old"}`, false, t0.Add(-time.Hour))))

	rec, err := ed.Update(ctx, "r1", json.RawMessage(`{"serves":4,"notes":null,"tags":["quick"]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"soup","serves":4,"tags":["quick"]}`, string(rec.Payload))
	assert.True(t, rec.PendingSync)
	assert.Equal(t, t0, rec.UpdatedAt)
	assert.Equal(t, int64(1), rec.Version, "version moves only on remote confirmation")

	queue, err := cache.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, synckit.ActionUpdate, queue[0].Op)
	assert.JSONEq(t, `{"serves":4,"notes":null,"tags":["quick"]}`, string(queue[0].Payload), "the partial is queued, not the merge")
}

func TestEditor_UpdateErrors(t *testing.T) {
	ed, cache := newEditor(t)
	ctx := context.Background()

	_, err := ed.Update(ctx, "missing", json.RawMessage(`{"a":1}`))
	assert.True(t, errors.Is(err, syncErrors.ErrNotFound))

	require.NoError(t, cache.Put(ctx, cachedRecord("r1", `{"a":1}`, false, t0)))
	_, err = ed.Update(ctx, "r1", json.RawMessage(`[1,2]`))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	n, err := cache.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEditor_Delete(t *testing.T) {
	ed, cache := newEditor(t)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, cachedRecord("r1", `{"a":1}`, false, t0)))

	require.NoError(t, ed.Delete(ctx, "r1"))
	_, err := cache.Get(ctx, "r1")
	assert.ErrorIs(t, err, synckit.ErrCacheMiss)

	queue, err := cache.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, synckit.ActionDelete, queue[0].Op)
	assert.Equal(t, "recipe", queue[0].RecordType)

	assert.True(t, errors.Is(ed.Delete(ctx, "r1"), syncErrors.ErrNotFound))
}

func TestNewEditor_RequiresCache(t *testing.T) {
	_, err := synckit.NewEditor(nil)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}
