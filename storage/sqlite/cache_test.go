package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/storage/cachetest"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "cache.db"))
	cfg.Logger = logging.Discard().Logger
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestCache_Conformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) synckit.LocalCache { return openTemp(t) })
}

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "wal appended",
			cfg:  Config{DataSourceName: "cache.db", EnableWAL: true, BusyTimeout: time.Second},
			want: "cache.db?_busy_timeout=1000&_txlock=immediate&_journal_mode=WAL",
		},
		{
			name: "existing query and journal mode",
			cfg:  Config{DataSourceName: "file:cache.db?_journal_mode=DELETE", EnableWAL: true, BusyTimeout: time.Second},
			want: "file:cache.db?_journal_mode=DELETE&_busy_timeout=1000&_txlock=immediate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.dsn())
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := Open(path)
	require.NoError(t, err)
	rec := synckit.CachedRecord{Key: "r1", RecordType: "recipe", Payload: json.RawMessage(`{"t":1}`), PendingSync: true}
	require.NoError(t, c.Stage(ctx, synckit.PendingMutation{ID: "m1", Key: "r1", RecordType: "recipe", Op: synckit.ActionUpdate, EnqueuedAt: time.Now()}, synckit.StageRecord(&rec)))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.PendingSync)
	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCache_ConcurrentStage(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "r" + string(rune('a'+i))
			rec := synckit.CachedRecord{Key: key, RecordType: "recipe", Payload: json.RawMessage(`{}`), PendingSync: true}
			m := synckit.PendingMutation{ID: "m-" + key, Key: key, RecordType: "recipe", Op: synckit.ActionCreate, EnqueuedAt: time.Now()}
			assert.NoError(t, c.Stage(ctx, m, synckit.StageRecord(&rec)))
		}(i)
	}
	wg.Wait()

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, 20, len(mustList(t, c)))
}

func mustList(t *testing.T, c *Cache) []synckit.PendingMutation {
	t.Helper()
	list, err := c.ListPendingMutations(context.Background())
	require.NoError(t, err)
	return list
}
