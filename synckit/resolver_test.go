package synckit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

func TestLastWriteWinsResolver(t *testing.T) {
	local := func(pending bool, at time.Time) *synckit.CachedRecord {
		rec := cachedRecord("a", `{"v":"local"}`, pending, at)
		return &rec
	}

	tests := []struct {
		name   string
		local  *synckit.CachedRecord
		remote time.Time
		want   synckit.Decision
	}{
		{"not cached", nil, t0, synckit.DecisionKeepRemote},
		{"clean local older", local(false, t0.Add(time.Hour)), t0, synckit.DecisionKeepRemote},
		{"pending local older", local(true, t0), t0.Add(time.Second), synckit.DecisionKeepRemote},
		{"pending local newer", local(true, t0.Add(time.Second)), t0, synckit.DecisionKeepLocal},
		{"pending local tie", local(true, t0), t0, synckit.DecisionKeepLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := synckit.LastWriteWinsResolver{}.Resolve(context.Background(), synckit.Conflict{
				RecordType:      "recipe",
				Key:             "a",
				Local:           tt.local,
				Remote:          synckit.RemoteRecord{Key: "a", UpdatedAt: tt.remote},
				RemoteTimestamp: tt.remote,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Decision)
			assert.NotEmpty(t, got.Reasons)
		})
	}
}

type countingMetrics struct {
	synckit.NoOpMetricsCollector
	conflicts []synckit.Decision
}

func (m *countingMetrics) RecordConflict(d synckit.Decision) {
	m.conflicts = append(m.conflicts, d)
}

func TestObservableResolver(t *testing.T) {
	ctx := context.Background()
	conflict := synckit.Conflict{Key: "a", RecordType: "recipe"}

	t.Run("success notifies hook and metrics", func(t *testing.T) {
		metrics := &countingMetrics{}
		var resolved []synckit.ResolvedConflict
		r := synckit.NewObservableResolver(synckit.LastWriteWinsResolver{},
			synckit.WithResolverMetrics(metrics),
			synckit.WithResolverLogger(logging.Discard().Logger),
			synckit.WithResolutionHooks(synckit.ResolutionHooks{
				OnResolved: func(_ context.Context, c synckit.Conflict, result synckit.ResolvedConflict, _ time.Duration) {
					assert.Equal(t, "a", c.Key)
					resolved = append(resolved, result)
				},
				OnError: func(context.Context, synckit.Conflict, error) { t.Error("unexpected OnError") },
			}))

		got, err := r.Resolve(ctx, conflict)
		require.NoError(t, err)
		assert.Equal(t, synckit.DecisionKeepRemote, got.Decision)
		assert.Equal(t, []synckit.Decision{synckit.DecisionKeepRemote}, metrics.conflicts)
		assert.Len(t, resolved, 1)
	})

	t.Run("failure notifies error hook only", func(t *testing.T) {
		metrics := &countingMetrics{}
		boom := errors.New("boom")
		var hookErr error
		r := synckit.NewObservableResolver(
			synckit.ResolverFunc(func(context.Context, synckit.Conflict) (synckit.ResolvedConflict, error) {
				return synckit.ResolvedConflict{}, boom
			}),
			synckit.WithResolverMetrics(metrics),
			synckit.WithResolutionHooks(synckit.ResolutionHooks{
				OnError: func(_ context.Context, _ synckit.Conflict, err error) { hookErr = err },
			}))

		_, err := r.Resolve(ctx, conflict)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, hookErr, boom)
		assert.Empty(t, metrics.conflicts)
	})

	t.Run("bare wrapper forwards", func(t *testing.T) {
		r := synckit.NewObservableResolver(synckit.ResolverFunc(func(context.Context, synckit.Conflict) (synckit.ResolvedConflict, error) {
			return synckit.ResolvedConflict{Decision: synckit.DecisionKeepLocal}, nil
		}))
		got, err := r.Resolve(ctx, conflict)
		require.NoError(t, err)
		assert.Equal(t, synckit.DecisionKeepLocal, got.Decision)
	})
}
