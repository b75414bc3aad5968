package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-record-sync/storage/cachetest"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

func TestCache_Conformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) synckit.LocalCache { return New() })
}

func TestCache_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.Put(ctx, synckit.CachedRecord{Key: "k", RecordType: "recipe", Payload: json.RawMessage(`{"a":1}`)}))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	got.Payload[2] = 'b'

	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(again.Payload))
	assert.Equal(t, []string{"k"}, c.Keys())
}
