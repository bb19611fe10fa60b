package client

import (
	"testing"

	"github.com/asaidimu/go-loom/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterSchema(t *testing.T) *schema.Schema {
	t.Helper()
	counters := schema.NewCollection("counters", map[string]schema.Field{
		"id":      schema.ID(),
		"counter": schema.Number().Nullable(),
		"label":   schema.String().Nullable(),
	})
	s, err := schema.New([]*schema.Collection{counters})
	require.NoError(t, err)
	return s
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s := counterSchema(t)
	col, _ := s.Collection("counters")
	// A store detached from any connection: these tests exercise the local
	// merge and observer semantics only.
	return newStore(&Client{schema: s, stores: map[string]*Store{}, subIDs: map[string]string{}, subRequests: map[string]string{}}, "counters", col)
}

func encoded(ts string, fields map[string]any) map[string]schema.Encoded {
	out := map[string]schema.Encoded{}
	for name, value := range fields {
		out[name] = schema.Encoded{Value: value, Meta: schema.Meta{Timestamp: ts}}
	}
	return out
}

func TestStoreApplyEncoded(t *testing.T) {
	s := testStore(t)
	t0 := "2024-01-01T00:00:00.000000000Z"
	t1 := "2024-01-01T00:00:01.000000000Z"

	require.NoError(t, s.applyEncoded("0", encoded(t0, map[string]any{"id": "0", "counter": 1.0})))
	assert.Equal(t, 1.0, s.Get("0")["counter"])

	// A newer write wins, an older one loses.
	require.NoError(t, s.applyEncoded("0", encoded(t1, map[string]any{"counter": 2.0})))
	assert.Equal(t, 2.0, s.Get("0")["counter"])
	require.NoError(t, s.applyEncoded("0", encoded(t0, map[string]any{"counter": 9.0})))
	assert.Equal(t, 2.0, s.Get("0")["counter"])
}

func TestStoreObserverNotifiedOnChange(t *testing.T) {
	s := testStore(t)
	t0 := "2024-01-01T00:00:00.000000000Z"

	var calls int
	unsubscribe := s.Subscribe(func(rows []map[string]any) { calls++ })
	assert.Equal(t, 1, calls, "observers receive the current state immediately")

	require.NoError(t, s.applyEncoded("0", encoded(t0, map[string]any{"id": "0", "counter": 1.0})))
	assert.Equal(t, 2, calls)

	// A losing merge leaves the materialized value untouched: no notification.
	older := "2023-01-01T00:00:00.000000000Z"
	require.NoError(t, s.applyEncoded("0", encoded(older, map[string]any{"counter": 5.0})))
	assert.Equal(t, 2, calls)

	unsubscribe()
	t1 := "2024-01-01T00:00:02.000000000Z"
	require.NoError(t, s.applyEncoded("0", encoded(t1, map[string]any{"counter": 3.0})))
	assert.Equal(t, 2, calls, "unsubscribed observers stay quiet")
}

func TestStoreOptimisticRevert(t *testing.T) {
	s := testStore(t)
	t0 := "2024-01-01T00:00:00.000000000Z"
	t1 := "2024-01-01T00:00:01.000000000Z"

	require.NoError(t, s.applyEncoded("0", encoded(t0, map[string]any{"id": "0", "counter": 1.0})))

	prev, existed, err := s.applyOptimistic("0", encoded(t1, map[string]any{"counter": 5.0}))
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, 5.0, s.Get("0")["counter"])

	s.revert("0", prev, existed)
	assert.Equal(t, 1.0, s.Get("0")["counter"])

	t.Run("revert of a fresh insert deletes the row", func(t *testing.T) {
		prev, existed, err := s.applyOptimistic("new", encoded(t1, map[string]any{"id": "new", "counter": 1.0}))
		require.NoError(t, err)
		assert.False(t, existed)
		require.NotNil(t, s.Get("new"))

		s.revert("new", prev, existed)
		assert.Nil(t, s.Get("new"))
	})
}

func TestStoreSnapshot(t *testing.T) {
	s := testStore(t)
	t1 := "2024-01-01T00:00:01.000000000Z"

	require.NoError(t, s.applyEncoded("stale", encoded(t1, map[string]any{"id": "stale", "counter": 9.0})))

	s.applySnapshot([]map[string]any{
		{"id": "0", "counter": 1.0},
		{"id": "1", "counter": 2.0},
	})

	rows := s.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "0", rows[0]["id"])
	assert.Equal(t, "1", rows[1]["id"])
	assert.Nil(t, s.Get("stale"), "a snapshot replaces local state")

	// Snapshot values carry no metadata, so any timestamped write beats them.
	require.NoError(t, s.applyEncoded("0", encoded(t1, map[string]any{"counter": 42.0})))
	assert.Equal(t, 42.0, s.Get("0")["counter"])
}
