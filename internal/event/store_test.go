package event

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreInsertAndQuery(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	evt := New("order.created", map[string]interface{}{"id": "42", "price": 1.05}, "test")
	require.NoError(t, store.Insert(ctx, evt))

	recent, err := store.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	got := recent[0]
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "order.created", got.Subject)
	assert.Equal(t, "test", got.Source)
	assert.Equal(t, "42", got.Data["id"])
	assert.InDelta(t, 1.05, got.Data["price"], 1e-9)
	assert.WithinDuration(t, evt.Timestamp, got.Timestamp, 0)
}

func TestSQLiteStoreEvictsOldest(t *testing.T) {
	store := newTestSQLiteStore(t) // cap 5
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		evt := New("tick", map[string]interface{}{"n": i}, "test")
		ids = append(ids, evt.ID)
		require.NoError(t, store.Insert(ctx, evt))
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	recent, err := store.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 5)

	// Newest first; the two oldest events are gone
	assert.Equal(t, ids[6], recent[0].ID)
	assert.Equal(t, ids[2], recent[4].ID)
}

func TestSQLiteStoreGetBySubjectGlob(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, New("order.created", nil, "test")))
	require.NoError(t, store.Insert(ctx, New("order.updated", nil, "test")))
	require.NoError(t, store.Insert(ctx, New("position.opened", nil, "test")))

	orders, err := store.GetBySubject(ctx, "order.*", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	exact, err := store.GetBySubject(ctx, "position.opened", 10)
	require.NoError(t, err)
	assert.Len(t, exact, 1)
}

func TestSQLiteStoreClear(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, New("a", nil, "test")))
	require.NoError(t, store.Clear(ctx))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryStoreBoundedAndFiltered(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, New("s.tick", map[string]interface{}{"n": i}, "test")))
	}
	require.NoError(t, store.Insert(ctx, New("other", nil, "test")))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	ticks, err := store.GetBySubject(ctx, "s.*", 10)
	require.NoError(t, err)
	assert.Len(t, ticks, 2)

	require.NoError(t, store.Close())
	_, err = store.GetRecent(ctx, 1)
	assert.Error(t, err)
}
