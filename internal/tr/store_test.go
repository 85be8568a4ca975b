package tr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"st_trading/internal/core"
	apperrors "st_trading/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "data", "trading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreTaskLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := NewTradingTask("user_001", "XRPUSDC", core.ModeNoGrid)
	taskID, err := store.InsertTask(ctx, task)
	require.NoError(t, err)
	require.NotZero(t, taskID)

	openedAt := time.Now().UTC()
	require.NoError(t, store.MarkTaskOpened(ctx, taskID, "LONG", 1.0, 38000, openedAt))
	require.NoError(t, store.MarkTaskClosed(ctx, taskID, 1.1, 3768.08, openedAt.Add(time.Minute)))

	rows, err := store.QueryTasks(ctx, TaskFilter{UserID: "user_001"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, taskID, row.ID)
	assert.Equal(t, "XRPUSDC", row.Symbol)
	assert.Equal(t, "NO_GRID", row.TradingMode)
	assert.Equal(t, "NONE", row.PositionState)
	assert.Equal(t, "LONG", row.EntrySide)
	assert.InDelta(t, 1.0, row.EntryPrice, 1e-9)
	assert.InDelta(t, 38000.0, row.EntryQuantity, 1e-9)
	assert.InDelta(t, 1.1, row.ExitPrice, 1e-9)
	assert.InDelta(t, 3768.08, row.TotalProfit, 1e-9)
	assert.NotEmpty(t, row.OpenedAt)
	assert.NotEmpty(t, row.ClosedAt)
}

func TestStoreQueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct{ user, symbol string }{
		{"user_001", "XRPUSDC"},
		{"user_001", "DOGEUSDC"},
		{"user_002", "XRPUSDC"},
	} {
		_, err := store.InsertTask(ctx, NewTradingTask(spec.user, spec.symbol, core.ModeNoGrid))
		require.NoError(t, err)
	}

	all, err := store.QueryTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ofUser, err := store.QueryTasks(ctx, TaskFilter{UserID: "user_001"})
	require.NoError(t, err)
	assert.Len(t, ofUser, 2)

	one, err := store.QueryTasks(ctx, TaskFilter{UserID: "user_001", Symbol: "DOGEUSDC"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "DOGEUSDC", one[0].Symbol)

	limited, err := store.QueryTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreOrderRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	taskID, err := store.InsertTask(ctx, NewTradingTask("user_001", "XRPUSDC", core.ModeNormalGrid))
	require.NoError(t, err)

	rec := &OrderRecord{
		OrderID:     5001,
		Symbol:      "XRPUSDC",
		Side:        core.SideBuy,
		Type:        core.OrderTypePostOnly,
		Price:       d("0.99"),
		Quantity:    d("100"),
		Status:      "NEW",
		IsGridOrder: true,
		GridPairID:  "XRPUSDC_0",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.InsertOrder(ctx, taskID, rec))

	// The order_id column is unique.
	require.Error(t, store.InsertOrder(ctx, taskID, rec))

	require.NoError(t, store.UpdateOrderStatus(ctx, 5001, "PARTIALLY_FILLED", 40))
	require.NoError(t, store.MarkOrderFilled(ctx, 5001, 100, 0.9204, time.Now().UTC()))
	require.NoError(t, store.UpdateTaskProfit(ctx, taskID, 0.9204))

	require.NoError(t, store.SaveGridSettings(ctx, taskID, GridSettings{
		UpperPrice: d("1.05"),
		LowerPrice: d("0.95"),
		Levels:     10,
		MoveUp:     true,
	}))
	rows, err := store.QueryTasks(ctx, TaskFilter{UserID: "user_001"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.9204, rows[0].TotalProfit, 1e-9)
	assert.Contains(t, rows[0].GridConfig, `"grid_levels":10`)
}

func TestStoreProfitStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	date := "2026-08-26"

	_, err := store.ProfitStat(ctx, "user_001", "XRPUSDC", date)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, store.RecordProfit(ctx, "user_001", "XRPUSDC", date, 3768.08))
	require.NoError(t, store.RecordProfit(ctx, "user_001", "XRPUSDC", date, -10.5))
	require.NoError(t, store.RecordProfit(ctx, "user_001", "XRPUSDC", date, 0.92))

	stat, err := store.ProfitStat(ctx, "user_001", "XRPUSDC", date)
	require.NoError(t, err)
	assert.InDelta(t, 3758.50, stat.TotalProfit, 1e-9)
	assert.Equal(t, 2, stat.ProfitCount)
	assert.Equal(t, 1, stat.LossCount)
	assert.InDelta(t, 2.0/3.0, stat.WinRate, 1e-9)

	// A different day starts a fresh aggregate.
	require.NoError(t, store.RecordProfit(ctx, "user_001", "XRPUSDC", "2026-08-27", 1.0))
	next, err := store.ProfitStat(ctx, "user_001", "XRPUSDC", "2026-08-27")
	require.NoError(t, err)
	assert.Equal(t, 1, next.ProfitCount)
	assert.Zero(t, next.LossCount)
	assert.InDelta(t, 1.0, next.WinRate, 1e-9)
}
