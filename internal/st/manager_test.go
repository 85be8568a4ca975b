package st

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/internal/mock"
)

const baseStrategyJSON = `{
  "timeframe": "15m",
  "leverage": 4,
  "position_side": "BOTH",
  "margin_mode": "CROSS",
  "margin_type": "USDT",
  "trading_pairs": [
    {
      "symbol": "XRPUSDC",
      "indicator_params": {
        "ma_stop_ta": {"period": 3, "percent": 2}
      }
    }
  ]
}`

const gridStrategyJSON = `{
  "timeframe": "15m",
  "leverage": 4,
  "position_side": "BOTH",
  "margin_mode": "CROSS",
  "margin_type": "USDT",
  "trading_pairs": [
    {
      "symbol": "XRPUSDC",
      "indicator_params": {
        "ma_stop_ta": {"period": 3, "percent": 2}
      }
    }
  ],
  "grid_trading": {
    "enabled": true,
    "grid_type": "normal",
    "ratio": 1.0,
    "grid_levels": 10,
    "move_up": true,
    "move_down": false
  }
}`

const abnormalStrategyJSON = `{
  "timeframe": "15m",
  "leverage": 4,
  "position_side": "BOTH",
  "margin_mode": "CROSS",
  "margin_type": "USDT",
  "trading_pairs": [
    {
      "symbol": "XRPUSDC",
      "indicator_params": {
        "ma_stop_ta": {"period": 3, "percent": 2}
      }
    }
  ],
  "grid_trading": {
    "enabled": true,
    "grid_type": "abnormal",
    "ratio": 0.5,
    "grid_levels": 10
  }
}`

const reverseStrategyJSON = `{
  "timeframe": "15m",
  "leverage": 4,
  "position_side": "BOTH",
  "margin_mode": "CROSS",
  "margin_type": "USDT",
  "reverse": true,
  "trading_pairs": [
    {
      "symbol": "XRPUSDC",
      "indicator_params": {
        "ma_stop_ta": {"period": 3, "percent": 2}
      }
    }
  ]
}`

type stFixture struct {
	bus      *event.Bus
	recorder *mock.Recorder
	manager  *Manager
	dir      string
}

func newSTFixture(t *testing.T) *stFixture {
	t.Helper()
	logger := &mock.NopLogger{}
	bus := event.NewBus(event.NewMemoryStore(0), logger)
	t.Cleanup(func() { bus.Close() })

	recorder := mock.NewRecorder()
	recorder.Subscribe(bus, "st.*", "test.st_recorder")

	dir := t.TempDir()
	manager := NewManager(bus, logger, dir)
	manager.RegisterStrategy(MAStopStrategyName, NewMAStopStrategy)
	manager.Start()
	t.Cleanup(manager.Shutdown)
	return &stFixture{bus: bus, recorder: recorder, manager: manager, dir: dir}
}

func (f *stFixture) writeStrategy(t *testing.T, userID, body string) {
	t.Helper()
	dir := filepath.Join(f.dir, userID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ma_stop.json"), []byte(body), 0o644))
}

func (f *stFixture) loadAccount(ctx context.Context, t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.bus.Publish(ctx, event.New(InputAccountLoaded, map[string]interface{}{
		"user_id":    userID,
		"name":       "alice",
		"api_key":    "k",
		"api_secret": "s",
		"strategy":   MAStopStrategyName,
	}, "test")))
}

func (f *stFixture) publishCompleted(ctx context.Context, t *testing.T, userID, signal string, close float64) {
	t.Helper()
	require.NoError(t, f.bus.Publish(ctx, event.New(InputCalculationCompleted, map[string]interface{}{
		"user_id":   userID,
		"symbol":    "XRPUSDC",
		"timeframe": "15m",
		"indicators": map[string]interface{}{
			"ma_stop_ta": map[string]interface{}{
				"signal": signal,
				"data":   map[string]interface{}{"close": close},
			},
		},
	}, "test")))
}

func TestAccountLoadedBuildsStrategy(t *testing.T) {
	f := newSTFixture(t)
	ctx := context.Background()
	f.writeStrategy(t, "user_001", baseStrategyJSON)

	f.loadAccount(ctx, t, "user_001")

	require.Equal(t, 1, f.manager.StrategyCount())
	require.NotNil(t, f.manager.StrategyFor("user_001"))

	loaded, ok := f.recorder.Last(SubjectStrategyLoaded)
	require.True(t, ok)
	assert.Equal(t, MAStopStrategyName, event.GetString(loaded.Data, "strategy"))
	assert.Equal(t, "15m", event.GetString(loaded.Data, "timeframe"))
	assert.Equal(t, []string{"XRPUSDC"}, event.GetStrings(loaded.Data, "trading_pairs"))

	sub, ok := f.recorder.Last(SubjectIndicatorSubscribe)
	require.True(t, ok)
	assert.Equal(t, "XRPUSDC", event.GetString(sub.Data, "symbol"))
	assert.Equal(t, "ma_stop_ta", event.GetString(sub.Data, "indicator_name"))
	assert.Equal(t, "15m", event.GetString(sub.Data, "timeframe"))
	params := event.GetMap(sub.Data, "indicator_params")
	assert.InDelta(t, 3.0, event.GetFloat(params, "period"), 1e-9)
}

func TestAccountLoadedUnknownStrategy(t *testing.T) {
	f := newSTFixture(t)

	require.NoError(t, f.bus.Publish(context.Background(), event.New(InputAccountLoaded, map[string]interface{}{
		"user_id":  "user_001",
		"strategy": "mystery",
	}, "test")))

	assert.Zero(t, f.manager.StrategyCount())
	assert.Zero(t, f.recorder.Count(SubjectStrategyLoaded))
}

func TestAccountLoadedMissingConfigFile(t *testing.T) {
	f := newSTFixture(t)

	f.loadAccount(context.Background(), t, "user_001")

	assert.Zero(t, f.manager.StrategyCount())
	assert.Zero(t, f.recorder.Count(SubjectStrategyLoaded))
	assert.Zero(t, f.recorder.Count(SubjectIndicatorSubscribe))
}

func TestSignalLifecycle(t *testing.T) {
	f := newSTFixture(t)
	ctx := context.Background()
	f.writeStrategy(t, "user_001", baseStrategyJSON)
	f.loadAccount(ctx, t, "user_001")

	// Flat plus LONG opens.
	f.publishCompleted(ctx, t, "user_001", "LONG", 1.0)
	require.Equal(t, 1, f.recorder.Count(SubjectSignalGenerated))
	sig, _ := f.recorder.Last(SubjectSignalGenerated)
	assert.Equal(t, "LONG", event.GetString(sig.Data, "side"))
	assert.Equal(t, "OPEN", event.GetString(sig.Data, "action"))
	assert.InDelta(t, 1.0, event.GetFloat(sig.Data, "price"), 1e-9)

	// Fill confirmation moves the state, repeated LONG holds.
	require.NoError(t, f.bus.Publish(ctx, event.New(InputPositionOpened, map[string]interface{}{
		"user_id":     "user_001",
		"symbol":      "XRPUSDC",
		"side":        "LONG",
		"entry_price": 1.0,
	}, "test")))
	f.publishCompleted(ctx, t, "user_001", "LONG", 1.02)
	assert.Equal(t, 1, f.recorder.Count(SubjectSignalGenerated))

	// Opposite signal closes.
	f.publishCompleted(ctx, t, "user_001", "SHORT", 0.97)
	require.Equal(t, 2, f.recorder.Count(SubjectSignalGenerated))
	sig, _ = f.recorder.Last(SubjectSignalGenerated)
	assert.Equal(t, "LONG", event.GetString(sig.Data, "side"))
	assert.Equal(t, "CLOSE", event.GetString(sig.Data, "action"))

	// Grid trading is disabled, so no grid request was made.
	assert.Zero(t, f.recorder.Count(SubjectGridCreate))
}

func TestSignalIgnoredForUnknownUser(t *testing.T) {
	f := newSTFixture(t)

	f.publishCompleted(context.Background(), t, "ghost", "LONG", 1.0)

	assert.Zero(t, f.recorder.Count(SubjectSignalGenerated))
}

func TestNormalGridLadderRequestedWithOpenSignal(t *testing.T) {
	f := newSTFixture(t)
	ctx := context.Background()
	f.writeStrategy(t, "user_001", gridStrategyJSON)
	f.loadAccount(ctx, t, "user_001")

	f.publishCompleted(ctx, t, "user_001", "LONG", 1.0)

	require.Equal(t, 1, f.recorder.Count(SubjectSignalGenerated))
	evt, ok := f.recorder.Last(SubjectGridCreate)
	require.True(t, ok)
	assert.Equal(t, "user_001", event.GetString(evt.Data, "user_id"))
	assert.Equal(t, "XRPUSDC", event.GetString(evt.Data, "symbol"))
	assert.InDelta(t, 1.0, event.GetFloat(evt.Data, "entry_price"), 1e-9)
	assert.InDelta(t, 1.05, event.GetFloat(evt.Data, "upper_price"), 1e-9)
	assert.InDelta(t, 0.95, event.GetFloat(evt.Data, "lower_price"), 1e-9)
	assert.Equal(t, int64(10), event.GetInt64(evt.Data, "grid_levels"))
	assert.InDelta(t, 1.0, event.GetFloat(evt.Data, "grid_ratio"), 1e-9)
	assert.True(t, event.GetBool(evt.Data, "move_up"))
	assert.False(t, event.GetBool(evt.Data, "move_down"))
	assert.Equal(t, "LONG", event.GetString(evt.Data, "side"))

	// The ladder is the entry for a normal grid, so the position fill
	// must not request a second one.
	require.NoError(t, f.bus.Publish(ctx, event.New(InputPositionOpened, map[string]interface{}{
		"user_id":     "user_001",
		"symbol":      "XRPUSDC",
		"side":        "LONG",
		"entry_price": 0.99,
	}, "test")))
	assert.Equal(t, 1, f.recorder.Count(SubjectGridCreate))
	assert.Equal(t, core.PositionLong, f.manager.StrategyFor("user_001").PositionState("XRPUSDC"))
}

func TestAbnormalGridLadderRequestedOnPositionOpened(t *testing.T) {
	f := newSTFixture(t)
	ctx := context.Background()
	f.writeStrategy(t, "user_001", abnormalStrategyJSON)
	f.loadAccount(ctx, t, "user_001")

	// The open signal market-enters with the partial ratio; the ladder
	// waits for the fill.
	f.publishCompleted(ctx, t, "user_001", "SHORT", 2.0)
	require.Equal(t, 1, f.recorder.Count(SubjectSignalGenerated))
	assert.Zero(t, f.recorder.Count(SubjectGridCreate))

	require.NoError(t, f.bus.Publish(ctx, event.New(InputPositionOpened, map[string]interface{}{
		"user_id":     "user_001",
		"symbol":      "XRPUSDC",
		"side":        "SHORT",
		"entry_price": 2.0,
	}, "test")))

	evt, ok := f.recorder.Last(SubjectGridCreate)
	require.True(t, ok)
	assert.InDelta(t, 2.0, event.GetFloat(evt.Data, "entry_price"), 1e-9)
	assert.InDelta(t, 2.1, event.GetFloat(evt.Data, "upper_price"), 1e-9)
	assert.InDelta(t, 1.9, event.GetFloat(evt.Data, "lower_price"), 1e-9)
	assert.InDelta(t, 0.5, event.GetFloat(evt.Data, "grid_ratio"), 1e-9)
	assert.Equal(t, "SHORT", event.GetString(evt.Data, "side"))
}

func TestReverseOpensOppositeOnClose(t *testing.T) {
	f := newSTFixture(t)
	ctx := context.Background()
	f.writeStrategy(t, "user_001", reverseStrategyJSON)
	f.loadAccount(ctx, t, "user_001")

	strategy := f.manager.StrategyFor("user_001")
	strategy.SetPositionState("XRPUSDC", core.PositionLong)

	require.NoError(t, f.bus.Publish(ctx, event.New(InputPositionClosed, map[string]interface{}{
		"user_id":    "user_001",
		"symbol":     "XRPUSDC",
		"side":       "LONG",
		"exit_price": 1.1,
	}, "test")))

	assert.Equal(t, core.PositionNone, strategy.PositionState("XRPUSDC"))
	sig, ok := f.recorder.Last(SubjectSignalGenerated)
	require.True(t, ok)
	assert.Equal(t, "SHORT", event.GetString(sig.Data, "side"))
	assert.Equal(t, "OPEN", event.GetString(sig.Data, "action"))
	assert.InDelta(t, 1.1, event.GetFloat(sig.Data, "price"), 1e-9)
}

func TestPositionClosedWithoutReverse(t *testing.T) {
	f := newSTFixture(t)
	ctx := context.Background()
	f.writeStrategy(t, "user_001", baseStrategyJSON)
	f.loadAccount(ctx, t, "user_001")

	strategy := f.manager.StrategyFor("user_001")
	strategy.SetPositionState("XRPUSDC", core.PositionShort)

	require.NoError(t, f.bus.Publish(ctx, event.New(InputPositionClosed, map[string]interface{}{
		"user_id": "user_001",
		"symbol":  "XRPUSDC",
		"side":    "SHORT",
	}, "test")))

	assert.Equal(t, core.PositionNone, strategy.PositionState("XRPUSDC"))
	assert.Zero(t, f.recorder.Count(SubjectSignalGenerated))
}
