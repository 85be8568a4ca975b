package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"st_trading/internal/core"
	"st_trading/internal/ta"
)

func klinesFromCloses(closes ...float64) []core.Kline {
	klines := make([]core.Kline, len(closes))
	for i, c := range closes {
		openTime := int64(1700000000000) + int64(i)*60_000
		klines[i] = core.Kline{
			OpenTime:  openTime,
			Close:     decimal.NewFromFloat(c),
			CloseTime: openTime + 59_999,
		}
	}
	return klines
}

func newMAStop(t *testing.T, params map[string]interface{}) *MAStop {
	t.Helper()
	ind, err := NewMAStop(ta.Binding{UserID: "user_001", Symbol: "XRPUSDC", Interval: "15m"}, params)
	require.NoError(t, err)
	return ind.(*MAStop)
}

func TestMAStopLongSignal(t *testing.T) {
	ind := newMAStop(t, map[string]interface{}{"period": 3, "percent": 2})

	r := ind.Calculate(klinesFromCloses(1.00, 1.00, 1.00, 1.05))

	assert.Equal(t, ta.SignalLong, r.Signal)
	assert.InDelta(t, 1.016667, r.Data["ma"].(float64), 1e-9)
	assert.InDelta(t, 0.996333, r.Data["stop_line_long"].(float64), 1e-9)
	assert.InDelta(t, 1.037, r.Data["stop_line_short"].(float64), 1e-9)
	assert.InDelta(t, 1.05, r.Data["close"].(float64), 1e-9)
	assert.Equal(t, 3, r.Data["period"])
	assert.InDelta(t, 2.0, r.Data["percent"].(float64), 1e-9)
}

func TestMAStopShortSignal(t *testing.T) {
	ind := newMAStop(t, map[string]interface{}{"period": 3, "percent": 2})

	r := ind.Calculate(klinesFromCloses(1.00, 1.00, 1.00, 0.90))

	// close 0.90 sits below the long stop (ma 0.966667 * 0.98) and below
	// the short stop, so the short branch wins.
	assert.Equal(t, ta.SignalShort, r.Signal)
	assert.InDelta(t, 0.966667, r.Data["ma"].(float64), 1e-9)
	assert.InDelta(t, 0.947333, r.Data["stop_line_long"].(float64), 1e-9)
}

func TestMAStopInsufficientData(t *testing.T) {
	ind := newMAStop(t, map[string]interface{}{"period": 5})

	r := ind.Calculate(klinesFromCloses(1.00, 1.01))

	assert.Equal(t, ta.SignalNone, r.Signal)
	assert.Equal(t, "insufficient data", r.Data["error"])
	assert.Equal(t, 5, r.Data["required"])
	assert.Equal(t, 2, r.Data["actual"])
}

func TestMAStopDefaults(t *testing.T) {
	ind := newMAStop(t, map[string]interface{}{})
	assert.Equal(t, 50, ind.MinKlines())

	wide := newMAStop(t, map[string]interface{}{"period": 30})
	assert.Equal(t, 60, wide.MinKlines())

	override := newMAStop(t, map[string]interface{}{"min_klines": 120})
	assert.Equal(t, 120, override.MinKlines())
}

func TestMAStopRejectsBadParams(t *testing.T) {
	b := ta.Binding{UserID: "user_001", Symbol: "XRPUSDC", Interval: "15m"}

	_, err := NewMAStop(b, map[string]interface{}{"period": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "period")

	_, err = NewMAStop(b, map[string]interface{}{"percent": -1.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "percent")
}

func TestMAStopInitializeMarksReady(t *testing.T) {
	ind := newMAStop(t, map[string]interface{}{"period": 3})
	assert.False(t, ind.Ready())

	ind.Initialize(klinesFromCloses(1.00, 1.00, 1.00, 1.05))

	assert.True(t, ind.Ready())
	assert.Equal(t, ta.SignalLong, ind.LastResult().Signal)
}

func TestMAStopParamsFromJSONNumbers(t *testing.T) {
	// Params that crossed the event store arrive as float64.
	ind := newMAStop(t, map[string]interface{}{"period": float64(3), "percent": float64(2)})
	r := ind.Calculate(klinesFromCloses(1.00, 1.00, 1.00, 1.05))
	assert.Equal(t, ta.SignalLong, r.Signal)
	assert.Equal(t, 3, r.Data["period"])
}
