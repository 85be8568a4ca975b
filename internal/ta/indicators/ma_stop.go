// Package indicators holds the indicator implementations shipped with
// the engine. The bootstrap registers them by name so strategy configs
// can reference them.
package indicators

import (
	"fmt"
	"math"
	"sync"

	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/internal/ta"
)

// MAStopName is the registry name strategy configs use for the moving
// average stop indicator.
const MAStopName = "ma_stop_ta"

const (
	defaultMAPeriod  = 20
	defaultMAPercent = 2.0
)

// MAStop computes a simple moving average of closes and two stop lines
// offset by a percentage. A close above the long stop signals LONG, a
// close below the short stop signals SHORT.
type MAStop struct {
	binding   ta.Binding
	period    int
	percent   float64
	minKlines int

	mu    sync.Mutex
	ready bool
	last  ta.Result
}

// NewMAStop builds an MA stop indicator. Recognized params: period,
// percent, min_klines. Absent params fall back to defaults; present but
// non-positive values are rejected.
func NewMAStop(b ta.Binding, params map[string]interface{}) (ta.Indicator, error) {
	period := defaultMAPeriod
	if raw, ok := params["period"]; ok {
		v := event.GetInt64(params, "period")
		if v <= 0 {
			return nil, fmt.Errorf("period must be positive, got %v", raw)
		}
		period = int(v)
	}

	percent := defaultMAPercent
	if raw, ok := params["percent"]; ok {
		v := event.GetFloat(params, "percent")
		if v <= 0 {
			return nil, fmt.Errorf("percent must be positive, got %v", raw)
		}
		percent = v
	}

	minKlines := period * 2
	if minKlines < 50 {
		minKlines = 50
	}
	if v := event.GetInt64(params, "min_klines"); v > 0 {
		minKlines = int(v)
	}

	return &MAStop{
		binding:   b,
		period:    period,
		percent:   percent,
		minKlines: minKlines,
	}, nil
}

func (i *MAStop) Name() string        { return MAStopName }
func (i *MAStop) Binding() ta.Binding { return i.binding }
func (i *MAStop) MinKlines() int      { return i.minKlines }

func (i *MAStop) Ready() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ready
}

// LastResult returns the most recent evaluation.
func (i *MAStop) LastResult() ta.Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.last
}

// Initialize runs one warmup calculation and marks the indicator ready.
func (i *MAStop) Initialize(klines []core.Kline) {
	i.Calculate(klines)
	i.mu.Lock()
	i.ready = true
	i.mu.Unlock()
}

func (i *MAStop) Calculate(klines []core.Kline) ta.Result {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(klines) < i.period {
		i.last = ta.Result{Signal: ta.SignalNone, Data: map[string]interface{}{
			"error":    "insufficient data",
			"required": i.period,
			"actual":   len(klines),
		}}
		return i.last
	}

	sum := 0.0
	for _, k := range klines[len(klines)-i.period:] {
		sum += k.Close.InexactFloat64()
	}
	ma := sum / float64(i.period)
	stopLong := ma * (1 - i.percent/100)
	stopShort := ma * (1 + i.percent/100)
	closePrice := klines[len(klines)-1].Close.InexactFloat64()

	signal := ta.SignalNone
	switch {
	case closePrice > stopLong:
		signal = ta.SignalLong
	case closePrice < stopShort:
		signal = ta.SignalShort
	}

	i.last = ta.Result{Signal: signal, Data: map[string]interface{}{
		"ma":              round6(ma),
		"stop_line_long":  round6(stopLong),
		"stop_line_short": round6(stopShort),
		"close":           round6(closePrice),
		"period":          i.period,
		"percent":         i.percent,
	}}
	return i.last
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
