package ta

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/internal/mock"
)

type stubIndicator struct {
	name    string
	binding Binding
	signal  string

	mu        sync.Mutex
	ready     bool
	initCalls int
	calcCalls int
}

func (s *stubIndicator) Name() string     { return s.name }
func (s *stubIndicator) Binding() Binding { return s.binding }
func (s *stubIndicator) MinKlines() int   { return 42 }

func (s *stubIndicator) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubIndicator) setReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *stubIndicator) Initialize(klines []core.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	s.ready = true
}

func (s *stubIndicator) Calculate(klines []core.Kline) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calcCalls++
	return Result{Signal: s.signal, Data: map[string]interface{}{"closes": len(klines)}}
}

func (s *stubIndicator) counts() (initCalls, calcCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls, s.calcCalls
}

type taFixture struct {
	bus      *event.Bus
	recorder *mock.Recorder
	registry *Registry
	manager  *Manager
}

func newTAFixture(t *testing.T) *taFixture {
	t.Helper()
	logger := &mock.NopLogger{}
	bus := event.NewBus(event.NewMemoryStore(0), logger)
	t.Cleanup(func() { bus.Close() })

	recorder := mock.NewRecorder()
	recorder.Subscribe(bus, "ta.*", "test.ta_recorder")
	recorder.Subscribe(bus, "de.get_historical_klines", "test.history_recorder")

	registry := NewRegistry()
	manager := NewManager(bus, logger, registry, 2)
	manager.Start()
	t.Cleanup(manager.Shutdown)
	return &taFixture{bus: bus, recorder: recorder, registry: registry, manager: manager}
}

func (f *taFixture) subscribe(ctx context.Context, t *testing.T, name string) {
	t.Helper()
	require.NoError(t, f.bus.Publish(ctx, event.New(InputIndicatorSubscribe, map[string]interface{}{
		"user_id":          "user_001",
		"symbol":           "XRPUSDC",
		"indicator_name":   name,
		"indicator_params": map[string]interface{}{"period": 3},
		"timeframe":        "15m",
	}, "test")))
}

func (f *taFixture) publishKlines(ctx context.Context, t *testing.T, subject string, n int) {
	t.Helper()
	klines := make([]core.Kline, n)
	for i := range klines {
		klines[i] = core.Kline{OpenTime: int64(i), Close: decimal.NewFromInt(1)}
	}
	require.NoError(t, f.bus.Publish(ctx, event.New(subject, map[string]interface{}{
		"user_id":  "user_001",
		"symbol":   "XRPUSDC",
		"interval": "15m",
		"klines":   klines,
	}, "test")))
}

func TestIndicatorSubscribe(t *testing.T) {
	f := newTAFixture(t)
	ctx := context.Background()
	var created *stubIndicator
	f.registry.Register("stub", func(b Binding, params map[string]interface{}) (Indicator, error) {
		created = &stubIndicator{name: "stub", binding: b, signal: SignalNone}
		return created, nil
	})

	f.subscribe(ctx, t, "stub")

	require.NotNil(t, created)
	assert.Equal(t, Binding{UserID: "user_001", Symbol: "XRPUSDC", Interval: "15m"}, created.Binding())
	assert.Equal(t, 1, f.manager.IndicatorCount())

	history, ok := f.recorder.Last(OutputGetHistoricalKlines)
	require.True(t, ok)
	assert.Equal(t, "XRPUSDC", event.GetString(history.Data, "symbol"))
	assert.Equal(t, "15m", event.GetString(history.Data, "interval"))
	assert.Equal(t, int64(42), event.GetInt64(history.Data, "limit"))

	evt, ok := f.recorder.Last(SubjectIndicatorCreated)
	require.True(t, ok)
	assert.Equal(t, "stub", event.GetString(evt.Data, "indicator_name"))
	assert.Equal(t, "15m", event.GetString(evt.Data, "timeframe"))

	// A duplicate subscription is ignored.
	f.subscribe(ctx, t, "stub")
	assert.Equal(t, 1, f.manager.IndicatorCount())
	assert.Equal(t, 1, f.recorder.Count(SubjectIndicatorCreated))
	assert.Equal(t, 1, f.recorder.Count(OutputGetHistoricalKlines))
}

func TestIndicatorSubscribeUnknownName(t *testing.T) {
	f := newTAFixture(t)
	f.registry.Register("stub", func(b Binding, params map[string]interface{}) (Indicator, error) {
		return &stubIndicator{name: "stub", binding: b}, nil
	})

	f.subscribe(context.Background(), t, "no_such_indicator")

	evt, ok := f.recorder.Last(SubjectIndicatorCreateFailed)
	require.True(t, ok)
	assert.Equal(t, "no_such_indicator", event.GetString(evt.Data, "indicator_name"))
	errMsg := event.GetString(evt.Data, "error")
	assert.Contains(t, errMsg, "no_such_indicator")
	assert.Contains(t, errMsg, "stub")
	assert.Zero(t, f.manager.IndicatorCount())
}

func TestIndicatorConstructorFailure(t *testing.T) {
	f := newTAFixture(t)
	f.registry.Register("broken", func(b Binding, params map[string]interface{}) (Indicator, error) {
		return nil, assert.AnError
	})

	f.subscribe(context.Background(), t, "broken")

	evt, ok := f.recorder.Last(SubjectIndicatorCreateFailed)
	require.True(t, ok)
	assert.NotEmpty(t, event.GetString(evt.Data, "error"))
	assert.Zero(t, f.recorder.Count(SubjectIndicatorCreated))
}

func TestHistoricalKlinesInitializeMatching(t *testing.T) {
	f := newTAFixture(t)
	ctx := context.Background()
	var stub *stubIndicator
	f.registry.Register("stub", func(b Binding, params map[string]interface{}) (Indicator, error) {
		stub = &stubIndicator{name: "stub", binding: b, signal: SignalNone}
		return stub, nil
	})
	f.subscribe(ctx, t, "stub")
	require.False(t, stub.Ready())

	f.publishKlines(ctx, t, InputHistoricalSuccess, 50)

	assert.True(t, stub.Ready())
	initCalls, _ := stub.counts()
	assert.Equal(t, 1, initCalls)

	// A second batch does not rewarm an already ready indicator.
	f.publishKlines(ctx, t, InputHistoricalSuccess, 50)
	initCalls, _ = stub.counts()
	assert.Equal(t, 1, initCalls)
}

func TestHistoricalKlinesMismatchedBindingIgnored(t *testing.T) {
	f := newTAFixture(t)
	ctx := context.Background()
	var stub *stubIndicator
	f.registry.Register("stub", func(b Binding, params map[string]interface{}) (Indicator, error) {
		stub = &stubIndicator{name: "stub", binding: b, signal: SignalNone}
		return stub, nil
	})
	f.subscribe(ctx, t, "stub")

	require.NoError(t, f.bus.Publish(ctx, event.New(InputHistoricalSuccess, map[string]interface{}{
		"user_id":  "user_001",
		"symbol":   "BTCUSDT",
		"interval": "15m",
		"klines":   []core.Kline{{Close: decimal.NewFromInt(1)}},
	}, "test")))

	assert.False(t, stub.Ready())
}

func TestCalculationWaitsForAllIndicators(t *testing.T) {
	f := newTAFixture(t)
	ctx := context.Background()
	var first, second *stubIndicator
	f.registry.Register("stub_a", func(b Binding, params map[string]interface{}) (Indicator, error) {
		first = &stubIndicator{name: "stub_a", binding: b, signal: SignalLong}
		return first, nil
	})
	f.registry.Register("stub_b", func(b Binding, params map[string]interface{}) (Indicator, error) {
		second = &stubIndicator{name: "stub_b", binding: b, signal: SignalShort}
		return second, nil
	})
	f.subscribe(ctx, t, "stub_a")
	f.subscribe(ctx, t, "stub_b")

	// Only the first indicator is warm, so the candle produces one
	// result against an expected count of two.
	first.setReady(true)
	f.publishKlines(ctx, t, InputKlineUpdate, 10)
	assert.Zero(t, f.recorder.Count(SubjectCalculationCompleted))

	second.setReady(true)
	f.publishKlines(ctx, t, InputKlineUpdate, 10)

	require.Equal(t, 1, f.recorder.Count(SubjectCalculationCompleted))
	evt, _ := f.recorder.Last(SubjectCalculationCompleted)
	assert.Equal(t, "user_001", event.GetString(evt.Data, "user_id"))
	assert.Equal(t, "XRPUSDC", event.GetString(evt.Data, "symbol"))
	assert.Equal(t, "15m", event.GetString(evt.Data, "timeframe"))

	indicators := event.GetMap(evt.Data, "indicators")
	require.Len(t, indicators, 2)
	a, ok := indicators["stub_a"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, SignalLong, event.GetString(a, "signal"))
	data := event.GetMap(a, "data")
	assert.Equal(t, 10, data["closes"])
	b, ok := indicators["stub_b"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, SignalShort, event.GetString(b, "signal"))

	// The aggregation entry was dropped, so the next candle starts over.
	f.publishKlines(ctx, t, InputKlineUpdate, 10)
	assert.Equal(t, 2, f.recorder.Count(SubjectCalculationCompleted))
}

func TestKlineUpdateSkipsUnreadyIndicators(t *testing.T) {
	f := newTAFixture(t)
	ctx := context.Background()
	var stub *stubIndicator
	f.registry.Register("stub", func(b Binding, params map[string]interface{}) (Indicator, error) {
		stub = &stubIndicator{name: "stub", binding: b, signal: SignalLong}
		return stub, nil
	})
	f.subscribe(ctx, t, "stub")

	f.publishKlines(ctx, t, InputKlineUpdate, 10)

	_, calcCalls := stub.counts()
	assert.Zero(t, calcCalls)
	assert.Zero(t, f.recorder.Count(SubjectCalculationCompleted))
}

func TestShutdownDropsIndicators(t *testing.T) {
	logger := &mock.NopLogger{}
	bus := event.NewBus(event.NewMemoryStore(0), logger)
	t.Cleanup(func() { bus.Close() })
	registry := NewRegistry()
	registry.Register("stub", func(b Binding, params map[string]interface{}) (Indicator, error) {
		return &stubIndicator{name: "stub", binding: b}, nil
	})
	manager := NewManager(bus, logger, registry, 1)
	manager.Start()

	require.NoError(t, bus.Publish(context.Background(), event.New(InputIndicatorSubscribe, map[string]interface{}{
		"user_id":        "user_001",
		"symbol":         "XRPUSDC",
		"indicator_name": "stub",
		"timeframe":      "15m",
	}, "test")))
	require.Equal(t, 1, manager.IndicatorCount())

	manager.Shutdown()
	assert.Zero(t, manager.IndicatorCount())
}
