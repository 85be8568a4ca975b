package ta

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"st_trading/internal/core"
)

// Signal values carried in indicator results. They share the position
// side vocabulary so strategies can compare them directly.
const (
	SignalLong  = string(core.PositionLong)
	SignalShort = string(core.PositionShort)
	SignalNone  = string(core.PositionNone)
)

// Binding ties an indicator instance to the account, symbol and
// timeframe it was subscribed for.
type Binding struct {
	UserID   string
	Symbol   string
	Interval string
}

// Result is one indicator evaluation. Signal is LONG, SHORT or NONE;
// Data carries the indicator's values, or an error description when the
// input window was too short.
type Result struct {
	Signal string
	Data   map[string]interface{}
}

// Payload renders the result the way ta.calculation.completed carries
// it, one nested map per indicator.
func (r Result) Payload() map[string]interface{} {
	return map[string]interface{}{
		"signal": r.Signal,
		"data":   r.Data,
	}
}

// Indicator is the contract every technical indicator implements.
// Calculate receives the full kline window each time and must not
// depend on prior calls.
type Indicator interface {
	Name() string
	Binding() Binding

	// MinKlines is the warmup window requested from the data engine.
	MinKlines() int

	// Ready reports whether Initialize has run. Unready indicators are
	// skipped on kline updates.
	Ready() bool

	// Initialize warms the indicator on a historical window and marks
	// it ready.
	Initialize(klines []core.Kline)

	Calculate(klines []core.Kline) Result
}

// Constructor builds an indicator for one binding from the raw
// parameter map of an st.indicator.subscribe event.
type Constructor func(b Binding, params map[string]interface{}) (Indicator, error)

// Registry maps indicator names to constructors. The bootstrap
// registers every shipped indicator before managers start.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register installs a constructor under a name, replacing any previous
// registration.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Names returns the registered indicator names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a registered indicator. Unknown names error with
// the registered set so the failure event tells the operator what the
// config could have said.
func (r *Registry) Create(name string, b Binding, params map[string]interface{}) (Indicator, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown indicator %q, registered: %s", name, strings.Join(r.Names(), ", "))
	}
	return ctor(b, params)
}

// indicatorID keys one instance in the manager's table.
func indicatorID(b Binding, name string) string {
	return b.UserID + "_" + b.Symbol + "_" + b.Interval + "_" + name
}
