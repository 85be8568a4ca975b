package st

import (
	"sync"

	"st_trading/internal/config"
	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/internal/ta/indicators"
)

// Signal is one strategy decision: open or close a position on a side.
// Price is the reference price the decision was made at (the close the
// indicator evaluated); zero when unknown.
type Signal struct {
	Side   core.PositionSide
	Action core.SignalAction
	Price  float64
}

// Strategy turns completed indicator results into trade decisions. It
// tracks per-symbol position state, which only confirmed position
// events move.
type Strategy interface {
	Name() string
	Config() *config.StrategyConfig

	// OnIndicatorsCompleted inspects one symbol's indicator results and
	// returns a decision, or nil when nothing should happen.
	OnIndicatorsCompleted(symbol string, results map[string]interface{}) *Signal

	PositionState(symbol string) core.PositionSide
	SetPositionState(symbol string, side core.PositionSide)
}

// Constructor builds a strategy for one account.
type Constructor func(userID string, cfg *config.StrategyConfig, logger core.ILogger) (Strategy, error)

// MAStopStrategyName is the name accounts reference in pm config.
const MAStopStrategyName = "ma_stop"

// MAStopStrategy trades the MA stop indicator's signal against the
// current position state: it opens when flat and the signal points a
// direction, and closes when the signal flips against an open position.
type MAStopStrategy struct {
	userID string
	cfg    *config.StrategyConfig
	logger core.ILogger

	mu        sync.Mutex
	positions map[string]core.PositionSide
}

// NewMAStopStrategy builds the strategy with every configured symbol
// flat.
func NewMAStopStrategy(userID string, cfg *config.StrategyConfig, logger core.ILogger) (Strategy, error) {
	positions := make(map[string]core.PositionSide, len(cfg.TradingPairs))
	for _, pair := range cfg.TradingPairs {
		positions[pair.Symbol] = core.PositionNone
	}
	return &MAStopStrategy{
		userID:    userID,
		cfg:       cfg,
		logger:    logger.WithField("strategy", MAStopStrategyName).WithField("user_id", userID),
		positions: positions,
	}, nil
}

func (s *MAStopStrategy) Name() string                   { return MAStopStrategyName }
func (s *MAStopStrategy) Config() *config.StrategyConfig { return s.cfg }

func (s *MAStopStrategy) PositionState(symbol string) core.PositionSide {
	s.mu.Lock()
	defer s.mu.Unlock()
	if side, ok := s.positions[symbol]; ok {
		return side
	}
	return core.PositionNone
}

func (s *MAStopStrategy) SetPositionState(symbol string, side core.PositionSide) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[symbol]; ok {
		s.positions[symbol] = side
	}
}

func (s *MAStopStrategy) OnIndicatorsCompleted(symbol string, results map[string]interface{}) *Signal {
	s.mu.Lock()
	state, configured := s.positions[symbol]
	s.mu.Unlock()
	if !configured {
		return nil
	}

	entry, ok := results[indicators.MAStopName].(map[string]interface{})
	if !ok {
		return nil
	}
	signal := core.PositionSide(event.GetString(entry, "signal"))
	price := event.GetFloat(event.GetMap(entry, "data"), "close")

	switch {
	case state == core.PositionNone && signal == core.PositionLong:
		return &Signal{Side: core.PositionLong, Action: core.ActionOpen, Price: price}
	case state == core.PositionNone && signal == core.PositionShort:
		return &Signal{Side: core.PositionShort, Action: core.ActionOpen, Price: price}
	case state == core.PositionLong && signal == core.PositionShort:
		return &Signal{Side: core.PositionLong, Action: core.ActionClose, Price: price}
	case state == core.PositionShort && signal == core.PositionLong:
		return &Signal{Side: core.PositionShort, Action: core.ActionClose, Price: price}
	default:
		// Same-direction signal while open, or no signal while flat.
		return nil
	}
}
