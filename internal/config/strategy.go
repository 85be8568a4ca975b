package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"st_trading/internal/core"
)

// StrategyConfig is the per-user strategy definition loaded from
// config/strategies/<user_id>/<strategy_name>.json.
type StrategyConfig struct {
	Timeframe    string        `json:"timeframe"`
	Leverage     int           `json:"leverage"`
	PositionSide string        `json:"position_side"`
	MarginMode   string        `json:"margin_mode"`
	MarginType   string        `json:"margin_type"`
	TradingPairs []TradingPair `json:"trading_pairs"`
	Reverse      bool          `json:"reverse"`
	GridTrading  GridConfig    `json:"grid_trading"`
}

// TradingPair binds a symbol to the indicators evaluated on it.
// IndicatorParams is keyed by indicator name; the parameter bags are
// passed through to the indicator constructors untouched.
type TradingPair struct {
	Symbol          string                            `json:"symbol"`
	IndicatorParams map[string]map[string]interface{} `json:"indicator_params"`
}

// GridConfig controls grid-ladder trading for a strategy. UpperBand and
// LowerBand are multipliers applied to the entry price to place the
// ladder bounds.
type GridConfig struct {
	Enabled    bool    `json:"enabled"`
	GridType   string  `json:"grid_type"` // "normal" or "abnormal"
	Ratio      float64 `json:"ratio"`
	GridLevels int     `json:"grid_levels"`
	UpperBand  float64 `json:"upper_band"`
	LowerBand  float64 `json:"lower_band"`
	MoveUp     bool    `json:"move_up"`
	MoveDown   bool    `json:"move_down"`
}

// Mode classifies the grid config into a trading mode. Disabled grids
// trade without a ladder; a normal grid with the full capital ratio
// enters through the ladder itself; everything else market-enters with
// a partial ratio and ladders the remainder.
func (g GridConfig) Mode() core.TradingMode {
	if !g.Enabled {
		return core.ModeNoGrid
	}
	if g.GridType == "normal" && g.Ratio == 1.0 {
		return core.ModeNormalGrid
	}
	return core.ModeAbnormalGrid
}

// StrategyConfigPath builds the conventional location of a user's
// strategy file under the strategy directory.
func StrategyConfigPath(dir, userID, strategyName string) string {
	return filepath.Join(dir, userID, strategyName+".json")
}

// LoadStrategyConfig reads, parses, and validates one strategy file.
func LoadStrategyConfig(dir, userID, strategyName string) (*StrategyConfig, error) {
	path := StrategyConfigPath(dir, userID, strategyName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy config: %w", err)
	}

	var cfg StrategyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse strategy config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("strategy config %s: %w", path, err)
	}

	return &cfg, nil
}

func (s *StrategyConfig) applyDefaults() {
	if !s.GridTrading.Enabled {
		return
	}
	if s.GridTrading.GridType == "" {
		s.GridTrading.GridType = "normal"
	}
	if s.GridTrading.Ratio == 0 {
		s.GridTrading.Ratio = 1.0
	}
	if s.GridTrading.GridLevels == 0 {
		s.GridTrading.GridLevels = 10
	}
	if s.GridTrading.UpperBand == 0 {
		s.GridTrading.UpperBand = 1.05
	}
	if s.GridTrading.LowerBand == 0 {
		s.GridTrading.LowerBand = 0.95
	}
}

// Validate checks the required strategy fields.
func (s *StrategyConfig) Validate() error {
	if strings.TrimSpace(s.Timeframe) == "" {
		return ValidationError{Field: "timeframe", Message: "timeframe is required"}
	}
	if s.Leverage < 1 {
		return ValidationError{Field: "leverage", Value: s.Leverage, Message: "leverage must be at least 1"}
	}
	if strings.TrimSpace(s.PositionSide) == "" {
		return ValidationError{Field: "position_side", Message: "position_side is required"}
	}
	if strings.TrimSpace(s.MarginMode) == "" {
		return ValidationError{Field: "margin_mode", Message: "margin_mode is required"}
	}
	if strings.TrimSpace(s.MarginType) == "" {
		return ValidationError{Field: "margin_type", Message: "margin_type is required"}
	}
	if len(s.TradingPairs) == 0 {
		return ValidationError{Field: "trading_pairs", Message: "at least one trading pair is required"}
	}
	for i, pair := range s.TradingPairs {
		if strings.TrimSpace(pair.Symbol) == "" {
			return ValidationError{
				Field:   fmt.Sprintf("trading_pairs[%d].symbol", i),
				Message: "symbol is required",
			}
		}
	}
	if s.GridTrading.Enabled {
		if s.GridTrading.GridType != "normal" && s.GridTrading.GridType != "abnormal" {
			return ValidationError{
				Field:   "grid_trading.grid_type",
				Value:   s.GridTrading.GridType,
				Message: "must be one of: normal, abnormal",
			}
		}
		if s.GridTrading.Ratio <= 0 || s.GridTrading.Ratio > 1 {
			return ValidationError{
				Field:   "grid_trading.ratio",
				Value:   s.GridTrading.Ratio,
				Message: "must be in (0, 1]",
			}
		}
		if s.GridTrading.GridLevels < 1 {
			return ValidationError{
				Field:   "grid_trading.grid_levels",
				Value:   s.GridTrading.GridLevels,
				Message: "must be positive",
			}
		}
		if s.GridTrading.UpperBand <= s.GridTrading.LowerBand {
			return ValidationError{
				Field:   "grid_trading.upper_band",
				Value:   s.GridTrading.UpperBand,
				Message: "must be greater than lower_band",
			}
		}
	}
	return nil
}

// Symbols returns the configured trading-pair symbols in order.
func (s *StrategyConfig) Symbols() []string {
	symbols := make([]string, 0, len(s.TradingPairs))
	for _, pair := range s.TradingPairs {
		symbols = append(symbols, pair.Symbol)
	}
	return symbols
}
