// Package tr is the trading module. It turns strategy signals into
// exchange order commands, sizes positions from reported balances,
// builds grid ladders, and tracks per-account tasks from entry fill to
// realized profit.
package tr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"st_trading/internal/config"
	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/pkg/telemetry"
)

// Options configure the trading manager. The store is optional: without
// it the manager runs purely in memory.
type Options struct {
	StrategyDir string
	Store       *Store
	FeeRate     decimal.Decimal
}

type taskKey struct {
	userID string
	symbol string
}

// Manager owns the per-account capital managers and per-symbol trading
// tasks. Task state is guarded by the manager mutex; the lock is never
// held across a bus publish because order commands resolve their
// acknowledgement handlers synchronously on this same manager.
type Manager struct {
	bus    *event.Bus
	logger core.ILogger
	opts   Options

	precision *PrecisionHandler

	mu       sync.Mutex
	configs  map[string]*config.StrategyConfig
	capitals map[string]*CapitalManager
	tasks    map[taskKey]*TradingTask
	taskIDs  map[taskKey]int64
}

func NewManager(bus *event.Bus, logger core.ILogger, opts Options) *Manager {
	if opts.StrategyDir == "" {
		opts.StrategyDir = config.DefaultStrategyDir
	}
	if !opts.FeeRate.IsPositive() {
		opts.FeeRate = DefaultFeeRate
	}
	return &Manager{
		bus:       bus,
		logger:    logger.WithField("component", "tr_manager"),
		opts:      opts,
		precision: NewPrecisionHandler(),
		configs:   make(map[string]*config.StrategyConfig),
		capitals:  make(map[string]*CapitalManager),
		tasks:     make(map[taskKey]*TradingTask),
		taskIDs:   make(map[taskKey]int64),
	}
}

// Start subscribes the manager's handlers and announces it.
func (m *Manager) Start(ctx context.Context) {
	m.bus.Subscribe(InputAccountLoaded, "tr.account_loaded", m.onAccountLoaded)
	m.bus.Subscribe(InputAccountBalance, "tr.account_balance", m.onAccountBalance)
	m.bus.Subscribe(InputSignalGenerated, "tr.signal_generated", m.onSignalGenerated)
	m.bus.Subscribe(InputGridCreate, "tr.grid_create", m.onGridCreate)
	m.bus.Subscribe(InputOrderSubmitted, "tr.order_submitted", m.onOrderSubmitted)
	m.bus.Subscribe(InputOrderFilled, "tr.order_filled", m.onOrderFilled)
	m.bus.Subscribe(InputOrderUpdate, "tr.order_update", m.onOrderUpdate)
	m.bus.Subscribe(InputOrderCancelled, "tr.order_cancelled", m.onOrderCancelled)
	m.bus.Subscribe(InputOrderFailed, "tr.order_failed", m.onOrderFailed)

	m.mu.Lock()
	users := len(m.capitals)
	m.mu.Unlock()
	m.logger.Info("trading manager started", "user_count", users)
	m.publish(ctx, SubjectManagerStarted, map[string]interface{}{
		"user_count": users,
	})
}

// Shutdown announces the stop. Open tasks stay persisted for the next
// run; the announcement skips the store because it usually closes right
// behind us.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	taskCount := len(m.tasks)
	m.mu.Unlock()

	m.logger.Info("shutting down", "task_count", taskCount)
	if err := m.bus.Publish(ctx, event.New(SubjectManagerShutdown, map[string]interface{}{
		"task_count": taskCount,
		"message":    "trading manager shut down",
	}, "tr"), event.WithPersist(false)); err != nil {
		m.logger.Error("failed to announce shutdown", "error", err)
	}
}

// Task returns the live task for (user, symbol), or nil.
func (m *Manager) Task(userID, symbol string) *TradingTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskKey{userID, symbol}]
}

// Capital returns the capital manager for a user, or nil.
func (m *Manager) Capital(userID string) *CapitalManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capitals[userID]
}

// Precision exposes the symbol filter table so exchange filters can be
// registered at wiring time.
func (m *Manager) Precision() *PrecisionHandler { return m.precision }

func (m *Manager) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Manager) onAccountLoaded(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	strategyName := event.GetString(evt.Data, "strategy")

	cfg, err := config.LoadStrategyConfig(m.opts.StrategyDir, userID, strategyName)
	if err != nil {
		m.logger.Error("strategy config load failed, account will not trade",
			"user_id", userID, "strategy", strategyName, "error", err)
		return nil
	}

	capital := NewCapitalManager(userID, cfg.Leverage, cfg.MarginType)
	m.mu.Lock()
	m.configs[userID] = cfg
	m.capitals[userID] = capital
	m.mu.Unlock()

	m.logger.Info("account registered for trading", "user_id", userID,
		"leverage", capital.Leverage(), "margin_type", capital.MarginType(),
		"pairs", len(cfg.TradingPairs))

	m.publish(ctx, SubjectGetAccountBalance, map[string]interface{}{
		"user_id": userID,
		"asset":   capital.MarginType(),
	})
	return nil
}

func (m *Manager) onAccountBalance(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")

	m.mu.Lock()
	capital := m.capitals[userID]
	m.mu.Unlock()
	if capital == nil {
		m.logger.Warn("balance for unregistered account", "user_id", userID)
		return nil
	}

	available := event.GetFloat(evt.Data, "available_balance")
	total := event.GetFloat(evt.Data, "balance")
	capital.UpdateBalance(decimal.NewFromFloat(available), decimal.NewFromFloat(total))
	m.logger.Info("balance updated", "user_id", userID,
		"available", available, "total", total)
	return nil
}

func (m *Manager) onSignalGenerated(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	side := core.PositionSide(event.GetString(evt.Data, "side"))
	action := core.SignalAction(event.GetString(evt.Data, "action"))
	price := event.GetFloat(evt.Data, "price")

	switch action {
	case core.ActionOpen:
		return m.handleEntrySignal(ctx, userID, symbol, side, price)
	case core.ActionClose:
		return m.handleExitSignal(ctx, userID, symbol)
	default:
		m.logger.Warn("ignoring signal with unknown action",
			"user_id", userID, "symbol", symbol, "action", action)
		return nil
	}
}

func (m *Manager) handleEntrySignal(ctx context.Context, userID, symbol string, side core.PositionSide, price float64) error {
	if side != core.PositionLong && side != core.PositionShort {
		m.logger.Warn("open signal without a direction", "user_id", userID, "symbol", symbol, "side", side)
		return nil
	}

	m.mu.Lock()
	cfg := m.configs[userID]
	capital := m.capitals[userID]
	if cfg == nil || capital == nil {
		m.mu.Unlock()
		m.logger.Warn("signal for unregistered account", "user_id", userID, "symbol", symbol)
		return nil
	}

	task, created := m.ensureTaskLocked(ctx, userID, symbol, cfg)
	if task.IsPositionOpen() {
		m.mu.Unlock()
		m.logger.Debug("open signal ignored, position already open",
			"user_id", userID, "symbol", symbol, "side", task.PositionState())
		return nil
	}
	if task.entryRequested {
		m.mu.Unlock()
		m.logger.Debug("open signal ignored, entry already in flight",
			"user_id", userID, "symbol", symbol)
		return nil
	}

	if task.Mode() == core.ModeNormalGrid {
		m.mu.Unlock()
		if created {
			m.publishTaskCreated(ctx, userID, symbol, task.Mode())
		}
		m.logger.Info("normal grid entry enters through the ladder",
			"user_id", userID, "symbol", symbol)
		return nil
	}

	if price <= 0 {
		m.mu.Unlock()
		m.logger.Error("open signal carried no usable price, cannot size entry",
			"user_id", userID, "symbol", symbol)
		return nil
	}
	entry := decimal.NewFromFloat(price)

	margin, err := capital.MarginPerSymbol(len(cfg.TradingPairs))
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("cannot allocate margin", "user_id", userID, "symbol", symbol, "error", err)
		return nil
	}
	ratio := 1.0
	if task.Mode() == core.ModeAbnormalGrid {
		ratio = cfg.GridTrading.Ratio
	}
	size, err := capital.PositionSize(margin, entry, ratio)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("cannot size position", "user_id", userID, "symbol", symbol, "error", err)
		return nil
	}
	quantity := m.precision.RoundQuantity(symbol, size)
	if err := m.precision.ValidateOrder(symbol, m.precision.RoundPrice(symbol, entry), quantity); err != nil {
		m.mu.Unlock()
		m.logger.Error("entry rejected by symbol filters",
			"user_id", userID, "symbol", symbol, "quantity", quantity, "error", err)
		return nil
	}

	orderSide := core.SideBuy
	if side == core.PositionShort {
		orderSide = core.SideSell
	}
	task.entryRequested = true
	task.pushIntent(&orderIntent{
		kind:      intentEntry,
		side:      orderSide,
		orderType: core.OrderTypeMarket,
		quantity:  quantity,
	})
	mode := task.Mode()
	m.mu.Unlock()

	if created {
		m.publishTaskCreated(ctx, userID, symbol, mode)
	}
	m.logger.Info("submitting entry order", "user_id", userID, "symbol", symbol,
		"side", orderSide, "quantity", quantity, "mode", mode, "ratio", ratio)
	m.publish(ctx, SubjectOrderCreate, map[string]interface{}{
		"user_id":    userID,
		"symbol":     symbol,
		"side":       string(orderSide),
		"order_type": string(core.OrderTypeMarket),
		"quantity":   quantity.InexactFloat64(),
	})
	return nil
}

func (m *Manager) handleExitSignal(ctx context.Context, userID, symbol string) error {
	m.mu.Lock()
	task := m.tasks[taskKey{userID, symbol}]
	if task == nil || !task.IsPositionOpen() {
		m.mu.Unlock()
		m.logger.Warn("close signal without an open position", "user_id", userID, "symbol", symbol)
		return nil
	}
	if task.CloseOrderID() != 0 || (task.pending != nil && task.pending.kind == intentClose) {
		m.mu.Unlock()
		m.logger.Debug("close already in flight", "user_id", userID, "symbol", symbol)
		return nil
	}

	gridOrders := task.OpenGridOrderIDs()
	quantity := task.EntryQuantity()
	orderSide := core.SideSell
	if task.EntrySide() == core.PositionShort {
		orderSide = core.SideBuy
	}
	task.pushIntent(&orderIntent{
		kind:      intentClose,
		side:      orderSide,
		orderType: core.OrderTypeMarket,
		quantity:  quantity,
	})
	m.mu.Unlock()

	for _, orderID := range gridOrders {
		m.publish(ctx, SubjectOrderCancel, map[string]interface{}{
			"user_id":  userID,
			"symbol":   symbol,
			"order_id": orderID,
		})
	}
	m.logger.Info("closing position", "user_id", userID, "symbol", symbol,
		"side", orderSide, "quantity", quantity, "cancelled_grid_orders", len(gridOrders))
	m.publish(ctx, SubjectOrderCreate, map[string]interface{}{
		"user_id":    userID,
		"symbol":     symbol,
		"side":       string(orderSide),
		"order_type": string(core.OrderTypeMarket),
		"quantity":   quantity.InexactFloat64(),
	})
	return nil
}

// plannedRung is a validated ladder slot ready for submission. The raw
// pre-quantization price keeps pair alignment exact.
type plannedRung struct {
	side   core.Side
	raw    decimal.Decimal
	price  decimal.Decimal
	qty    decimal.Decimal
	pairID string
}

func (m *Manager) onGridCreate(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	entry := decimal.NewFromFloat(event.GetFloat(evt.Data, "entry_price"))
	upper := decimal.NewFromFloat(event.GetFloat(evt.Data, "upper_price"))
	lower := decimal.NewFromFloat(event.GetFloat(evt.Data, "lower_price"))
	levels := int(event.GetInt64(evt.Data, "grid_levels"))
	moveUp := event.GetBool(evt.Data, "move_up")
	moveDown := event.GetBool(evt.Data, "move_down")

	m.mu.Lock()
	key := taskKey{userID, symbol}
	task := m.tasks[key]
	if task == nil {
		m.mu.Unlock()
		m.logger.Error("grid request for unknown task", "user_id", userID, "symbol", symbol)
		return nil
	}
	cfg := m.configs[userID]
	capital := m.capitals[userID]
	if cfg == nil || capital == nil {
		m.mu.Unlock()
		m.logger.Error("grid request for unregistered account", "user_id", userID, "symbol", symbol)
		return nil
	}
	if task.Mode() == core.ModeNoGrid {
		m.mu.Unlock()
		m.logger.Warn("grid request for a no-grid task", "user_id", userID, "symbol", symbol)
		return nil
	}

	// Producers that omit the band get the configured ratios.
	if !upper.IsPositive() || !lower.IsPositive() {
		upper = entry.Mul(decimal.NewFromFloat(cfg.GridTrading.UpperBand))
		lower = entry.Mul(decimal.NewFromFloat(cfg.GridTrading.LowerBand))
	}
	if levels <= 0 {
		levels = cfg.GridTrading.GridLevels
	}

	interval, err := GridInterval(upper, lower, levels)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("invalid grid band", "user_id", userID, "symbol", symbol,
			"upper", upper, "lower", lower, "levels", levels, "error", err)
		return nil
	}
	task.SetGridSettings(GridSettings{
		UpperPrice: upper,
		LowerPrice: lower,
		Levels:     levels,
		MoveUp:     moveUp,
		MoveDown:   moveDown,
	})

	margin, err := capital.MarginPerSymbol(len(cfg.TradingPairs))
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("cannot allocate grid margin", "user_id", userID, "symbol", symbol, "error", err)
		return nil
	}

	var rungs []Rung
	switch task.Mode() {
	case core.ModeNormalGrid:
		// The full ladder is the entry; the first fill opens the position.
		total, sizeErr := capital.PositionSize(margin, entry, 1.0)
		if sizeErr != nil {
			err = sizeErr
			break
		}
		rungs, err = SymmetricGrid(entry, upper, lower, levels, total)

	case core.ModeAbnormalGrid:
		if !task.IsPositionOpen() {
			m.mu.Unlock()
			m.logger.Warn("ladder request before entry fill", "user_id", userID, "symbol", symbol)
			return nil
		}
		remaining := 1.0 - cfg.GridTrading.Ratio
		if remaining <= 0 {
			m.mu.Unlock()
			m.logger.Warn("no capital remaining for ladder", "user_id", userID,
				"symbol", symbol, "entry_ratio", cfg.GridTrading.Ratio)
			return nil
		}
		anchor := task.EntryPrice()
		total, sizeErr := capital.PositionSize(margin, anchor, remaining)
		if sizeErr != nil {
			err = sizeErr
			break
		}
		var all []Rung
		all, err = SymmetricGrid(anchor, upper, lower, levels, total)
		if err != nil {
			break
		}
		// Only the side opposite the entry rests on the book; rungs on
		// the entry side would cross the market and bounce as post-only.
		keep := core.SideSell
		if task.EntrySide() == core.PositionShort {
			keep = core.SideBuy
		}
		for _, r := range all {
			if r.Side == keep {
				rungs = append(rungs, r)
			}
		}
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("grid construction failed", "user_id", userID, "symbol", symbol, "error", err)
		return nil
	}

	planned := make([]*plannedRung, 0, len(rungs))
	for _, r := range rungs {
		price := m.precision.RoundPrice(symbol, r.Price)
		qty := m.precision.RoundQuantity(symbol, r.Quantity)
		if vErr := m.precision.ValidateOrder(symbol, price, qty); vErr != nil {
			m.logger.Warn("skipping grid rung", "user_id", userID, "symbol", symbol,
				"price", r.Price, "error", vErr)
			continue
		}
		planned = append(planned, &plannedRung{side: r.Side, raw: r.Price, price: price, qty: qty})
	}

	// Each buy rung pairs with the sell rung one interval above it when
	// that rung survived validation.
	pairCount := 0
	for _, buy := range planned {
		if buy.side != core.SideBuy {
			continue
		}
		target := buy.raw.Add(interval)
		for _, sell := range planned {
			if sell.side != core.SideSell || !sell.raw.Equal(target) {
				continue
			}
			pairID := fmt.Sprintf("%s_%d", symbol, pairCount)
			pairCount++
			buy.pairID = pairID
			sell.pairID = pairID
			task.AddGridPair(&GridPair{
				ID:        pairID,
				BuyPrice:  buy.price,
				SellPrice: sell.price,
				Quantity:  buy.qty,
			})
			break
		}
	}
	grid := *task.Grid()
	taskID := m.taskIDs[key]
	m.mu.Unlock()

	if m.opts.Store != nil && taskID != 0 {
		if sErr := m.opts.Store.SaveGridSettings(ctx, taskID, grid); sErr != nil {
			m.logger.Error("failed to persist grid settings", "user_id", userID, "symbol", symbol, "error", sErr)
		}
	}

	placed := 0
	totalQuantity := decimal.Zero
	for _, p := range planned {
		m.mu.Lock()
		task.pushIntent(&orderIntent{
			kind:      intentGrid,
			side:      p.side,
			orderType: core.OrderTypePostOnly,
			price:     p.price,
			quantity:  p.qty,
			pairID:    p.pairID,
		})
		m.mu.Unlock()
		m.publish(ctx, SubjectOrderCreate, map[string]interface{}{
			"user_id":    userID,
			"symbol":     symbol,
			"side":       string(p.side),
			"order_type": string(core.OrderTypePostOnly),
			"quantity":   p.qty.InexactFloat64(),
			"price":      p.price.InexactFloat64(),
		})
		placed++
		totalQuantity = totalQuantity.Add(p.qty)
	}

	if placed == 0 {
		m.logger.Warn("no grid rungs survived validation", "user_id", userID, "symbol", symbol)
		return nil
	}
	m.logger.Info("grid ladder placed", "user_id", userID, "symbol", symbol,
		"rungs", placed, "pairs", pairCount, "total_quantity", totalQuantity)
	m.publish(ctx, SubjectGridCreated, map[string]interface{}{
		"user_id":        userID,
		"symbol":         symbol,
		"grid_count":     placed,
		"total_quantity": totalQuantity.InexactFloat64(),
	})
	return nil
}

func (m *Manager) onOrderSubmitted(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	orderID := event.GetInt64(evt.Data, "order_id")

	m.mu.Lock()
	key := taskKey{userID, symbol}
	task := m.tasks[key]
	if task == nil {
		m.mu.Unlock()
		return nil
	}

	rec := &OrderRecord{
		OrderID:   orderID,
		Symbol:    symbol,
		Status:    "NEW",
		CreatedAt: time.Now().UTC(),
	}
	if intent := task.takeIntent(); intent != nil {
		rec.Side = intent.side
		rec.Type = intent.orderType
		rec.Price = intent.price
		rec.Quantity = intent.quantity
		rec.IsGridOrder = intent.kind == intentGrid
		rec.GridPairID = intent.pairID
		switch intent.kind {
		case intentEntry:
			task.entryOrderID = orderID
		case intentClose:
			task.closeOrderID = orderID
		}
	} else {
		rec.Side = core.Side(event.GetString(evt.Data, "side"))
		rec.Type = core.OrderType(event.GetString(evt.Data, "type"))
		rec.Price = decimal.NewFromFloat(event.GetFloat(evt.Data, "price"))
		rec.Quantity = decimal.NewFromFloat(event.GetFloat(evt.Data, "quantity"))
	}
	task.RecordOrder(rec)
	taskID := m.taskIDs[key]
	m.mu.Unlock()

	if m.opts.Store != nil && taskID != 0 {
		if err := m.opts.Store.InsertOrder(ctx, taskID, rec); err != nil {
			m.logger.Error("failed to persist order", "user_id", userID,
				"symbol", symbol, "order_id", orderID, "error", err)
		}
	}
	m.logger.Debug("order acknowledged", "user_id", userID, "symbol", symbol,
		"order_id", orderID, "side", rec.Side, "type", rec.Type)
	return nil
}

func (m *Manager) onOrderFilled(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	orderID := event.GetInt64(evt.Data, "order_id")
	price := event.GetFloat(evt.Data, "price")
	quantity := event.GetFloat(evt.Data, "quantity")
	priceD := decimal.NewFromFloat(price)
	quantityD := decimal.NewFromFloat(quantity)

	m.mu.Lock()
	key := taskKey{userID, symbol}
	task := m.tasks[key]
	if task == nil {
		m.mu.Unlock()
		m.logger.Debug("fill for unknown task", "user_id", userID, "symbol", symbol, "order_id", orderID)
		return nil
	}
	rec := task.Order(orderID)
	if rec != nil {
		task.UpdateOrderStatus(orderID, "FILLED", quantityD)
	}
	taskID := m.taskIDs[key]

	switch {
	case !task.IsPositionOpen():
		return m.handleEntryFillLocked(ctx, task, taskID, rec, orderID, priceD, quantityD)
	case rec != nil && orderID == task.CloseOrderID():
		return m.handleCloseFillLocked(ctx, task, taskID, orderID, priceD, quantityD)
	case rec != nil && rec.IsGridOrder:
		return m.handleGridFillLocked(ctx, task, taskID, rec, orderID, quantityD)
	default:
		m.mu.Unlock()
		m.logger.Warn("unmatched fill", "user_id", userID, "symbol", symbol,
			"order_id", orderID, "price", price, "quantity", quantity)
		return nil
	}
}

// handleEntryFillLocked opens the position from the first fill while
// flat. Called with the manager lock held; releases it before
// publishing.
func (m *Manager) handleEntryFillLocked(ctx context.Context, task *TradingTask, taskID int64, rec *OrderRecord, orderID int64, price, quantity decimal.Decimal) error {
	userID, symbol := task.UserID(), task.Symbol()
	if rec == nil {
		m.mu.Unlock()
		m.logger.Warn("fill for unknown order while flat, cannot classify",
			"user_id", userID, "symbol", symbol, "order_id", orderID)
		return nil
	}

	side := core.PositionLong
	if rec.Side == core.SideSell {
		side = core.PositionShort
	}
	if err := task.OpenPosition(side, price, quantity); err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to open position", "user_id", userID, "symbol", symbol, "error", err)
		return nil
	}
	if rec.IsGridOrder {
		// A normal-grid entry is itself a rung; its pair leg counts.
		task.MarkGridFill(orderID)
	}
	mode := task.Mode()
	openedAt := task.OpenedAt()
	m.mu.Unlock()

	if m.opts.Store != nil && taskID != 0 {
		if err := m.opts.Store.MarkTaskOpened(ctx, taskID, string(side), price.InexactFloat64(), quantity.InexactFloat64(), openedAt); err != nil {
			m.logger.Error("failed to persist opened position", "user_id", userID, "symbol", symbol, "error", err)
		}
		if err := m.opts.Store.MarkOrderFilled(ctx, orderID, quantity.InexactFloat64(), 0, openedAt); err != nil {
			m.logger.Error("failed to persist entry fill", "user_id", userID, "symbol", symbol, "error", err)
		}
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.PositionsOpenedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("symbol", symbol),
	))
	metrics.SetOpenPosition(userID, symbol, quantity.InexactFloat64())

	m.logger.Info("position opened", "user_id", userID, "symbol", symbol,
		"side", side, "entry_price", price, "quantity", quantity, "mode", mode)
	m.publish(ctx, SubjectPositionOpened, map[string]interface{}{
		"user_id":     userID,
		"symbol":      symbol,
		"side":        string(side),
		"entry_price": price.InexactFloat64(),
		"quantity":    quantity.InexactFloat64(),
		"mode":        string(mode),
	})
	return nil
}

// handleCloseFillLocked settles the position against the close order's
// fill. Called with the manager lock held; releases it before
// publishing.
func (m *Manager) handleCloseFillLocked(ctx context.Context, task *TradingTask, taskID, orderID int64, price, quantity decimal.Decimal) error {
	userID, symbol := task.UserID(), task.Symbol()
	openedAt := task.OpenedAt()
	entrySide := task.EntrySide()

	profit, err := task.ClosePosition(price, m.opts.FeeRate)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to close position", "user_id", userID, "symbol", symbol, "error", err)
		return nil
	}
	total := task.TotalProfit()
	closedAt := task.ClosedAt()
	m.mu.Unlock()

	if m.opts.Store != nil && taskID != 0 {
		if sErr := m.opts.Store.MarkTaskClosed(ctx, taskID, price.InexactFloat64(), total.InexactFloat64(), closedAt); sErr != nil {
			m.logger.Error("failed to persist closed position", "user_id", userID, "symbol", symbol, "error", sErr)
		}
		if sErr := m.opts.Store.MarkOrderFilled(ctx, orderID, quantity.InexactFloat64(), profit.InexactFloat64(), closedAt); sErr != nil {
			m.logger.Error("failed to persist close fill", "user_id", userID, "symbol", symbol, "error", sErr)
		}
		if sErr := m.opts.Store.RecordProfit(ctx, userID, symbol, closedAt.Format("2006-01-02"), profit.InexactFloat64()); sErr != nil {
			m.logger.Error("failed to record profit stat", "user_id", userID, "symbol", symbol, "error", sErr)
		}
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.PositionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("symbol", symbol),
	))
	metrics.RealizedPnLTotal.Add(ctx, profit.InexactFloat64(), metric.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("symbol", symbol),
	))
	metrics.SetOpenPosition(userID, symbol, 0)

	m.logger.Info("position closed", "user_id", userID, "symbol", symbol,
		"side", entrySide, "exit_price", price, "profit", profit)
	m.publish(ctx, SubjectPositionClosed, map[string]interface{}{
		"user_id":    userID,
		"symbol":     symbol,
		"side":       string(entrySide),
		"exit_price": price.InexactFloat64(),
		"profit":     profit.InexactFloat64(),
	})
	m.publish(ctx, SubjectTaskCompleted, map[string]interface{}{
		"user_id":  userID,
		"symbol":   symbol,
		"pnl":      total.InexactFloat64(),
		"duration": closedAt.Sub(openedAt).Seconds(),
	})
	return nil
}

// handleGridFillLocked marks the rung's pair leg and realizes the pair
// spread when both legs have filled. Called with the manager lock held;
// releases it before publishing.
func (m *Manager) handleGridFillLocked(ctx context.Context, task *TradingTask, taskID int64, rec *OrderRecord, orderID int64, quantity decimal.Decimal) error {
	userID, symbol := task.UserID(), task.Symbol()
	filledAt := time.Now().UTC()

	pair := task.MarkGridFill(orderID)
	var pairProfit decimal.Decimal
	if pair != nil {
		var err error
		pairProfit, err = GridPairProfit(pair.BuyPrice, pair.SellPrice, pair.Quantity, m.opts.FeeRate)
		if err != nil {
			m.mu.Unlock()
			m.logger.Error("grid pair profit failed", "user_id", userID, "symbol", symbol,
				"pair_id", pair.ID, "error", err)
			return nil
		}
		task.AddRealizedProfit(pairProfit)
		rec.Profit = pairProfit
	}
	total := task.TotalProfit()
	m.mu.Unlock()

	if m.opts.Store != nil && taskID != 0 {
		if err := m.opts.Store.MarkOrderFilled(ctx, orderID, quantity.InexactFloat64(), pairProfit.InexactFloat64(), filledAt); err != nil {
			m.logger.Error("failed to persist grid fill", "user_id", userID, "symbol", symbol, "error", err)
		}
	}

	if pair == nil {
		m.logger.Debug("grid rung filled", "user_id", userID, "symbol", symbol, "order_id", orderID)
		return nil
	}

	if m.opts.Store != nil && taskID != 0 {
		if err := m.opts.Store.UpdateTaskProfit(ctx, taskID, total.InexactFloat64()); err != nil {
			m.logger.Error("failed to persist task profit", "user_id", userID, "symbol", symbol, "error", err)
		}
		if err := m.opts.Store.RecordProfit(ctx, userID, symbol, filledAt.Format("2006-01-02"), pairProfit.InexactFloat64()); err != nil {
			m.logger.Error("failed to record profit stat", "user_id", userID, "symbol", symbol, "error", err)
		}
	}
	telemetry.GetGlobalMetrics().RealizedPnLTotal.Add(ctx, pairProfit.InexactFloat64(), metric.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("symbol", symbol),
	))
	m.logger.Info("grid pair completed", "user_id", userID, "symbol", symbol,
		"pair_id", pair.ID, "buy_price", pair.BuyPrice, "sell_price", pair.SellPrice,
		"profit", pairProfit)
	return nil
}

func (m *Manager) onOrderUpdate(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	orderID := event.GetInt64(evt.Data, "order_id")
	status := event.GetString(evt.Data, "status")
	filled := event.GetFloat(evt.Data, "filled_quantity")

	// Terminal fills run through the dedicated fill handler.
	if status == "FILLED" {
		return nil
	}

	m.mu.Lock()
	task := m.tasks[taskKey{userID, symbol}]
	if task == nil {
		m.mu.Unlock()
		return nil
	}
	task.UpdateOrderStatus(orderID, status, decimal.NewFromFloat(filled))
	m.mu.Unlock()

	m.logger.Debug("order update", "user_id", userID, "symbol", symbol,
		"order_id", orderID, "status", status, "filled_quantity", filled)
	return nil
}

func (m *Manager) onOrderCancelled(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	orderID := event.GetInt64(evt.Data, "order_id")

	m.mu.Lock()
	task := m.tasks[taskKey{userID, symbol}]
	if task == nil {
		m.mu.Unlock()
		return nil
	}
	task.UpdateOrderStatus(orderID, "CANCELED", decimal.Zero)
	var filled float64
	if rec := task.Order(orderID); rec != nil {
		filled = rec.FilledQuantity.InexactFloat64()
	}
	m.mu.Unlock()

	if m.opts.Store != nil {
		if err := m.opts.Store.UpdateOrderStatus(ctx, orderID, "CANCELED", filled); err != nil {
			m.logger.Error("failed to persist cancellation", "user_id", userID,
				"symbol", symbol, "order_id", orderID, "error", err)
		}
	}
	m.logger.Debug("order cancelled", "user_id", userID, "symbol", symbol, "order_id", orderID)
	return nil
}

func (m *Manager) onOrderFailed(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	errMsg := event.GetString(evt.Data, "error")

	m.mu.Lock()
	task := m.tasks[taskKey{userID, symbol}]
	if task == nil {
		m.mu.Unlock()
		return nil
	}
	intent := task.takeIntent()
	if intent != nil && intent.kind == intentEntry {
		task.entryRequested = false
	}
	m.mu.Unlock()

	if intent != nil {
		m.logger.Warn("order submission failed", "user_id", userID, "symbol", symbol,
			"side", intent.side, "type", intent.orderType, "error", errMsg)
	} else {
		m.logger.Warn("order operation failed", "user_id", userID, "symbol", symbol, "error", errMsg)
	}
	return nil
}

// ensureTaskLocked returns the task for (user, symbol), creating and
// persisting it on first use. Caller holds the manager lock.
func (m *Manager) ensureTaskLocked(ctx context.Context, userID, symbol string, cfg *config.StrategyConfig) (*TradingTask, bool) {
	key := taskKey{userID, symbol}
	if task := m.tasks[key]; task != nil {
		return task, false
	}
	task := NewTradingTask(userID, symbol, cfg.GridTrading.Mode())
	m.tasks[key] = task
	if m.opts.Store != nil {
		if id, err := m.opts.Store.InsertTask(ctx, task); err != nil {
			m.logger.Error("failed to persist task", "user_id", userID, "symbol", symbol, "error", err)
		} else {
			m.taskIDs[key] = id
		}
	}
	return task, true
}

func (m *Manager) publishTaskCreated(ctx context.Context, userID, symbol string, mode core.TradingMode) {
	m.logger.Info("trading task created", "user_id", userID, "symbol", symbol, "mode", mode)
	m.publish(ctx, SubjectTaskCreated, map[string]interface{}{
		"user_id": userID,
		"symbol":  symbol,
		"mode":    string(mode),
	})
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := m.bus.Publish(ctx, event.New(subject, data, "tr")); err != nil {
		m.logger.Error("publish failed", "subject", subject, "error", err)
	}
}
