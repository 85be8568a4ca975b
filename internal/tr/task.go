package tr

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"st_trading/internal/core"
	apperrors "st_trading/pkg/errors"
)

type intentKind int

const (
	intentEntry intentKind = iota + 1
	intentClose
	intentGrid
)

// orderIntent is what the task expects the exchange to acknowledge
// next. Order commands resolve synchronously on the bus, so at most one
// intent per task is in flight at a time; the acknowledgement handler
// consumes it to classify the resulting order id.
type orderIntent struct {
	kind      intentKind
	side      core.Side
	orderType core.OrderType
	price     decimal.Decimal
	quantity  decimal.Decimal
	pairID    string
}

// OrderRecord is the task's view of one submitted order.
type OrderRecord struct {
	OrderID        int64
	Symbol         string
	Side           core.Side
	Type           core.OrderType
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         string
	IsGridOrder    bool
	GridPairID     string
	Profit         decimal.Decimal
	CreatedAt      time.Time
	FilledAt       time.Time
}

// GridPair couples a buy rung with the sell rung one interval above it.
// When both legs fill the pair has realized the spread.
type GridPair struct {
	ID          string
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	Quantity    decimal.Decimal
	BuyOrderID  int64
	SellOrderID int64
	BuyFilled   bool
	SellFilled  bool
	Completed   bool
}

// GridSettings is the band the task's ladder was built on.
type GridSettings struct {
	UpperPrice decimal.Decimal
	LowerPrice decimal.Decimal
	Levels     int
	MoveUp     bool
	MoveDown   bool
}

// TradingTask is the per-user per-symbol trading state: the open
// position, every order the task has submitted, and the grid ladder
// bookkeeping. It is not safe for concurrent use; the owning manager
// serializes access with its own mutex.
type TradingTask struct {
	userID    string
	symbol    string
	mode      core.TradingMode
	createdAt time.Time

	position      core.PositionSide
	entrySide     core.PositionSide
	entryPrice    decimal.Decimal
	entryQuantity decimal.Decimal
	openedAt      time.Time
	closedAt      time.Time

	entryRequested bool
	entryOrderID   int64
	closeOrderID   int64

	pending *orderIntent

	orders map[int64]*OrderRecord
	pairs  map[string]*GridPair
	grid   *GridSettings

	realized    []decimal.Decimal
	totalProfit decimal.Decimal
}

func NewTradingTask(userID, symbol string, mode core.TradingMode) *TradingTask {
	return &TradingTask{
		userID:    userID,
		symbol:    symbol,
		mode:      mode,
		position:  core.PositionNone,
		createdAt: time.Now().UTC(),
		orders:    make(map[int64]*OrderRecord),
		pairs:     make(map[string]*GridPair),
	}
}

func (t *TradingTask) UserID() string         { return t.userID }
func (t *TradingTask) Symbol() string         { return t.symbol }
func (t *TradingTask) Mode() core.TradingMode { return t.mode }
func (t *TradingTask) CreatedAt() time.Time   { return t.createdAt }

func (t *TradingTask) IsPositionOpen() bool { return t.position != core.PositionNone }

func (t *TradingTask) PositionState() core.PositionSide { return t.position }
func (t *TradingTask) EntrySide() core.PositionSide     { return t.entrySide }
func (t *TradingTask) EntryPrice() decimal.Decimal      { return t.entryPrice }
func (t *TradingTask) EntryQuantity() decimal.Decimal   { return t.entryQuantity }
func (t *TradingTask) OpenedAt() time.Time              { return t.openedAt }
func (t *TradingTask) ClosedAt() time.Time              { return t.closedAt }
func (t *TradingTask) CloseOrderID() int64              { return t.closeOrderID }

// OpenPosition records a filled entry.
func (t *TradingTask) OpenPosition(side core.PositionSide, price, quantity decimal.Decimal) error {
	if t.IsPositionOpen() {
		return fmt.Errorf("task %s/%s already holds a %s position: %w", t.userID, t.symbol, t.position, apperrors.ErrPositionOpen)
	}
	if side != core.PositionLong && side != core.PositionShort {
		return fmt.Errorf("position side must be LONG or SHORT, got %q: %w", side, apperrors.ErrInvalidInput)
	}
	t.position = side
	t.entrySide = side
	t.entryPrice = price
	t.entryQuantity = quantity
	t.openedAt = time.Now().UTC()
	t.entryRequested = false
	return nil
}

// ClosePosition settles the open position at the exit price and returns
// the realized profit. Entry fields survive the close so the round trip
// stays reportable.
func (t *TradingTask) ClosePosition(exitPrice, feeRate decimal.Decimal) (decimal.Decimal, error) {
	if !t.IsPositionOpen() {
		return decimal.Zero, fmt.Errorf("task %s/%s: %w", t.userID, t.symbol, apperrors.ErrNoPosition)
	}
	profit, err := OrderProfit(t.entryPrice, exitPrice, t.entryQuantity, t.entrySide, feeRate)
	if err != nil {
		return decimal.Zero, err
	}
	t.realized = append(t.realized, profit)
	t.totalProfit = t.totalProfit.Add(profit)
	t.position = core.PositionNone
	t.closedAt = time.Now().UTC()
	t.closeOrderID = 0
	return profit, nil
}

func (t *TradingTask) pushIntent(i *orderIntent) { t.pending = i }

func (t *TradingTask) takeIntent() *orderIntent {
	i := t.pending
	t.pending = nil
	return i
}

// RecordOrder indexes an acknowledged order and, for grid rungs,
// attaches the order id to its pair leg.
func (t *TradingTask) RecordOrder(rec *OrderRecord) {
	t.orders[rec.OrderID] = rec
	if !rec.IsGridOrder || rec.GridPairID == "" {
		return
	}
	pair, ok := t.pairs[rec.GridPairID]
	if !ok {
		return
	}
	if rec.Side == core.SideBuy {
		pair.BuyOrderID = rec.OrderID
	} else {
		pair.SellOrderID = rec.OrderID
	}
}

func (t *TradingTask) Order(orderID int64) *OrderRecord { return t.orders[orderID] }

// UpdateOrderStatus applies a status transition reported by the
// exchange stream. Unknown order ids are ignored.
func (t *TradingTask) UpdateOrderStatus(orderID int64, status string, filledQuantity decimal.Decimal) {
	rec, ok := t.orders[orderID]
	if !ok {
		return
	}
	rec.Status = status
	if filledQuantity.IsPositive() {
		rec.FilledQuantity = filledQuantity
	}
	if status == "FILLED" {
		rec.FilledAt = time.Now().UTC()
	}
}

// OpenGridOrderIDs lists grid orders still resting on the book, in
// ascending id order so cancellation runs deterministically.
func (t *TradingTask) OpenGridOrderIDs() []int64 {
	var ids []int64
	for id, rec := range t.orders {
		if !rec.IsGridOrder {
			continue
		}
		switch rec.Status {
		case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		default:
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *TradingTask) SetGridSettings(g GridSettings) { t.grid = &g }
func (t *TradingTask) Grid() *GridSettings            { return t.grid }

func (t *TradingTask) AddGridPair(p *GridPair) { t.pairs[p.ID] = p }
func (t *TradingTask) Pair(id string) *GridPair {
	return t.pairs[id]
}

// MarkGridFill marks the pair leg behind a filled grid order and
// returns the pair when this fill completed it.
func (t *TradingTask) MarkGridFill(orderID int64) *GridPair {
	rec, ok := t.orders[orderID]
	if !ok || !rec.IsGridOrder || rec.GridPairID == "" {
		return nil
	}
	pair, ok := t.pairs[rec.GridPairID]
	if !ok {
		return nil
	}
	if rec.Side == core.SideBuy {
		pair.BuyFilled = true
	} else {
		pair.SellFilled = true
	}
	if pair.BuyFilled && pair.SellFilled && !pair.Completed {
		pair.Completed = true
		return pair
	}
	return nil
}

// AddRealizedProfit folds a grid pair result into the task totals.
func (t *TradingTask) AddRealizedProfit(profit decimal.Decimal) {
	t.realized = append(t.realized, profit)
	t.totalProfit = t.totalProfit.Add(profit)
}

func (t *TradingTask) TotalProfit() decimal.Decimal { return t.totalProfit }

// RealizedProfits returns a copy of the realized results in order.
func (t *TradingTask) RealizedProfits() []decimal.Decimal {
	out := make([]decimal.Decimal, len(t.realized))
	copy(out, t.realized)
	return out
}
