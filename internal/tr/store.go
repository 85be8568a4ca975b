package tr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "st_trading/pkg/errors"
)

const createTradingTables = `
CREATE TABLE IF NOT EXISTS trading_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	trading_mode TEXT NOT NULL,
	position_state TEXT NOT NULL,
	entry_side TEXT,
	entry_price REAL,
	entry_quantity REAL,
	exit_price REAL,
	total_profit REAL DEFAULT 0.0,
	created_at TEXT NOT NULL,
	opened_at TEXT,
	closed_at TEXT,
	grid_config TEXT,
	UNIQUE(user_id, symbol, created_at)
);
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	order_id TEXT NOT NULL UNIQUE,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	price REAL NOT NULL,
	quantity REAL NOT NULL,
	filled_quantity REAL DEFAULT 0,
	status TEXT NOT NULL,
	is_grid_order INTEGER DEFAULT 0,
	grid_pair_id TEXT,
	profit REAL DEFAULT 0,
	created_at TEXT NOT NULL,
	filled_at TEXT,
	FOREIGN KEY (task_id) REFERENCES trading_tasks(id)
);
CREATE TABLE IF NOT EXISTS profit_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	date TEXT NOT NULL,
	total_profit REAL DEFAULT 0,
	profit_count INTEGER DEFAULT 0,
	loss_count INTEGER DEFAULT 0,
	win_rate REAL DEFAULT 0,
	UNIQUE(user_id, symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_symbol ON trading_tasks(user_id, symbol);
CREATE INDEX IF NOT EXISTS idx_orders_task ON orders(task_id);
`

// Store persists trading tasks, their orders and daily profit stats to
// SQLite. It is the audit trail behind the in-memory task registry, so
// writes are best effort from the manager's point of view.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the trading database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(createTradingTables); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still reachable. Health probes
// call this.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TaskRow is one persisted trading task.
type TaskRow struct {
	ID            int64
	UserID        string
	Symbol        string
	TradingMode   string
	PositionState string
	EntrySide     string
	EntryPrice    float64
	EntryQuantity float64
	ExitPrice     float64
	TotalProfit   float64
	CreatedAt     string
	OpenedAt      string
	ClosedAt      string
	GridConfig    string
}

// InsertTask writes a freshly created task and returns its row id.
func (s *Store) InsertTask(ctx context.Context, t *TradingTask) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trading_tasks (user_id, symbol, trading_mode, position_state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.UserID(), t.Symbol(), string(t.Mode()), string(t.PositionState()),
		t.CreatedAt().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}
	return id, nil
}

// MarkTaskOpened records the filled entry on the task row.
func (s *Store) MarkTaskOpened(ctx context.Context, taskID int64, side string, entryPrice, entryQuantity float64, openedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trading_tasks
		 SET position_state = ?, entry_side = ?, entry_price = ?, entry_quantity = ?, opened_at = ?
		 WHERE id = ?`,
		side, side, entryPrice, entryQuantity, openedAt.Format(time.RFC3339Nano), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task opened: %w", err)
	}
	return nil
}

// MarkTaskClosed records the settled exit on the task row.
func (s *Store) MarkTaskClosed(ctx context.Context, taskID int64, exitPrice, totalProfit float64, closedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trading_tasks
		 SET position_state = ?, exit_price = ?, total_profit = ?, closed_at = ?
		 WHERE id = ?`,
		"NONE", exitPrice, totalProfit, closedAt.Format(time.RFC3339Nano), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task closed: %w", err)
	}
	return nil
}

// UpdateTaskProfit refreshes the running total after a grid pair pays
// out.
func (s *Store) UpdateTaskProfit(ctx context.Context, taskID int64, totalProfit float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trading_tasks SET total_profit = ? WHERE id = ?`, totalProfit, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task profit: %w", err)
	}
	return nil
}

// SaveGridSettings attaches the ladder band to the task row as JSON.
func (s *Store) SaveGridSettings(ctx context.Context, taskID int64, g GridSettings) error {
	blob, err := json.Marshal(map[string]interface{}{
		"upper_price": g.UpperPrice.InexactFloat64(),
		"lower_price": g.LowerPrice.InexactFloat64(),
		"grid_levels": g.Levels,
		"move_up":     g.MoveUp,
		"move_down":   g.MoveDown,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal grid settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE trading_tasks SET grid_config = ? WHERE id = ?`, string(blob), taskID); err != nil {
		return fmt.Errorf("failed to save grid settings: %w", err)
	}
	return nil
}

// InsertOrder writes an acknowledged order under its task.
func (s *Store) InsertOrder(ctx context.Context, taskID int64, rec *OrderRecord) error {
	isGrid := 0
	if rec.IsGridOrder {
		isGrid = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (task_id, order_id, symbol, side, order_type, price, quantity, filled_quantity, status, is_grid_order, grid_pair_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, fmt.Sprintf("%d", rec.OrderID), rec.Symbol, string(rec.Side), string(rec.Type),
		rec.Price.InexactFloat64(), rec.Quantity.InexactFloat64(), rec.FilledQuantity.InexactFloat64(),
		rec.Status, isGrid, rec.GridPairID, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus records a status transition on the order row.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string, filledQuantity float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_quantity = ? WHERE order_id = ?`,
		status, filledQuantity, fmt.Sprintf("%d", orderID))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// MarkOrderFilled finalizes the order row with its fill and any
// realized profit the fill produced.
func (s *Store) MarkOrderFilled(ctx context.Context, orderID int64, filledQuantity, profit float64, filledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_quantity = ?, profit = ?, filled_at = ? WHERE order_id = ?`,
		"FILLED", filledQuantity, profit, filledAt.Format(time.RFC3339Nano), fmt.Sprintf("%d", orderID))
	if err != nil {
		return fmt.Errorf("failed to mark order filled: %w", err)
	}
	return nil
}

// TaskFilter narrows QueryTasks. Zero values mean no constraint; Limit
// defaults to 100.
type TaskFilter struct {
	UserID string
	Symbol string
	Limit  int
}

// QueryTasks returns persisted tasks newest first.
func (s *Store) QueryTasks(ctx context.Context, filter TaskFilter) ([]TaskRow, error) {
	query := `SELECT id, user_id, symbol, trading_mode, position_state, entry_side,
		entry_price, entry_quantity, exit_price, total_profit, created_at, opened_at, closed_at, grid_config
		FROM trading_tasks WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var (
			row        TaskRow
			entrySide  sql.NullString
			entryPrice sql.NullFloat64
			entryQty   sql.NullFloat64
			exitPrice  sql.NullFloat64
			openedAt   sql.NullString
			closedAt   sql.NullString
			gridConfig sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.UserID, &row.Symbol, &row.TradingMode, &row.PositionState,
			&entrySide, &entryPrice, &entryQty, &exitPrice, &row.TotalProfit,
			&row.CreatedAt, &openedAt, &closedAt, &gridConfig); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		row.EntrySide = entrySide.String
		row.EntryPrice = entryPrice.Float64
		row.EntryQuantity = entryQty.Float64
		row.ExitPrice = exitPrice.Float64
		row.OpenedAt = openedAt.String
		row.ClosedAt = closedAt.String
		row.GridConfig = gridConfig.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return out, nil
}

// ProfitStatRow is one account-symbol-day aggregate.
type ProfitStatRow struct {
	UserID      string
	Symbol      string
	Date        string
	TotalProfit float64
	ProfitCount int
	LossCount   int
	WinRate     float64
}

// RecordProfit folds one realized result into the daily aggregate.
// Break-even results move the total without touching the counters.
func (s *Store) RecordProfit(ctx context.Context, userID, symbol, date string, profit float64) error {
	profitInc, lossInc := 0, 0
	switch {
	case profit > 0:
		profitInc = 1
	case profit < 0:
		lossInc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profit_stats (user_id, symbol, date, total_profit, profit_count, loss_count, win_rate)
		 VALUES (?, ?, ?, ?, ?, ?, CASE WHEN ? + ? > 0 THEN CAST(? AS REAL) / (? + ?) ELSE 0 END)
		 ON CONFLICT(user_id, symbol, date) DO UPDATE SET
			total_profit = profit_stats.total_profit + excluded.total_profit,
			profit_count = profit_stats.profit_count + excluded.profit_count,
			loss_count = profit_stats.loss_count + excluded.loss_count,
			win_rate = CASE
				WHEN profit_stats.profit_count + excluded.profit_count + profit_stats.loss_count + excluded.loss_count > 0
				THEN CAST(profit_stats.profit_count + excluded.profit_count AS REAL) /
					(profit_stats.profit_count + excluded.profit_count + profit_stats.loss_count + excluded.loss_count)
				ELSE 0 END`,
		userID, symbol, date, profit, profitInc, lossInc,
		profitInc, lossInc, profitInc, profitInc, lossInc)
	if err != nil {
		return fmt.Errorf("failed to record profit stat: %w", err)
	}
	return nil
}

// ProfitStat reads one daily aggregate.
func (s *Store) ProfitStat(ctx context.Context, userID, symbol, date string) (ProfitStatRow, error) {
	var row ProfitStatRow
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, symbol, date, total_profit, profit_count, loss_count, win_rate
		 FROM profit_stats WHERE user_id = ? AND symbol = ? AND date = ?`,
		userID, symbol, date).
		Scan(&row.UserID, &row.Symbol, &row.Date, &row.TotalProfit, &row.ProfitCount, &row.LossCount, &row.WinRate)
	if err == sql.ErrNoRows {
		return ProfitStatRow{}, fmt.Errorf("no profit stat for %s/%s on %s: %w", userID, symbol, date, apperrors.ErrNotFound)
	}
	if err != nil {
		return ProfitStatRow{}, fmt.Errorf("failed to read profit stat: %w", err)
	}
	return row, nil
}
