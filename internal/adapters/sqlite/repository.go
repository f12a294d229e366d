package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"autotrader/internal/domain"
	"autotrader/internal/ports"
)

// Repository implements the ports.TradeStore, ports.SettingsStore and
// ports.CapitalStore interfaces using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

var (
	_ ports.TradeStore    = (*Repository)(nil)
	_ ports.SettingsStore = (*Repository)(nil)
	_ ports.CapitalStore  = (*Repository)(nil)
)

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (creating if needed) the database at cfg.DBPath and
// bootstraps the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	ctx := context.Background()
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/autotrader.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer; SQLite serializes internally anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := NewRepositoryFromDB(db, cfg.Logger)
	if err := repo.initializeSchema(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(ctx, "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

// NewRepositoryFromDB wraps an already opened database. The schema is not touched.
func NewRepositoryFromDB(db *sql.DB, logger ports.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 1,
		margin REAL NOT NULL DEFAULT 0,
		pnl REAL DEFAULT NULL,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		virtual INTEGER NOT NULL DEFAULT 1,
		strategy TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capital (
		mode TEXT PRIMARY KEY,
		capital REAL NOT NULL,
		available REAL NOT NULL,
		used REAL NOT NULL,
		start_balance REAL NOT NULL,
		currency TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_status_virtual ON trades (status, virtual);
	CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades (opened_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- TradeStore Implementation ---

const tradeColumns = `order_id, symbol, side, quantity, entry_price, exit_price, stop_loss, take_profit,
	leverage, margin, pnl, unrealized_pnl, status, virtual, strategy, opened_at, closed_at`

// AddTrade saves a new open trade keyed by its order ID.
func (r *Repository) AddTrade(ctx context.Context, t *domain.Trade) error {
	op := "AddTrade"
	const query = `INSERT INTO trades (` + tradeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, nullFloat(t.ExitPrice), t.StopLoss, t.TakeProfit,
		t.Leverage, t.Margin, nullFloat(t.PNL), t.UnrealizedPNL, string(t.Status), t.Virtual, t.Strategy,
		t.OpenedAt.UTC(), nullTime(t.ClosedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s failed: %w: order %s", op, ports.ErrDuplicateEntry, t.ID)
		}
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"orderID": t.ID, "symbol": t.Symbol, "virtual": t.Virtual})
	return nil
}

// CloseTrade marks an open trade closed. Closing a closed trade returns false, nil.
func (r *Repository) CloseTrade(ctx context.Context, orderID string, exitPrice, pnl float64) (bool, error) {
	op := "CloseTrade"
	t, err := r.GetTradeByID(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("%s failed: %w", op, err)
	}
	if err := t.Close(exitPrice, pnl, time.Now().UTC()); err != nil {
		r.logger.Debug(ctx, "Trade already closed", map[string]interface{}{"orderID": orderID})
		return false, nil
	}

	// the status guard keeps a concurrent close from rewriting the record
	const query = `
	UPDATE trades
	SET exit_price = ?, pnl = ?, unrealized_pnl = ?, status = ?, closed_at = ?
	WHERE order_id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		nullFloat(t.ExitPrice), nullFloat(t.PNL), t.UnrealizedPNL, string(t.Status), nullTime(t.ClosedAt), orderID, string(domain.StatusOpen))
	if err != nil {
		return false, fmt.Errorf("%s failed: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s failed: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	if n == 0 {
		r.logger.Debug(ctx, "Trade closed concurrently", map[string]interface{}{"orderID": orderID})
		return false, nil
	}
	r.logger.Debug(ctx, "Trade closed", map[string]interface{}{"orderID": orderID, "exitPrice": exitPrice, "pnl": pnl})
	return true, nil
}

// GetTrades lists trades matching filter ordered by open time ascending.
func (r *Repository) GetTrades(ctx context.Context, f ports.TradeFilter) ([]*domain.Trade, error) {
	op := "GetTrades"
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Virtual != nil {
		where = append(where, "virtual = ?")
		args = append(args, *f.Virtual)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if !f.Since.IsZero() {
		where = append(where, "opened_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at ASC, order_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%s failed: scanning trade: %w: %w", op, ports.ErrQueryFailed, err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	return trades, nil
}

// GetTradeByID retrieves a trade by order ID. Returns ErrNotFound if missing.
func (r *Repository) GetTradeByID(ctx context.Context, orderID string) (*domain.Trade, error) {
	op := "GetTradeByID"
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE order_id = ?`, orderID)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s failed: %w: order %s", op, ports.ErrNotFound, orderID)
		}
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	return t, nil
}

// UpdateUnrealizedPNL stores the latest mark-to-market PnL of an open trade.
// Closed trades are left untouched.
func (r *Repository) UpdateUnrealizedPNL(ctx context.Context, orderID string, pnl float64) error {
	op := "UpdateUnrealizedPNL"
	const query = `UPDATE trades SET unrealized_pnl = ? WHERE order_id = ? AND status = ?`
	if _, err := r.db.ExecContext(ctx, query, pnl, orderID, string(domain.StatusOpen)); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	return nil
}

// --- SettingsStore Implementation ---

// GetSetting returns the value stored under key and whether it exists.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	op := "GetSetting"
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	return value, true, nil
}

// SetSetting inserts or replaces the value stored under key.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	op := "SetSetting"
	const query = `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	return nil
}

// SeedSettings inserts the values whose keys are not stored yet and reports
// how many were inserted. Existing values are never overwritten.
func (r *Repository) SeedSettings(ctx context.Context, values map[string]string) (int, error) {
	op := "SeedSettings"
	const query = `INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`
	inserted := 0
	now := time.Now().UTC()
	for key, value := range values {
		result, err := r.db.ExecContext(ctx, query, key, value, now)
		if err != nil {
			return inserted, fmt.Errorf("%s failed: %w: %w", op, ports.ErrUpdateFailed, err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// --- CapitalStore Implementation ---

// LoadCapital returns the stored capital of mode, or nil, nil if none is stored.
func (r *Repository) LoadCapital(ctx context.Context, mode domain.Mode) (*domain.Capital, error) {
	op := "LoadCapital"
	const query = `
	SELECT mode, capital, available, used, start_balance, currency, updated_at
	FROM capital WHERE mode = ?`
	c := &domain.Capital{}
	var m string
	err := r.db.QueryRowContext(ctx, query, string(mode)).Scan(
		&m, &c.Capital, &c.Available, &c.Used, &c.StartBalance, &c.Currency, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	c.Mode = domain.Mode(m)
	return c, nil
}

// SaveCapital inserts or replaces the capital row of c.Mode.
func (r *Repository) SaveCapital(ctx context.Context, c domain.Capital) error {
	op := "SaveCapital"
	const query = `
	INSERT INTO capital (mode, capital, available, used, start_balance, currency, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(mode) DO UPDATE SET
		capital = excluded.capital, available = excluded.available, used = excluded.used,
		start_balance = excluded.start_balance, currency = excluded.currency, updated_at = excluded.updated_at`
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, query,
		string(c.Mode), c.Capital, c.Available, c.Used, c.StartBalance, c.Currency, updated.UTC()); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		side, status string
		exitPrice    sql.NullFloat64
		pnl          sql.NullFloat64
		closedAt     sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &exitPrice, &t.StopLoss, &t.TakeProfit,
		&t.Leverage, &t.Margin, &pnl, &t.UnrealizedPNL, &status, &t.Virtual, &t.Strategy, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, err // sql.ErrNoRows is handled by the caller
	}
	t.Side = domain.OrderSide(side)
	t.Status = domain.TradeStatus(status)
	if exitPrice.Valid {
		v := exitPrice.Float64
		t.ExitPrice = &v
	}
	if pnl.Valid {
		v := pnl.Float64
		t.PNL = &v
	}
	if closedAt.Valid {
		v := closedAt.Time
		t.ClosedAt = &v
	}
	return t, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}
