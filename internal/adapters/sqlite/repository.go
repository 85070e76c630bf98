package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.Repository using SQLite. Money values are stored as TEXT
// so no precision is lost.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/risk_guard.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, fmt.Errorf("%w: %v", ports.ErrDBConnection, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, fmt.Errorf("%w: %v", ports.ErrDBConnection, err)
	}

	// A single connection serializes writers; SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		asset TEXT NOT NULL,
		balance TEXT NOT NULL,
		equity TEXT NOT NULL,
		used_margin TEXT NOT NULL,
		reserved_margin TEXT NOT NULL,
		free_margin TEXT NOT NULL,
		peak_equity TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		size TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		margin_type TEXT NOT NULL,
		isolated_margin TEXT NOT NULL,
		mark_price TEXT NOT NULL,
		liquidation_price TEXT NOT NULL,
		maintenance_margin TEXT NOT NULL,
		margin_ratio TEXT NOT NULL,
		unrealized_pnl TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		fees TEXT NOT NULL,
		roe TEXT NOT NULL,
		stop_loss TEXT NULL,
		take_profit TEXT NULL,
		trailing_stop TEXT NULL,
		trailing_stop_price TEXT NULL,
		status TEXT NOT NULL,
		close_reason TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		position_side TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		price TEXT NULL,
		quantity TEXT NOT NULL,
		filled_qty TEXT NOT NULL,
		reduce_only INTEGER NOT NULL,
		leverage INTEGER NOT NULL,
		margin_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reject_reason TEXT NOT NULL DEFAULT '',
		source_kind TEXT NOT NULL,
		source_data TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS position_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		position_id TEXT NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		size TEXT NOT NULL,
		mark_price TEXT NOT NULL,
		realized TEXT NOT NULL,
		status TEXT NOT NULL,
		close_reason TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);
	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_positions_account_status ON positions (account_id, status);
	CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders (account_id, status);
	CREATE INDEX IF NOT EXISTS idx_position_events_account_time ON position_events (account_id, timestamp);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
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

// Ping checks the connection; it backs the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrDBConnection, err)
	}
	return nil
}

// --- AccountRepository Implementation ---

// SaveAccount inserts or updates an account.
func (r *Repository) SaveAccount(ctx context.Context, acc *domain.Account) error {
	const query = `
	INSERT INTO accounts (id, asset, balance, equity, used_margin, reserved_margin, free_margin, peak_equity, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		asset = excluded.asset, balance = excluded.balance, equity = excluded.equity,
		used_margin = excluded.used_margin, reserved_margin = excluded.reserved_margin,
		free_margin = excluded.free_margin, peak_equity = excluded.peak_equity, updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		acc.ID, acc.Asset, acc.Balance, acc.Equity, acc.UsedMargin, acc.ReservedMargin,
		acc.FreeMargin, acc.PeakEquity, acc.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w: %v", acc.ID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Account saved", map[string]interface{}{"accountID": acc.ID, "balance": acc.Balance.String()})
	return nil
}

const accountColumns = `id, asset, balance, equity, used_margin, reserved_margin, free_margin, peak_equity, updated_at`

// FindAccount retrieves an account by id.
func (r *Repository) FindAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query account %s: %w: %v", id, ports.ErrQueryFailed, err)
	}
	return acc, nil
}

// FindAllAccounts retrieves every stored account ordered by id.
func (r *Repository) FindAllAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return accounts, nil
}

// --- PositionRepository Implementation ---

// SavePosition inserts or updates a position keyed by its ID.
func (r *Repository) SavePosition(ctx context.Context, pos *domain.Position) error {
	const query = `
	INSERT INTO positions (id, account_id, symbol, side, entry_price, size, leverage, margin_type,
		isolated_margin, mark_price, liquidation_price, maintenance_margin, margin_ratio,
		unrealized_pnl, realized_pnl, fees, roe, stop_loss, take_profit, trailing_stop,
		trailing_stop_price, status, close_reason, opened_at, updated_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		entry_price = excluded.entry_price, size = excluded.size, leverage = excluded.leverage,
		margin_type = excluded.margin_type, isolated_margin = excluded.isolated_margin,
		mark_price = excluded.mark_price, liquidation_price = excluded.liquidation_price,
		maintenance_margin = excluded.maintenance_margin, margin_ratio = excluded.margin_ratio,
		unrealized_pnl = excluded.unrealized_pnl, realized_pnl = excluded.realized_pnl,
		fees = excluded.fees, roe = excluded.roe, stop_loss = excluded.stop_loss,
		take_profit = excluded.take_profit, trailing_stop = excluded.trailing_stop,
		trailing_stop_price = excluded.trailing_stop_price, status = excluded.status,
		close_reason = excluded.close_reason, updated_at = excluded.updated_at, closed_at = excluded.closed_at`

	var closedAt sql.NullTime
	if !pos.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: pos.ClosedAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.AccountID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.Size, pos.Leverage,
		string(pos.MarginType), pos.IsolatedMargin, pos.MarkPrice, pos.LiquidationPrice,
		pos.MaintenanceMargin, pos.MarginRatio, pos.UnrealizedPnl, pos.RealizedPnl, pos.Fees, pos.ROE,
		nullMoney(pos.StopLoss), nullMoney(pos.TakeProfit), nullMoney(pos.TrailingStop), nullMoney(pos.TrailingStopPrice),
		string(pos.Status), string(pos.CloseReason), pos.OpenedAt.UTC(), pos.UpdatedAt.UTC(), closedAt)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w: %v", pos.ID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Position saved", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": string(pos.Status)})
	return nil
}

const positionColumns = `id, account_id, symbol, side, entry_price, size, leverage, margin_type,
	isolated_margin, mark_price, liquidation_price, maintenance_margin, margin_ratio,
	unrealized_pnl, realized_pnl, fees, roe, stop_loss, take_profit, trailing_stop,
	trailing_stop_price, status, close_reason, opened_at, updated_at, closed_at`

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query position by ID %s: %w: %v", id, ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// FindOpenByAccount retrieves the open positions of an account ordered by open time.
func (r *Repository) FindOpenByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = ? AND status = ? ORDER BY opened_at, id`,
		accountID, string(domain.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions of %s: %w: %v", accountID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindOpenByAccount: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// GetTotalProfit sums realized PnL of the account's terminal positions. The sum is taken
// in decimal rather than in SQL so TEXT values are not rounded through REAL.
func (r *Repository) GetTotalProfit(ctx context.Context, accountID string) (domain.Money, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT realized_pnl FROM positions WHERE account_id = ? AND status IN (?, ?)`,
		accountID, string(domain.StatusClosed), string(domain.StatusLiquidated))
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to calculate total profit: %w: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	total := domain.Zero
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return domain.Zero, fmt.Errorf("failed to scan realized pnl: %w", err)
		}
		total = total.Add(pnl)
	}
	if err = rows.Err(); err != nil {
		return domain.Zero, fmt.Errorf("error iterating realized pnl rows: %w", err)
	}
	return total, nil
}

// --- OrderRepository Implementation ---

// SaveOrder inserts or updates an order keyed by its ID.
func (r *Repository) SaveOrder(ctx context.Context, o *domain.Order) error {
	const query = `
	INSERT INTO orders (id, exchange_order_id, account_id, symbol, side, position_side, type, price,
		quantity, filled_qty, reduce_only, leverage, margin_type, status, reject_reason,
		source_kind, source_data, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id, filled_qty = excluded.filled_qty,
		status = excluded.status, reject_reason = excluded.reject_reason, updated_at = excluded.updated_at`

	kind, data, err := encodeSource(o.Source)
	if err != nil {
		return fmt.Errorf("failed to encode source of order %s: %w", o.ID, err)
	}
	_, err = r.db.ExecContext(ctx, query,
		o.ID, o.ExchangeOrderID, o.AccountID, o.Symbol, string(o.Side), string(o.PositionSide), string(o.Type),
		nullMoney(o.Price), o.Quantity, o.FilledQty, o.ReduceOnly, o.Leverage, string(o.MarginType),
		string(o.Status), string(o.RejectReason), kind, data, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w: %v", o.ID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Order saved", map[string]interface{}{"orderID": o.ID, "status": string(o.Status)})
	return nil
}

// FindOrder retrieves an order by id.
func (r *Repository) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	const query = `
	SELECT id, exchange_order_id, account_id, symbol, side, position_side, type, price,
		quantity, filled_qty, reduce_only, leverage, margin_type, status, reject_reason,
		source_kind, source_data, created_at, updated_at
	FROM orders WHERE id = ?`

	o := &domain.Order{}
	var side, posSide, typ, marginType, status, reject, kind, data string
	var price decimal.NullDecimal
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.ExchangeOrderID, &o.AccountID, &o.Symbol, &side, &posSide, &typ, &price,
		&o.Quantity, &o.FilledQty, &o.ReduceOnly, &o.Leverage, &marginType, &status, &reject,
		&kind, &data, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query order %s: %w: %v", id, ports.ErrQueryFailed, err)
	}
	o.Side = domain.OrderSide(side)
	o.PositionSide = domain.PositionSide(posSide)
	o.Type = domain.OrderType(typ)
	o.Price = moneyPtr(price)
	o.MarginType = domain.MarginType(marginType)
	o.Status = domain.OrderStatus(status)
	o.RejectReason = domain.RejectReason(reject)
	if o.Source, err = decodeSource(kind, data); err != nil {
		return nil, fmt.Errorf("failed to decode source of order %s: %w", id, err)
	}
	return o, nil
}

// --- PositionEventRepository Implementation ---

// SavePositionEvent appends a position event and returns its assigned ID.
func (r *Repository) SavePositionEvent(ctx context.Context, e *domain.PositionEvent) (int64, error) {
	const query = `
	INSERT INTO position_events (account_id, position_id, type, symbol, side, size, mark_price,
		realized, status, close_reason, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	p := e.Position
	result, err := r.db.ExecContext(ctx, query,
		e.AccountID, p.ID, string(e.Type), p.Symbol, string(p.Side), p.Size, p.MarkPrice,
		e.Realized, string(p.Status), string(p.CloseReason), e.Timestamp.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert position event for %s: %w: %v", p.ID, ports.ErrUpdateFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position event %s: %w", p.ID, err)
	}
	r.logger.Debug(ctx, "Position event recorded", map[string]interface{}{"eventID": id, "positionID": p.ID, "type": string(e.Type)})
	return id, nil
}

// FindPositionEvents retrieves the most recent events of an account, up to a limit.
func (r *Repository) FindPositionEvents(ctx context.Context, accountID string, limit int) ([]*domain.PositionEvent, error) {
	const query = `
	SELECT account_id, position_id, type, symbol, side, size, mark_price, realized, status, close_reason, timestamp
	FROM position_events
	WHERE account_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query position events of %s: %w: %v", accountID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	events := make([]*domain.PositionEvent, 0)
	for rows.Next() {
		e := &domain.PositionEvent{}
		var typ, side, status, reason string
		err := rows.Scan(&e.AccountID, &e.Position.ID, &typ, &e.Position.Symbol, &side, &e.Position.Size,
			&e.Position.MarkPrice, &e.Realized, &status, &reason, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		e.Type = domain.PositionEventType(typ)
		e.Position.AccountID = e.AccountID
		e.Position.Side = domain.PositionSide(side)
		e.Position.Status = domain.PositionStatus(status)
		e.Position.CloseReason = domain.CloseReason(reason)
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position event rows: %w", err)
	}
	return events, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*domain.Account, error) {
	a := &domain.Account{}
	err := s.Scan(&a.ID, &a.Asset, &a.Balance, &a.Equity, &a.UsedMargin, &a.ReservedMargin,
		&a.FreeMargin, &a.PeakEquity, &a.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	return a, nil
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, marginType, status, reason string
	var sl, tp, trailing, trailingPrice decimal.NullDecimal
	var closedAt sql.NullTime
	err := s.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &side, &p.EntryPrice, &p.Size, &p.Leverage, &marginType,
		&p.IsolatedMargin, &p.MarkPrice, &p.LiquidationPrice, &p.MaintenanceMargin, &p.MarginRatio,
		&p.UnrealizedPnl, &p.RealizedPnl, &p.Fees, &p.ROE, &sl, &tp, &trailing,
		&trailingPrice, &status, &reason, &p.OpenedAt, &p.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.PositionSide(side)
	p.MarginType = domain.MarginType(marginType)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	p.StopLoss = moneyPtr(sl)
	p.TakeProfit = moneyPtr(tp)
	p.TrailingStop = moneyPtr(trailing)
	p.TrailingStopPrice = moneyPtr(trailingPrice)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}

func nullMoney(v *domain.Money) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func moneyPtr(v decimal.NullDecimal) *domain.Money {
	if !v.Valid {
		return nil
	}
	return domain.Ptr(v.Decimal)
}
