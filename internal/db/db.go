package db

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradehive/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool

	lockTimeout time.Duration // see SetLockTimeout
}

// NewDB initializes a new database connection pool with decimal codecs
// registered, so numeric columns scan straight into decimal.Decimal.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetCurrencyBySymbol retrieves an active currency by its symbol
func (db *DB) GetCurrencyBySymbol(ctx context.Context, symbol string) (*models.Currency, error) {
	c := &models.Currency{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, symbol, name, is_active FROM currencies WHERE symbol = $1 AND is_active",
		symbol).Scan(&c.ID, &c.Symbol, &c.Name, &c.IsActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("currency %q does not exist", symbol)
		}
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}
	return c, nil
}

// GetTradingPair retrieves an active trading pair by its currency ids
func (db *DB) GetTradingPair(ctx context.Context, baseID, quoteID int) (*models.TradingPair, error) {
	p := &models.TradingPair{}
	err := db.Pool.QueryRow(ctx, `
		SELECT p.id, p.base_id, p.quote_id, b.symbol, q.symbol, p.is_active
		FROM trading_pairs p
		JOIN currencies b ON b.id = p.base_id
		JOIN currencies q ON q.id = p.quote_id
		WHERE p.base_id = $1 AND p.quote_id = $2 AND p.is_active
	`, baseID, quoteID).Scan(&p.ID, &p.BaseID, &p.QuoteID, &p.BaseSymbol, &p.QuoteSymbol, &p.IsActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("trading pair (%d, %d) does not exist", baseID, quoteID)
		}
		return nil, fmt.Errorf("failed to get trading pair: %w", err)
	}
	return p, nil
}

// CreateOrder inserts a new order with remaining = amount and status open.
// Business validation (balance sufficiency, currency existence) happens at
// intake; this only enforces structural rules.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if order.Type != models.TypeLimit && order.Type != models.TypeMarket {
		return nil, fmt.Errorf("type must be 'limit' or 'market'")
	}
	if order.Type == models.TypeLimit && (!order.Price.Valid || order.Price.Decimal.Sign() <= 0) {
		return nil, fmt.Errorf("limit orders must include a positive price")
	}
	if order.Type == models.TypeMarket && order.Price.Valid {
		return nil, fmt.Errorf("market orders should not include a price")
	}
	if order.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if order.BaseID == order.QuoteID {
		return nil, fmt.Errorf("base and quote currency must be different")
	}

	newOrder := &models.Order{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, type, side, base_id, quote_id, price, amount, remaining, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 'open')
		 RETURNING id, user_id, type, side, base_id, quote_id, price, amount, remaining, status, created_at`,
		order.UserID, order.Type, order.Side, order.BaseID, order.QuoteID, order.Price, order.Amount).Scan(
		&newOrder.ID, &newOrder.UserID, &newOrder.Type, &newOrder.Side, &newOrder.BaseID, &newOrder.QuoteID,
		&newOrder.Price, &newOrder.Amount, &newOrder.Remaining, &newOrder.Status, &newOrder.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

// GetOpenLimitOrders retrieves every order the matching pass may consider:
// open limit orders with quantity still remaining, across all pairs.
func (db *DB) GetOpenLimitOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, type, side, base_id, quote_id, price, amount, remaining, status, created_at
		FROM orders
		WHERE status = 'open' AND type = 'limit' AND remaining > 0
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetUserOrders retrieves all orders for a user
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, type, side, base_id, quote_id, price, amount, remaining, status, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetPairOrderBook retrieves the open limit orders of one trading pair
func (db *DB) GetPairOrderBook(ctx context.Context, baseID, quoteID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, type, side, base_id, quote_id, price, amount, remaining, status, created_at
		FROM orders
		WHERE status = 'open' AND type = 'limit' AND remaining > 0 AND base_id = $1 AND quote_id = $2
		ORDER BY created_at ASC
	`, baseID, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Type, &o.Side, &o.BaseID, &o.QuoteID,
			&o.Price, &o.Amount, &o.Remaining, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetUserTrades retrieves all trades that touched one of the user's orders
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT t.id, t.buy_order_id, t.sell_order_id, t.base_id, t.quote_id, t.price, t.quantity, t.executed_at
		FROM trades t
		JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id
		WHERE o.user_id = $1
		ORDER BY t.executed_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BaseID, &t.QuoteID,
			&t.Price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetBalances retrieves a user's wallet balances
func (db *DB) GetBalances(ctx context.Context, userID int) ([]models.WalletBalance, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT b.user_id, b.currency_id, c.symbol, b.amount
		FROM wallet_balances b
		JOIN currencies c ON c.id = b.currency_id
		WHERE b.user_id = $1
		ORDER BY c.symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var balances []models.WalletBalance
	for rows.Next() {
		var b models.WalletBalance
		if err := rows.Scan(&b.UserID, &b.CurrencyID, &b.Symbol, &b.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetBalance retrieves one (user, currency) balance; a missing row reads
// as zero since wallet rows are created lazily on first funding.
func (db *DB) GetBalance(ctx context.Context, userID, currencyID int) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := db.Pool.QueryRow(ctx,
		"SELECT amount FROM wallet_balances WHERE user_id = $1 AND currency_id = $2",
		userID, currencyID).Scan(&amount)
	if err == pgx.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return amount, nil
}

// Deposit credits a (user, currency) balance, creating the row on first
// funding. Used by the seeder and external deposit flows.
func (db *DB) Deposit(ctx context.Context, userID, currencyID int, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO wallet_balances (user_id, currency_id, amount) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency_id) DO UPDATE SET amount = wallet_balances.amount + EXCLUDED.amount
	`, userID, currencyID, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	return nil
}
