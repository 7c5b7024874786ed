package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/tradehive/exchange/internal/models"
)

// Settlement failure modes. Both leave the database untouched; the caller
// decides whether the pass continues.
var (
	// ErrInsufficientBalance means a debit would have driven a wallet
	// balance negative. Intake validation should make this unreachable.
	ErrInsufficientBalance = errors.New("insufficient balance at settlement")

	// ErrLockTimeout means a wallet row lock could not be acquired within
	// the configured bound. Retryable on a later pass.
	ErrLockTimeout = errors.New("timed out waiting for wallet row lock")
)

// lock_not_available, raised when SET LOCAL lock_timeout expires
const pgLockNotAvailable = "55P03"

// walletKey identifies one balance row
type walletKey struct {
	UserID     int
	CurrencyID int
}

// SettleMatch executes one matched (buy, sell, quantity, price) tuple
// atomically: it locks the four wallet rows in a canonical global order,
// moves quantity of base and quantity*price of quote between buyer and
// seller, persists the decremented remaining on both orders (flipping
// status to completed at zero), and inserts the trade row. Either every
// mutation commits or none does. The returned trade is only non-nil after
// a successful commit, so event emission can key off it safely.
func (db *DB) SettleMatch(ctx context.Context, buy, sell models.Order, quantity, price decimal.Decimal) (*models.Trade, error) {
	if quantity.Sign() <= 0 || price.Sign() <= 0 {
		return nil, fmt.Errorf("settlement requires positive quantity and price")
	}
	if buy.BaseID != sell.BaseID || buy.QuoteID != sell.QuoteID {
		return nil, fmt.Errorf("orders %d and %d are not on the same trading pair", buy.ID, sell.ID)
	}

	cost := quantity.Mul(price)

	// Net deltas per wallet row. Buyer and seller can be the same user
	// (self-trade), in which case the deltas cancel on a shared row.
	deltas := make(map[walletKey]decimal.Decimal, 4)
	add := func(userID, currencyID int, d decimal.Decimal) {
		k := walletKey{UserID: userID, CurrencyID: currencyID}
		deltas[k] = deltas[k].Add(d)
	}
	add(buy.UserID, buy.QuoteID, cost.Neg())      // buyer pays quote
	add(buy.UserID, buy.BaseID, quantity)         // buyer receives base
	add(sell.UserID, sell.QuoteID, cost)          // seller receives quote
	add(sell.UserID, sell.BaseID, quantity.Neg()) // seller pays base

	// Single deterministic lock order across all concurrent settlements:
	// ascending (user_id, currency_id). Locks are all taken before any
	// mutation so overlapping wallet sets cannot deadlock.
	keys := make([]walletKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UserID == keys[j].UserID {
			return keys[i].CurrencyID < keys[j].CurrencyID
		}
		return keys[i].UserID < keys[j].UserID
	})

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	if db.lockTimeout > 0 {
		_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds()))
		if err != nil {
			return nil, fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	// Wallet rows are created lazily; make sure all four exist, then lock
	// them, both steps in canonical order.
	for _, k := range keys {
		_, err = tx.Exec(ctx, `
			INSERT INTO wallet_balances (user_id, currency_id, amount) VALUES ($1, $2, 0)
			ON CONFLICT (user_id, currency_id) DO NOTHING
		`, k.UserID, k.CurrencyID)
		if err != nil {
			return nil, lockErr(fmt.Errorf("failed to ensure wallet row (%d, %d): %w", k.UserID, k.CurrencyID, err))
		}
	}

	balances := make(map[walletKey]decimal.Decimal, len(keys))
	for _, k := range keys {
		var amount decimal.Decimal
		err = tx.QueryRow(ctx,
			"SELECT amount FROM wallet_balances WHERE user_id = $1 AND currency_id = $2 FOR UPDATE",
			k.UserID, k.CurrencyID).Scan(&amount)
		if err != nil {
			return nil, lockErr(fmt.Errorf("failed to lock wallet row (%d, %d): %w", k.UserID, k.CurrencyID, err))
		}
		balances[k] = amount
	}

	// All rows held; apply the transfer and reject any negative result
	for _, k := range keys {
		next := balances[k].Add(deltas[k])
		if next.Sign() < 0 {
			return nil, fmt.Errorf("wallet (%d, %d) would go to %s: %w",
				k.UserID, k.CurrencyID, next.String(), ErrInsufficientBalance)
		}
		_, err = tx.Exec(ctx,
			"UPDATE wallet_balances SET amount = $3 WHERE user_id = $1 AND currency_id = $2",
			k.UserID, k.CurrencyID, next)
		if err != nil {
			return nil, fmt.Errorf("failed to update wallet row (%d, %d): %w", k.UserID, k.CurrencyID, err)
		}
	}

	for _, o := range []models.Order{buy, sell} {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET remaining = remaining - $2,
			    status = CASE WHEN remaining - $2 = 0 THEN 'completed' ELSE status END
			WHERE id = $1 AND status = 'open' AND remaining >= $2
		`, o.ID, quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %d: %w", o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("order %d is not open with %s remaining", o.ID, quantity.String())
		}
	}

	trade := &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BaseID:      buy.BaseID,
		QuoteID:     buy.QuoteID,
		Price:       price,
		Quantity:    quantity,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, base_id, quote_id, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, executed_at,
			(SELECT symbol FROM currencies WHERE id = base_id),
			(SELECT symbol FROM currencies WHERE id = quote_id)
	`, trade.BuyOrderID, trade.SellOrderID, trade.BaseID, trade.QuoteID, trade.Price, trade.Quantity).
		Scan(&trade.ID, &trade.ExecutedAt, &trade.BaseSymbol, &trade.QuoteSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return trade, nil
}

// SetLockTimeout bounds how long a settlement waits on a wallet row lock.
// Zero disables the bound.
func (db *DB) SetLockTimeout(d time.Duration) {
	db.lockTimeout = d
}

// lockErr maps Postgres lock_timeout expiry onto the retryable sentinel
func lockErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%v: %w", err, ErrLockTimeout)
	}
	return err
}
