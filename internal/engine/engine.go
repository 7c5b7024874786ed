package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradehive/exchange/internal/book"
	"github.com/tradehive/exchange/internal/db"
	"github.com/tradehive/exchange/internal/models"
)

// Store is the persistence surface the engine needs: the open-order read
// feeding the selector and the atomic settlement of one matched tuple.
// *db.DB satisfies it.
type Store interface {
	GetOpenLimitOrders(ctx context.Context) ([]models.Order, error)
	SettleMatch(ctx context.Context, buy, sell models.Order, quantity, price decimal.Decimal) (*models.Trade, error)
}

// TradeEvent is published to the sink once per committed trade, after the
// settlement transaction commits and never before.
type TradeEvent struct {
	TradeID     int             `json:"trade_id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	Pair        string          `json:"pair"` // BASE/QUOTE, e.g. BTC/KRW
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Sink receives committed trade events for downstream broadcast
type Sink interface {
	PublishTrade(TradeEvent)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(TradeEvent)

func (f SinkFunc) PublishTrade(ev TradeEvent) { f(ev) }

// Engine runs matching passes over the open order book. An external
// scheduler invokes RunPass on a fixed cadence; the engine itself
// guarantees passes never overlap.
type Engine struct {
	store Store
	sink  Sink
	log   *logrus.Logger

	mu sync.Mutex // held for the duration of one pass
}

// New creates a matching engine. sink may be nil when nobody listens.
func New(store Store, sink Sink, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{store: store, sink: sink, log: log}
}

// RunPass executes one full matching pass: load open limit orders, build
// per-pair books, match with price-time priority, and settle each match
// sequentially. A call while another pass is in flight is a no-op, so
// resting orders can never be double-matched by overlapping passes.
//
// Per-trade failures (insufficient balance, lock timeout) are logged and
// the pass continues; store-level failures abort the pass and propagate
// to the scheduler.
func (e *Engine) RunPass(ctx context.Context) error {
	if !e.mu.TryLock() {
		e.log.Debug("matching pass already in flight, skipping")
		return nil
	}
	defer e.mu.Unlock()

	passID := uuid.NewString()
	start := time.Now()

	orders, err := e.store.GetOpenLimitOrders(ctx)
	if err != nil {
		return fmt.Errorf("matching pass %s: %w", passID, err)
	}

	books := book.Select(orders)
	var settled, skipped int

	for _, b := range books {
		for _, p := range b.Match() {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("matching pass %s interrupted: %w", passID, err)
			}

			trade, err := e.store.SettleMatch(ctx, p.Buy, p.Sell, p.Quantity, p.Price)
			if err != nil {
				if errors.Is(err, db.ErrInsufficientBalance) || errors.Is(err, db.ErrLockTimeout) {
					e.log.WithFields(logrus.Fields{
						"pass":          passID,
						"buy_order_id":  p.Buy.ID,
						"sell_order_id": p.Sell.ID,
						"quantity":      p.Quantity.String(),
						"price":         p.Price.String(),
						"cost":          p.Quantity.Mul(p.Price).String(),
					}).WithError(err).Warn("settlement aborted, continuing pass")
					skipped++
					continue
				}
				return fmt.Errorf("matching pass %s: settle %d/%d: %w", passID, p.Buy.ID, p.Sell.ID, err)
			}

			settled++
			if e.sink != nil {
				e.sink.PublishTrade(TradeEvent{
					TradeID:     trade.ID,
					BuyOrderID:  trade.BuyOrderID,
					SellOrderID: trade.SellOrderID,
					Pair:        trade.Pair(),
					Price:       trade.Price,
					Quantity:    trade.Quantity,
					ExecutedAt:  trade.ExecutedAt,
				})
			}
		}
	}

	if settled > 0 || skipped > 0 {
		e.log.WithFields(logrus.Fields{
			"pass":    passID,
			"trades":  settled,
			"skipped": skipped,
			"took":    time.Since(start).String(),
		}).Info("matching pass complete")
	}
	return nil
}
