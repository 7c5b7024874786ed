package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Currency is a tradable asset (BTC, KRW, ...)
type Currency struct {
	ID       int
	Symbol   string
	Name     string
	IsActive bool
}

// TradingPair is an ordered (base, quote) asset combination
type TradingPair struct {
	ID          int
	BaseID      int
	QuoteID     int
	BaseSymbol  string
	QuoteSymbol string
	IsActive    bool
}

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types
const (
	TypeLimit  = "limit"
	TypeMarket = "market"
)

// Order statuses
const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
)

// Order represents a buy or sell order. Remaining only ever decreases;
// status flips to completed exactly when it reaches zero.
type Order struct {
	ID        int
	UserID    int
	Type      string              // "limit" or "market"
	Side      string              // "buy" or "sell"
	BaseID    int                 // base currency id
	QuoteID   int                 // quote currency id
	Price     decimal.NullDecimal // required for limit, absent for market
	Amount    decimal.Decimal     // original quantity
	Remaining decimal.Decimal
	Status    string
	CreatedAt time.Time // used for time priority
}

// PairKey identifies the trading pair an order belongs to.
func (o Order) PairKey() string {
	return fmt.Sprintf("%d/%d", o.BaseID, o.QuoteID)
}

// Trade represents an executed trade, immutable once created
type Trade struct {
	ID          int             `json:"id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	BaseID      int             `json:"-"`
	QuoteID     int             `json:"-"`
	BaseSymbol  string          `json:"-"`
	QuoteSymbol string          `json:"-"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Pair renders the trade's pair as BASE/QUOTE
func (t Trade) Pair() string {
	return t.BaseSymbol + "/" + t.QuoteSymbol
}

// WalletBalance is one (user, currency) balance row. Amount never goes
// negative at any observable point.
type WalletBalance struct {
	UserID     int             `json:"-"`
	CurrencyID int             `json:"-"`
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
}
