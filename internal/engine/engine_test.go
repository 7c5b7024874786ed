package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradehive/exchange/internal/db"
	"github.com/tradehive/exchange/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

const (
	btc = 1
	krw = 2
)

type wallet struct {
	userID     int
	currencyID int
}

// memStore is an in-memory Store with the same settlement semantics as the
// Postgres store: atomic per trade, rejects negative balances, flips order
// status at zero remaining.
type memStore struct {
	mu       sync.Mutex
	orders   map[int]*models.Order
	balances map[wallet]decimal.Decimal
	trades   []models.Trade

	loadBarrier chan struct{}  // when set, GetOpenLimitOrders blocks on it
	loadCalls   int
	loadErr     error
	settleErr   map[int]error // injected failure, keyed by buy order id
}

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[int]*models.Order),
		balances: make(map[wallet]decimal.Decimal),
	}
}

func (s *memStore) addOrder(o models.Order) {
	c := o
	s.orders[o.ID] = &c
}

func (s *memStore) fund(userID, currencyID int, amount string) {
	s.balances[wallet{userID, currencyID}] = dec(amount)
}

func (s *memStore) GetOpenLimitOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	s.loadCalls++
	barrier := s.loadBarrier
	s.mu.Unlock()
	if barrier != nil {
		<-barrier
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == models.StatusOpen && o.Type == models.TypeLimit && o.Remaining.Sign() > 0 {
			out = append(out, *o)
		}
	}
	return out, nil
}

var symbols = map[int]string{btc: "BTC", krw: "KRW"}

func (s *memStore) SettleMatch(ctx context.Context, buy, sell models.Order, quantity, price decimal.Decimal) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settleErr[buy.ID]; err != nil {
		return nil, err
	}

	cost := quantity.Mul(price)
	deltas := map[wallet]decimal.Decimal{}
	add := func(u, c int, d decimal.Decimal) {
		k := wallet{u, c}
		deltas[k] = deltas[k].Add(d)
	}
	add(buy.UserID, buy.QuoteID, cost.Neg())
	add(buy.UserID, buy.BaseID, quantity)
	add(sell.UserID, sell.QuoteID, cost)
	add(sell.UserID, sell.BaseID, quantity.Neg())

	for k, d := range deltas {
		if s.balances[k].Add(d).Sign() < 0 {
			return nil, fmt.Errorf("wallet (%d, %d): %w", k.userID, k.currencyID, db.ErrInsufficientBalance)
		}
	}
	for k, d := range deltas {
		s.balances[k] = s.balances[k].Add(d)
	}

	for _, id := range []int{buy.ID, sell.ID} {
		o := s.orders[id]
		o.Remaining = o.Remaining.Sub(quantity)
		if o.Remaining.IsZero() {
			o.Status = models.StatusCompleted
		}
	}

	trade := models.Trade{
		ID:          len(s.trades) + 1,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BaseID:      buy.BaseID,
		QuoteID:     buy.QuoteID,
		BaseSymbol:  symbols[buy.BaseID],
		QuoteSymbol: symbols[buy.QuoteID],
		Price:       price,
		Quantity:    quantity,
		ExecutedAt:  t0,
	}
	s.trades = append(s.trades, trade)
	return &trade, nil
}

func (s *memStore) sum(currencyID int) decimal.Decimal {
	total := decimal.Zero
	for k, v := range s.balances {
		if k.currencyID == currencyID {
			total = total.Add(v)
		}
	}
	return total
}

type eventRecorder struct {
	mu     sync.Mutex
	events []TradeEvent
}

func (r *eventRecorder) PublishTrade(ev TradeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func limitOrder(id, userID int, side, price, amount string, offset int) models.Order {
	return models.Order{
		ID:        id,
		UserID:    userID,
		Type:      models.TypeLimit,
		Side:      side,
		BaseID:    btc,
		QuoteID:   krw,
		Price:     decimal.NewNullDecimal(dec(price)),
		Amount:    dec(amount),
		Remaining: dec(amount),
		Status:    models.StatusOpen,
		CreatedAt: t0.Add(time.Duration(offset) * time.Second),
	}
}

func TestEngine_RunPass_SettlesExactCross(t *testing.T) {
	store := newMemStore()
	store.addOrder(limitOrder(1, 10, "buy", "100", "1.5", 0))
	store.addOrder(limitOrder(2, 20, "sell", "100", "1.5", 1))
	store.fund(10, krw, "150")
	store.fund(20, btc, "1.5")

	sink := &eventRecorder{}
	eng := New(store, sink, quietLog())

	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	tr := store.trades[0]
	if !tr.Price.Equal(dec("100")) || !tr.Quantity.Equal(dec("1.5")) {
		t.Errorf("expected trade 1.5@100, got %s@%s", tr.Quantity, tr.Price)
	}

	for _, id := range []int{1, 2} {
		if store.orders[id].Status != models.StatusCompleted {
			t.Errorf("order %d: expected completed, got %s", id, store.orders[id].Status)
		}
		if !store.orders[id].Remaining.IsZero() {
			t.Errorf("order %d: expected zero remaining, got %s", id, store.orders[id].Remaining)
		}
	}

	checks := []struct {
		w    wallet
		want string
	}{
		{wallet{10, btc}, "1.5"}, // buyer received base
		{wallet{10, krw}, "0"},   // buyer paid 150
		{wallet{20, krw}, "150"}, // seller received quote
		{wallet{20, btc}, "0"},   // seller paid base
	}
	for _, c := range checks {
		if !store.balances[c.w].Equal(dec(c.want)) {
			t.Errorf("wallet %+v: expected %s, got %s", c.w, c.want, store.balances[c.w])
		}
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	if sink.events[0].TradeID != tr.ID || sink.events[0].BuyOrderID != 1 || sink.events[0].SellOrderID != 2 {
		t.Errorf("event does not reference the committed trade: %+v", sink.events[0])
	}
	if sink.events[0].Pair != "BTC/KRW" {
		t.Errorf("expected pair BTC/KRW, got %q", sink.events[0].Pair)
	}
}

func TestEngine_RunPass_NoCrossIsNoOp(t *testing.T) {
	store := newMemStore()
	store.addOrder(limitOrder(1, 10, "buy", "50", "1", 0))
	store.addOrder(limitOrder(2, 20, "sell", "100", "1", 1))
	store.fund(10, krw, "1000")
	store.fund(20, btc, "10")

	sink := &eventRecorder{}
	eng := New(store, sink, quietLog())

	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if len(store.trades) != 0 {
		t.Errorf("expected no trades, got %d", len(store.trades))
	}
	if len(sink.events) != 0 {
		t.Errorf("expected no events, got %d", len(sink.events))
	}
	for id, o := range store.orders {
		if o.Status != models.StatusOpen || !o.Remaining.Equal(o.Amount) {
			t.Errorf("order %d mutated by a no-op pass: %+v", id, o)
		}
	}
	if !store.balances[wallet{10, krw}].Equal(dec("1000")) || !store.balances[wallet{20, btc}].Equal(dec("10")) {
		t.Error("balances mutated by a no-op pass")
	}
}

func TestEngine_RunPass_TimePriority(t *testing.T) {
	// One buy for 3 against two sells at 100; the older sell fills first
	store := newMemStore()
	store.addOrder(limitOrder(1, 10, "buy", "100", "3", 2))
	store.addOrder(limitOrder(2, 20, "sell", "100", "1", 0))
	store.addOrder(limitOrder(3, 30, "sell", "100", "2", 1))
	store.fund(10, krw, "300")
	store.fund(20, btc, "1")
	store.fund(30, btc, "2")

	eng := New(store, nil, quietLog())
	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if len(store.trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(store.trades))
	}
	if store.trades[0].SellOrderID != 2 || !store.trades[0].Quantity.Equal(dec("1")) {
		t.Errorf("first trade: expected sell=2 qty=1, got sell=%d qty=%s",
			store.trades[0].SellOrderID, store.trades[0].Quantity)
	}
	if store.trades[1].SellOrderID != 3 || !store.trades[1].Quantity.Equal(dec("2")) {
		t.Errorf("second trade: expected sell=3 qty=2, got sell=%d qty=%s",
			store.trades[1].SellOrderID, store.trades[1].Quantity)
	}
	if store.orders[1].Status != models.StatusCompleted {
		t.Errorf("buy order should be completed, got %s", store.orders[1].Status)
	}
}

func TestEngine_RunPass_InsufficientBalanceSkipsTradeOnly(t *testing.T) {
	store := newMemStore()
	// First match fails: seller 20 has no base to deliver
	store.addOrder(limitOrder(1, 10, "buy", "110", "1", 0))
	store.addOrder(limitOrder(2, 20, "sell", "100", "1", 0))
	// Second match succeeds, among different users
	store.addOrder(limitOrder(3, 30, "buy", "100", "1", 1))
	store.addOrder(limitOrder(4, 40, "sell", "100", "1", 1))
	store.fund(10, krw, "1000")
	store.fund(30, krw, "1000")
	store.fund(40, btc, "1")

	sink := &eventRecorder{}
	eng := New(store, sink, quietLog())

	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("pass should continue past a per-trade failure, got: %v", err)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	if store.trades[0].BuyOrderID != 3 || store.trades[0].SellOrderID != 4 {
		t.Errorf("wrong trade settled: %+v", store.trades[0])
	}
	// No event for the aborted settlement
	if len(sink.events) != 1 {
		t.Errorf("expected exactly 1 event, got %d", len(sink.events))
	}
	// The failed pair is untouched
	if store.orders[1].Status != models.StatusOpen || !store.orders[1].Remaining.Equal(dec("1")) {
		t.Errorf("aborted buy order mutated: %+v", store.orders[1])
	}
}

func TestEngine_RunPass_LockTimeoutSkipsTradeOnly(t *testing.T) {
	store := newMemStore()
	// First match hits contended wallet rows and times out
	store.addOrder(limitOrder(1, 10, "buy", "110", "1", 0))
	store.addOrder(limitOrder(2, 20, "sell", "100", "1", 0))
	// Second match settles normally
	store.addOrder(limitOrder(3, 30, "buy", "100", "1", 1))
	store.addOrder(limitOrder(4, 40, "sell", "100", "1", 1))
	store.fund(10, krw, "1000")
	store.fund(20, btc, "1")
	store.fund(30, krw, "1000")
	store.fund(40, btc, "1")
	store.settleErr = map[int]error{
		1: fmt.Errorf("failed to lock wallet row (10, 2): %w", db.ErrLockTimeout),
	}

	sink := &eventRecorder{}
	eng := New(store, sink, quietLog())

	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("pass should continue past a lock timeout, got: %v", err)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	if store.trades[0].BuyOrderID != 3 || store.trades[0].SellOrderID != 4 {
		t.Errorf("wrong trade settled: %+v", store.trades[0])
	}
	// No event for the timed-out settlement
	if len(sink.events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(sink.events))
	}
	if sink.events[0].BuyOrderID != 3 {
		t.Errorf("event for the skipped trade leaked: %+v", sink.events[0])
	}
	// The contended orders stay open for a later pass to retry
	for _, id := range []int{1, 2} {
		if store.orders[id].Status != models.StatusOpen || !store.orders[id].Remaining.Equal(dec("1")) {
			t.Errorf("timed-out order %d mutated: %+v", id, store.orders[id])
		}
	}
}

func TestEngine_RunPass_StoreErrorPropagates(t *testing.T) {
	store := newMemStore()
	store.loadErr = fmt.Errorf("store unavailable")

	eng := New(store, nil, quietLog())
	if err := eng.RunPass(context.Background()); err == nil {
		t.Fatal("expected error when the store is unavailable")
	}
}

func TestEngine_RunPass_SingleFlight(t *testing.T) {
	store := newMemStore()
	barrier := make(chan struct{})
	store.loadBarrier = barrier

	eng := New(store, nil, quietLog())

	done := make(chan error, 1)
	go func() {
		done <- eng.RunPass(context.Background())
	}()

	// Wait until the first pass is inside the store load
	for {
		store.mu.Lock()
		calls := store.loadCalls
		store.mu.Unlock()
		if calls == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// A second invocation while one is in flight is a no-op
	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("overlapping RunPass should be a no-op, got: %v", err)
	}
	store.mu.Lock()
	calls := store.loadCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Errorf("overlapping pass hit the store: %d loads", calls)
	}

	close(barrier)
	if err := <-done; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
}

func TestEngine_RunPass_ConservesValue(t *testing.T) {
	// Random book among well-funded users: a pass moves value around but
	// the totals per asset never change, and status tracks remaining.
	rng := rand.New(rand.NewSource(42))
	store := newMemStore()

	for u := 1; u <= 6; u++ {
		store.fund(u, krw, "1000000")
		store.fund(u, btc, "1000")
	}
	for id := 1; id <= 40; id++ {
		side := "buy"
		if rng.Intn(2) == 0 {
			side = "sell"
		}
		price := fmt.Sprintf("%d", 90+rng.Intn(21))
		amount := fmt.Sprintf("%d.%02d", 1+rng.Intn(5), rng.Intn(100))
		o := limitOrder(id, 1+rng.Intn(6), side, price, amount, id)
		store.addOrder(o)
	}

	baseBefore, quoteBefore := store.sum(btc), store.sum(krw)

	eng := New(store, nil, quietLog())
	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if !store.sum(btc).Equal(baseBefore) {
		t.Errorf("base total changed: %s -> %s", baseBefore, store.sum(btc))
	}
	if !store.sum(krw).Equal(quoteBefore) {
		t.Errorf("quote total changed: %s -> %s", quoteBefore, store.sum(krw))
	}

	for id, o := range store.orders {
		completed := o.Status == models.StatusCompleted
		if completed != o.Remaining.IsZero() {
			t.Errorf("order %d: status %s with remaining %s", id, o.Status, o.Remaining)
		}
		if o.Remaining.Sign() < 0 || o.Remaining.GreaterThan(o.Amount) {
			t.Errorf("order %d: remaining %s outside [0, %s]", id, o.Remaining, o.Amount)
		}
	}

	for k, v := range store.balances {
		if v.Sign() < 0 {
			t.Errorf("wallet %+v went negative: %s", k, v)
		}
	}
}
