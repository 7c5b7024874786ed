package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradehive/exchange/internal/models"
)

// Book holds the open limit orders of one trading pair, both sides sorted
// by price-time priority.
type Book struct {
	BaseID  int
	QuoteID int
	Buys    []models.Order // highest price first, then earliest
	Sells   []models.Order // lowest price first, then earliest
}

// Proposal is one candidate trade emitted by the matching algorithm.
// Quantity is min(buy.remaining, sell.remaining) at the time of the match;
// Price is the resting sell order's limit price.
type Proposal struct {
	Buy      models.Order
	Sell     models.Order
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Select partitions open limit orders into per-pair books. Orders that are
// not open, not limit, or have nothing remaining never enter a book. Books
// come back sorted by (base, quote) so a pass visits pairs deterministically.
func Select(orders []models.Order) []*Book {
	books := make(map[string]*Book)
	var keys []string

	for _, o := range orders {
		if o.Status != models.StatusOpen || o.Type != models.TypeLimit {
			continue
		}
		if !o.Price.Valid || o.Remaining.Sign() <= 0 {
			continue
		}
		key := o.PairKey()
		b, ok := books[key]
		if !ok {
			b = &Book{BaseID: o.BaseID, QuoteID: o.QuoteID}
			books[key] = b
			keys = append(keys, key)
		}
		if o.Side == models.SideBuy {
			b.Buys = append(b.Buys, o)
		} else {
			b.Sells = append(b.Sells, o)
		}
	}

	for _, b := range books {
		// Sort buy orders: highest price first, then earliest time
		sort.SliceStable(b.Buys, func(i, j int) bool {
			if b.Buys[i].Price.Decimal.Equal(b.Buys[j].Price.Decimal) {
				return b.Buys[i].CreatedAt.Before(b.Buys[j].CreatedAt)
			}
			return b.Buys[i].Price.Decimal.GreaterThan(b.Buys[j].Price.Decimal)
		})
		// Sort sell orders: lowest price first, then earliest time
		sort.SliceStable(b.Sells, func(i, j int) bool {
			if b.Sells[i].Price.Decimal.Equal(b.Sells[j].Price.Decimal) {
				return b.Sells[i].CreatedAt.Before(b.Sells[j].CreatedAt)
			}
			return b.Sells[i].Price.Decimal.LessThan(b.Sells[j].Price.Decimal)
		})
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := books[keys[i]], books[keys[j]]
		if a.BaseID == b.BaseID {
			return a.QuoteID < b.QuoteID
		}
		return a.BaseID < b.BaseID
	})

	out := make([]*Book, 0, len(keys))
	for _, k := range keys {
		out = append(out, books[k])
	}
	return out
}

// Match walks one pair's book and emits crossing trades in price-time
// priority order. A cross exists when buy.price >= sell.price and executes
// at the resting sell order's price. Remaining quantities are decremented
// on the book's own copies so later matches within the same pass see the
// partial fills; persistence is the caller's job.
func (b *Book) Match() []Proposal {
	var proposals []Proposal

	for bi := range b.Buys {
		buy := &b.Buys[bi]
		for si := range b.Sells {
			sell := &b.Sells[si]
			if sell.Remaining.Sign() <= 0 {
				continue
			}
			// Sells are in ascending price order: once the best
			// remaining ask is above the bid, nothing later crosses.
			if buy.Price.Decimal.LessThan(sell.Price.Decimal) {
				break
			}

			qty := decimal.Min(buy.Remaining, sell.Remaining)
			proposals = append(proposals, Proposal{
				Buy:      *buy,
				Sell:     *sell,
				Quantity: qty,
				Price:    sell.Price.Decimal,
			})

			buy.Remaining = buy.Remaining.Sub(qty)
			sell.Remaining = sell.Remaining.Sub(qty)

			if buy.Remaining.Sign() <= 0 {
				break
			}
		}
	}
	return proposals
}
