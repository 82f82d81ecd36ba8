package models

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// EventType tags an OrderBookEvent.
type EventType string

const (
	EventInit   EventType = "INIT"
	EventUpdate EventType = "UPDATE"
)

// Level represents a single price level of one side of the book.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Liquidity is price times quantity of the level.
func (l Level) Liquidity() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

// OrderBookEvent is the normalized output of every exchange client.
// INIT replaces the book, UPDATE overwrites absolute quantities per level.
type OrderBookEvent struct {
	Type EventType `json:"type"`
	Asks []Level   `json:"asks"`
	Bids []Level   `json:"bids"`
}

// PriceKey canonicalizes a price so numerically equal decimals ("100" and
// "100.00") address the same level.
func PriceKey(p decimal.Decimal) string {
	return p.String()
}

// PriceLevels maps canonical price keys to levels. Zero quantities are never stored.
type PriceLevels map[string]Level

// Set overwrites the level at price, deleting it when price*qty is zero.
func (pl PriceLevels) Set(price, qty decimal.Decimal) {
	key := PriceKey(price)
	if price.Mul(qty).IsZero() {
		delete(pl, key)
		return
	}
	pl[key] = Level{Price: price, Quantity: qty}
}

// Get returns the level stored at price.
func (pl PriceLevels) Get(price decimal.Decimal) (Level, bool) {
	l, ok := pl[PriceKey(price)]
	return l, ok
}

// Clone returns a deep copy. decimal.Decimal is immutable so copying the
// struct values is sufficient.
func (pl PriceLevels) Clone() PriceLevels {
	out := make(PriceLevels, len(pl))
	for k, v := range pl {
		out[k] = v
	}
	return out
}

// Ascending returns the levels ordered by price, lowest first.
func (pl PriceLevels) Ascending() []Level {
	out := make([]Level, 0, len(pl))
	for _, l := range pl {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

// Descending returns the levels ordered by price, highest first.
func (pl PriceLevels) Descending() []Level {
	out := pl.Ascending()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// TotalQuantity sums the quantities of all levels.
func (pl PriceLevels) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range pl {
		total = total.Add(l.Quantity)
	}
	return total
}

// OrderBook is the live two-sided book of one pair.
type OrderBook struct {
	Asks PriceLevels
	Bids PriceLevels
}

// NewOrderBook returns an empty book.
func NewOrderBook() *OrderBook {
	return &OrderBook{Asks: PriceLevels{}, Bids: PriceLevels{}}
}

// Apply mutates the book with the event. INIT discards previous state.
func (ob *OrderBook) Apply(ev OrderBookEvent) {
	if ev.Type == EventInit {
		ob.Asks = PriceLevels{}
		ob.Bids = PriceLevels{}
	}
	for _, l := range ev.Asks {
		ob.Asks.Set(l.Price, l.Quantity)
	}
	for _, l := range ev.Bids {
		ob.Bids.Set(l.Price, l.Quantity)
	}
}

// Clone returns a deep copy of the book.
func (ob *OrderBook) Clone() *OrderBook {
	return &OrderBook{Asks: ob.Asks.Clone(), Bids: ob.Bids.Clone()}
}

// BestAsk returns the lowest ask.
func (ob *OrderBook) BestAsk() (Level, bool) {
	var best Level
	found := false
	for _, l := range ob.Asks {
		if !found || l.Price.LessThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// BestBid returns the highest bid.
func (ob *OrderBook) BestBid() (Level, bool) {
	var best Level
	found := false
	for _, l := range ob.Bids {
		if !found || l.Price.GreaterThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// GroupLevels buckets levels by delimiter: p' = p - (p mod delimiter).
// A non-positive delimiter returns a copy of the input.
func GroupLevels(levels PriceLevels, delimiter decimal.Decimal) PriceLevels {
	if !delimiter.IsPositive() {
		return levels.Clone()
	}
	out := make(PriceLevels, len(levels))
	for _, l := range levels {
		bucket := l.Price.Sub(l.Price.Mod(delimiter))
		key := PriceKey(bucket)
		if prev, ok := out[key]; ok {
			out[key] = Level{Price: bucket, Quantity: prev.Quantity.Add(l.Quantity)}
			continue
		}
		out[key] = Level{Price: bucket, Quantity: l.Quantity}
	}
	return out
}

// GroupOrderBook groups both sides of the book by delimiter.
func GroupOrderBook(ob *OrderBook, delimiter decimal.Decimal) *OrderBook {
	return &OrderBook{
		Asks: GroupLevels(ob.Asks, delimiter),
		Bids: GroupLevels(ob.Bids, delimiter),
	}
}

// BookJSON is the persisted form of a grouped book: {"a": {price: qty}, "b": {...}}.
type BookJSON struct {
	Asks map[string]string `json:"a"`
	Bids map[string]string `json:"b"`
}

// MarshalBook serializes the book with decimals as strings.
func MarshalBook(ob *OrderBook) ([]byte, error) {
	doc := BookJSON{
		Asks: make(map[string]string, len(ob.Asks)),
		Bids: make(map[string]string, len(ob.Bids)),
	}
	for k, l := range ob.Asks {
		doc.Asks[k] = l.Quantity.String()
	}
	for k, l := range ob.Bids {
		doc.Bids[k] = l.Quantity.String()
	}
	return json.Marshal(doc)
}

// UnmarshalBook parses the persisted form back into a book.
func UnmarshalBook(data []byte) (*OrderBook, error) {
	var doc BookJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	ob := NewOrderBook()
	for p, q := range doc.Asks {
		lvl, err := ParseLevel(p, q)
		if err != nil {
			return nil, err
		}
		ob.Asks.Set(lvl.Price, lvl.Quantity)
	}
	for p, q := range doc.Bids {
		lvl, err := ParseLevel(p, q)
		if err != nil {
			return nil, err
		}
		ob.Bids.Set(lvl.Price, lvl.Quantity)
	}
	return ob, nil
}

// ParseLevel parses exchange price and quantity strings.
func ParseLevel(price, qty string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return Level{}, err
	}
	return Level{Price: p, Quantity: q}, nil
}
