package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func lvl(p, q string) Level {
	return Level{Price: decimal.RequireFromString(p), Quantity: decimal.RequireFromString(q)}
}

func TestApplyInitReplaces(t *testing.T) {
	a := OrderBookEvent{Type: EventInit, Asks: []Level{lvl("10", "1")}, Bids: []Level{lvl("9", "2")}}
	b := OrderBookEvent{Type: EventInit, Asks: []Level{lvl("11", "3")}, Bids: []Level{lvl("8", "4")}}

	first := NewOrderBook()
	first.Apply(a)
	first.Apply(b)

	second := NewOrderBook()
	second.Apply(b)

	if len(first.Asks) != len(second.Asks) || len(first.Bids) != len(second.Bids) {
		t.Fatalf("INIT a; INIT b differs from INIT b: %v vs %v", first, second)
	}
	for k, l := range second.Asks {
		if got, ok := first.Asks[k]; !ok || !got.Quantity.Equal(l.Quantity) {
			t.Fatalf("ask %s mismatch", k)
		}
	}
	if _, ok := first.Asks.Get(decimal.RequireFromString("10")); ok {
		t.Fatalf("stale ask survived INIT")
	}
}

func TestApplyUpdateZeroDeletes(t *testing.T) {
	ob := NewOrderBook()
	ob.Apply(OrderBookEvent{Type: EventInit, Asks: []Level{lvl("10", "1"), lvl("11", "2")}})
	ob.Apply(OrderBookEvent{Type: EventUpdate, Asks: []Level{lvl("10", "5")}})
	ob.Apply(OrderBookEvent{Type: EventUpdate, Asks: []Level{lvl("10.00", "0")}})

	if _, ok := ob.Asks.Get(decimal.RequireFromString("10")); ok {
		t.Fatalf("level with zero quantity must be absent")
	}
	if l, ok := ob.Asks.Get(decimal.RequireFromString("11")); !ok || !l.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unrelated level changed: %v", l)
	}
}

func TestApplyUpdateOverwritesAbsoluteQuantity(t *testing.T) {
	ob := NewOrderBook()
	ob.Apply(OrderBookEvent{Type: EventUpdate, Bids: []Level{lvl("5", "1")}})
	ob.Apply(OrderBookEvent{Type: EventUpdate, Bids: []Level{lvl("5.0", "3")}})
	l, ok := ob.Bids.Get(decimal.NewFromInt(5))
	if !ok || !l.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected qty 3, got %v", l)
	}
	if len(ob.Bids) != 1 {
		t.Fatalf("expected a single level, got %d", len(ob.Bids))
	}
}

func TestGroupLevels(t *testing.T) {
	levels := PriceLevels{}
	levels.Set(decimal.RequireFromString("27212.5"), decimal.RequireFromString("1"))
	levels.Set(decimal.RequireFromString("27250"), decimal.RequireFromString("2"))
	levels.Set(decimal.RequireFromString("27301"), decimal.RequireFromString("0.5"))

	delimiter := decimal.NewFromInt(100)
	grouped := GroupLevels(levels, delimiter)

	if len(grouped) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(grouped))
	}
	l, ok := grouped.Get(decimal.NewFromInt(27200))
	if !ok || !l.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("bucket 27200 got %v", l)
	}
	for _, l := range grouped {
		if !l.Price.Mod(delimiter).IsZero() {
			t.Errorf("price %s not aligned to delimiter", l.Price)
		}
		if !l.Quantity.IsPositive() {
			t.Errorf("non-positive quantity at %s", l.Price)
		}
	}
	if !grouped.TotalQuantity().Equal(levels.TotalQuantity()) {
		t.Fatalf("grouping changed total quantity: %s vs %s", grouped.TotalQuantity(), levels.TotalQuantity())
	}
}

func TestGroupAlignedBookKeepsTotals(t *testing.T) {
	ob := NewOrderBook()
	ob.Apply(OrderBookEvent{Type: EventInit,
		Asks: []Level{lvl("100", "1"), lvl("110", "2")},
		Bids: []Level{lvl("90", "3"), lvl("80", "4")},
	})
	grouped := GroupOrderBook(ob, decimal.NewFromInt(10))
	if !grouped.Asks.TotalQuantity().Equal(ob.Asks.TotalQuantity()) || !grouped.Bids.TotalQuantity().Equal(ob.Bids.TotalQuantity()) {
		t.Fatalf("aligned grouping must keep totals")
	}
	if len(grouped.Asks) != 2 || len(grouped.Bids) != 2 {
		t.Fatalf("aligned grouping must keep levels")
	}
}

func TestMarshalBookRoundTrip(t *testing.T) {
	ob := NewOrderBook()
	ob.Apply(OrderBookEvent{Type: EventInit, Asks: []Level{lvl("100.5", "1.25")}, Bids: []Level{lvl("99", "3")}})
	data, err := MarshalBook(ob)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":{"100.5":"1.25"},"b":{"99":"3"}}` {
		t.Fatalf("unexpected json %s", data)
	}
	back, err := UnmarshalBook(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if l, ok := back.Asks.Get(decimal.RequireFromString("100.5")); !ok || !l.Quantity.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("ask lost in round trip: %v", l)
	}
}

func TestBestLevels(t *testing.T) {
	ob := NewOrderBook()
	ob.Apply(OrderBookEvent{Type: EventInit,
		Asks: []Level{lvl("101", "1"), lvl("100", "1")},
		Bids: []Level{lvl("98", "1"), lvl("99", "1")},
	})
	if a, _ := ob.BestAsk(); !a.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("best ask %s", a.Price)
	}
	if b, _ := ob.BestBid(); !b.Price.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("best bid %s", b.Price)
	}
	if _, ok := NewOrderBook().BestAsk(); ok {
		t.Fatalf("empty book has no best ask")
	}
}
