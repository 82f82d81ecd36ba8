package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeName enumerates the supported venues.
type ExchangeName string

const (
	ExchangeBinance  ExchangeName = "BINANCE"
	ExchangeKraken   ExchangeName = "KRAKEN"
	ExchangeCoinbase ExchangeName = "COINBASE"
)

// Exchange is a venue row.
type Exchange struct {
	ID   uuid.UUID    `json:"id"`
	Name ExchangeName `json:"name"`
}

// Pair is a tradable symbol on an exchange. Delimiter is the price bucket
// used for grouping.
type Pair struct {
	ID         uuid.UUID       `json:"id"`
	Symbol     string          `json:"symbol"`
	Delimiter  decimal.Decimal `json:"delimiter"`
	ExchangeID uuid.UUID       `json:"exchange_id"`
}

// AnomalyType is the book side an anomaly sits on.
type AnomalyType string

const (
	AnomalyAsk AnomalyType = "ask"
	AnomalyBid AnomalyType = "bid"
)

// AnomalyKey identifies an anomaly across ticks.
type AnomalyKey struct {
	Price string
	Type  AnomalyType
}

// OrderBookAnomaly is a detected large order. IsCancelled is nil while the
// fate of a limit anomaly is unknown.
type OrderBookAnomaly struct {
	ID               uuid.UUID       `json:"id"`
	LaunchID         uuid.UUID       `json:"launch_id"`
	PairID           uuid.UUID       `json:"pair_id"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	OrderLiquidity   decimal.Decimal `json:"order_liquidity"`
	AverageLiquidity decimal.Decimal `json:"average_liquidity"`
	Position         int             `json:"position"`
	Type             AnomalyType     `json:"type"`
	IsCancelled      *bool           `json:"is_cancelled"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key returns the (price, side) identity of the anomaly.
func (a OrderBookAnomaly) Key() AnomalyKey {
	return AnomalyKey{Price: PriceKey(a.Price), Type: a.Type}
}

// Volume is the per-tick depth summary.
type Volume struct {
	LaunchID      uuid.UUID       `json:"launch_id"`
	PairID        uuid.UUID       `json:"pair_id"`
	AverageVolume int64           `json:"average_volume"`
	BidAskRatio   decimal.Decimal `json:"bid_ask_ratio"`
	CreatedAt     time.Time       `json:"created_at"`
}

// VolumeDeviation is emitted when the current average departs from the rolling mean.
type VolumeDeviation struct {
	Deviation      decimal.Decimal `json:"deviation"`
	CurrentVolume  int64           `json:"current_volume"`
	PreviousVolume decimal.Decimal `json:"previous_volume"`
	BidAskRatio    decimal.Decimal `json:"bid_ask_ratio"`
}

// OrdersAnomaliesSummary is the bid minus ask confirmed anomaly liquidity of one window.
type OrdersAnomaliesSummary struct {
	LaunchID              uuid.UUID       `json:"launch_id"`
	PairID                uuid.UUID       `json:"pair_id"`
	OrdersTotalDifference decimal.Decimal `json:"orders_total_difference"`
	CreatedAt             time.Time       `json:"created_at"`
}

// SummaryDeviation is emitted on asymmetry changes. Deviation is nil when the
// previous average is zero.
type SummaryDeviation struct {
	Deviation *decimal.Decimal `json:"deviation"`
	Current   decimal.Decimal  `json:"current"`
	Previous  decimal.Decimal  `json:"previous"`
}

// OrderBookRecord is a grouped snapshot ready to be persisted.
type OrderBookRecord struct {
	LaunchID  uuid.UUID
	PairID    uuid.UUID
	StampID   int64
	OrderBook []byte
	CreatedAt time.Time
}

// ArchivedBook is a raw, ungrouped book handed to blob backup after its
// grouped form was persisted under StampID.
type ArchivedBook struct {
	LaunchID  uuid.UUID
	Pair      Pair
	Exchange  ExchangeName
	StampID   int64
	Book      *OrderBook
	CreatedAt time.Time
}

// PairStatus is the runtime view of one pair owned by this process.
type PairStatus struct {
	Pair        Pair         `json:"pair"`
	Exchange    ExchangeName `json:"exchange"`
	Ready       bool         `json:"ready"`
	Interrupted bool         `json:"interrupted"`
	StampID     int64        `json:"stamp_id"`
	StartedAt   time.Time    `json:"started_at"`
}
