package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"depthwatch/models"
)

type exchangeRow struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"type:text;uniqueIndex;not null"`
}

func (exchangeRow) TableName() string { return "exchanges" }

type pairRow struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Symbol     string          `gorm:"type:text;uniqueIndex;not null"`
	Delimiter  decimal.Decimal `gorm:"type:numeric;not null"`
	ExchangeID uuid.UUID       `gorm:"type:uuid;index;not null"`
}

func (pairRow) TableName() string { return "pairs" }

func (r pairRow) model() models.Pair {
	return models.Pair{ID: r.ID, Symbol: r.Symbol, Delimiter: r.Delimiter, ExchangeID: r.ExchangeID}
}

type maestroRow struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	LaunchID           uuid.UUID `gorm:"type:uuid;not null"`
	LatestLivenessTime time.Time `gorm:"not null;index"`
}

func (maestroRow) TableName() string { return "maestro_instances" }

// associationRow links a pair to the maestro processing it. pair_id is unique
// so a pair can never belong to two maestros.
type associationRow struct {
	MaestroInstanceID uuid.UUID `gorm:"type:uuid;primaryKey"`
	PairID            uuid.UUID `gorm:"type:uuid;primaryKey;uniqueIndex:uniq_association_pair"`
}

func (associationRow) TableName() string { return "maestro_pair_association" }

type orderBookRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	LaunchID  uuid.UUID      `gorm:"type:uuid;not null;index:idx_order_books_stamp,priority:1"`
	PairID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_order_books_stamp,priority:2"`
	StampID   int64          `gorm:"not null;index:idx_order_books_stamp,priority:3"`
	OrderBook datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (orderBookRow) TableName() string { return "order_books" }

type volumeRow struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	LaunchID      uuid.UUID       `gorm:"type:uuid;not null"`
	PairID        uuid.UUID       `gorm:"type:uuid;not null;index"`
	AverageVolume int64           `gorm:"not null"`
	BidAskRatio   decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (volumeRow) TableName() string { return "volumes" }

type anomalyRow struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	LaunchID         uuid.UUID       `gorm:"type:uuid;not null"`
	PairID           uuid.UUID       `gorm:"type:uuid;not null;index"`
	Price            decimal.Decimal `gorm:"type:numeric;not null"`
	Quantity         decimal.Decimal `gorm:"type:numeric;not null"`
	OrderLiquidity   decimal.Decimal `gorm:"type:numeric;not null"`
	AverageLiquidity decimal.Decimal `gorm:"type:numeric;not null"`
	Position         int             `gorm:"not null"`
	Type             string          `gorm:"type:text;not null"`
	IsCancelled      *bool
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null;index"`
}

func (anomalyRow) TableName() string { return "order_book_anomalies" }

func newAnomalyRow(a models.OrderBookAnomaly) anomalyRow {
	return anomalyRow{
		ID:               a.ID,
		LaunchID:         a.LaunchID,
		PairID:           a.PairID,
		Price:            a.Price,
		Quantity:         a.Quantity,
		OrderLiquidity:   a.OrderLiquidity,
		AverageLiquidity: a.AverageLiquidity,
		Position:         a.Position,
		Type:             string(a.Type),
		IsCancelled:      a.IsCancelled,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func (r anomalyRow) model() models.OrderBookAnomaly {
	return models.OrderBookAnomaly{
		ID:               r.ID,
		LaunchID:         r.LaunchID,
		PairID:           r.PairID,
		Price:            r.Price,
		Quantity:         r.Quantity,
		OrderLiquidity:   r.OrderLiquidity,
		AverageLiquidity: r.AverageLiquidity,
		Position:         r.Position,
		Type:             models.AnomalyType(r.Type),
		IsCancelled:      r.IsCancelled,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type summaryRow struct {
	ID                    int64           `gorm:"primaryKey;autoIncrement"`
	LaunchID              uuid.UUID       `gorm:"type:uuid;not null"`
	PairID                uuid.UUID       `gorm:"type:uuid;not null;index"`
	OrdersTotalDifference decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt             time.Time       `gorm:"not null;index"`
}

func (summaryRow) TableName() string { return "orders_anomalies_summaries" }

func allRows() []interface{} {
	return []interface{}{
		&exchangeRow{}, &pairRow{}, &maestroRow{}, &associationRow{},
		&orderBookRow{}, &volumeRow{}, &anomalyRow{}, &summaryRow{},
	}
}
