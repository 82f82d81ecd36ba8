package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/models"
)

// BookSource gives workers deep copies of a live book. processor.Processor
// satisfies it.
type BookSource interface {
	Snapshot() *models.OrderBook
	Ready() bool
}

type OrderBookStore interface {
	SaveOrderBook(ctx context.Context, rec models.OrderBookRecord) error
}

type VolumeStore interface {
	SaveVolume(ctx context.Context, v models.Volume) error
}

type AnomalyStore interface {
	SaveAnomalies(ctx context.Context, anomalies []models.OrderBookAnomaly) error
	ResolveAnomalies(ctx context.Context, ids []uuid.UUID, cancelled bool, at time.Time) (int64, error)
}

type SummaryStore interface {
	SumConfirmedLiquidity(ctx context.Context, pairID uuid.UUID, typ models.AnomalyType, from, to time.Time) (decimal.Decimal, error)
	SaveSummary(ctx context.Context, s models.OrdersAnomaliesSummary) error
	LatestSummaries(ctx context.Context, pairID uuid.UUID, limit int) ([]models.OrdersAnomaliesSummary, error)
}

// Archiver receives the raw book of every persisted stamp.
type Archiver interface {
	Archive(ctx context.Context, book models.ArchivedBook) error
}

// Notifier delivers worker findings. notifier.Fanout satisfies it.
type Notifier interface {
	SendAnomalyDetection(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error
	SendAnomalyCancellation(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error
	SendAnomalyRealization(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error
	SendVolumeNotification(ctx context.Context, pair models.Pair, v models.VolumeDeviation) error
	SendSummaryNotification(ctx context.Context, pair models.Pair, s models.SummaryDeviation) error
}
