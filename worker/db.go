package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// DBWorker persists the grouped book of its pair on every tick.
type DBWorker struct {
	launchID uuid.UUID
	pair     models.Pair
	exchange models.ExchangeName
	book     BookSource
	store    OrderBookStore
	archiver Archiver
	clock    Clock
	stamp    atomic.Int64
	log      *logger.Log
}

func NewDBWorker(launchID uuid.UUID, pair models.Pair, exchange models.ExchangeName, book BookSource, store OrderBookStore, archiver Archiver, clock Clock) *DBWorker {
	if clock == nil {
		clock = SystemClock
	}
	return &DBWorker{
		launchID: launchID,
		pair:     pair,
		exchange: exchange,
		book:     book,
		store:    store,
		archiver: archiver,
		clock:    clock,
		log:      logger.GetLogger(),
	}
}

// Stamp returns the last successfully persisted stamp id.
func (w *DBWorker) Stamp() int64 {
	return w.stamp.Load()
}

// Tick snapshots, groups and persists the book. The stamp only advances
// when the insert succeeded.
func (w *DBWorker) Tick(ctx context.Context) error {
	log := w.log.WithComponent("db_worker").WithFields(logger.Fields{"pair": w.pair.Symbol})
	if !w.book.Ready() {
		log.Debug("order book not initialized yet, skipping")
		return nil
	}

	start := time.Now()
	raw := w.book.Snapshot()
	grouped := models.GroupOrderBook(raw, w.pair.Delimiter)
	data, err := models.MarshalBook(grouped)
	if err != nil {
		return fmt.Errorf("marshal grouped book: %w", err)
	}

	now := w.clock.Now()
	next := w.stamp.Load() + 1
	err = w.store.SaveOrderBook(ctx, models.OrderBookRecord{
		LaunchID:  w.launchID,
		PairID:    w.pair.ID,
		StampID:   next,
		OrderBook: data,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("save order book: %w", err)
	}
	w.stamp.Store(next)
	metrics.IncOrderBookSaved(w.pair.Symbol)

	if w.archiver != nil {
		err := w.archiver.Archive(ctx, models.ArchivedBook{
			LaunchID:  w.launchID,
			Pair:      w.pair,
			Exchange:  w.exchange,
			StampID:   next,
			Book:      raw,
			CreatedAt: now,
		})
		if err != nil {
			log.WithError(err).WithField("stamp_id", next).Warn("failed to archive order book")
		}
	}

	logger.LogPerformanceEntry(log, "db_worker", "save_order_book", time.Since(start), logger.Fields{
		"stamp_id": next,
		"asks":     len(grouped.Asks),
		"bids":     len(grouped.Bids),
	})
	return nil
}
