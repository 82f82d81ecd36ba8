package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/internal/channel"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// VolumeWorker accumulates the liquidity carried by processor UPDATE
// notifications and compares each interval's average with a rolling window.
type VolumeWorker struct {
	launchID   uuid.UUID
	pair       models.Pair
	store      VolumeStore
	notifier   Notifier
	clock      Clock
	ratio      decimal.Decimal
	windowSize int

	mu       sync.Mutex
	sumBids  decimal.Decimal
	sumAsks  decimal.Decimal
	sumTotal decimal.Decimal
	count    int64

	window []decimal.Decimal
	log    *logger.Log
}

func NewVolumeWorker(launchID uuid.UUID, pair models.Pair, cfg config.VolumeWorkerConfig, store VolumeStore, notifier Notifier, clock Clock) *VolumeWorker {
	if clock == nil {
		clock = SystemClock
	}
	return &VolumeWorker{
		launchID:   launchID,
		pair:       pair,
		store:      store,
		notifier:   notifier,
		clock:      clock,
		ratio:      decimal.NewFromFloat(cfg.AnomalyRatio),
		windowSize: cfg.ComparativeArraySize,
		log:        logger.GetLogger(),
	}
}

// Consume drains the processor notifications until the channel is closed or
// ctx is cancelled.
func (w *VolumeWorker) Consume(ctx context.Context, ch *channel.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch.C:
			if !ok {
				return
			}
			if n.Type == models.EventUpdate {
				w.Accumulate(n.Event)
			}
		}
	}
}

// Accumulate adds the rounded liquidity of each side of ev.
func (w *VolumeWorker) Accumulate(ev models.OrderBookEvent) {
	bids := sideLiquidity(ev.Bids)
	asks := sideLiquidity(ev.Asks)

	w.mu.Lock()
	w.sumBids = w.sumBids.Add(bids)
	w.sumAsks = w.sumAsks.Add(asks)
	w.sumTotal = w.sumTotal.Add(bids).Add(asks)
	w.count++
	w.mu.Unlock()
}

func sideLiquidity(levels []models.Level) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Liquidity())
	}
	return total.Round(0)
}

// drain returns the accumulators and resets them.
func (w *VolumeWorker) drain() (bids, asks, total decimal.Decimal, count int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bids, asks, total, count = w.sumBids, w.sumAsks, w.sumTotal, w.count
	w.sumBids, w.sumAsks, w.sumTotal, w.count = decimal.Zero, decimal.Zero, decimal.Zero, 0
	return bids, asks, total, count
}

// Tick persists the interval averages and notifies when the current average
// deviates from the window mean by at least the configured ratio.
func (w *VolumeWorker) Tick(ctx context.Context) error {
	log := w.log.WithComponent("volume_worker").WithFields(logger.Fields{"pair": w.pair.Symbol})

	sumBids, sumAsks, sumTotal, count := w.drain()
	if count == 0 {
		log.Debug("no updates during interval")
		return nil
	}

	n := decimal.NewFromInt(count)
	avgBids := sumBids.Div(n)
	avgAsks := sumAsks.Div(n)
	avgTotal := sumTotal.Div(n).Truncate(0)

	ratio := decimal.Zero
	if denom := avgBids.Add(avgAsks); !denom.IsZero() {
		ratio = avgBids.Sub(avgAsks).Div(denom)
	}

	var saveErr error
	err := w.store.SaveVolume(ctx, models.Volume{
		LaunchID:      w.launchID,
		PairID:        w.pair.ID,
		AverageVolume: avgTotal.IntPart(),
		BidAskRatio:   ratio,
		CreatedAt:     w.clock.Now(),
	})
	if err != nil {
		saveErr = fmt.Errorf("save volume: %w", err)
	}

	if w.windowSize <= 0 {
		return saveErr
	}
	if len(w.window) < w.windowSize {
		w.window = append(w.window, avgTotal)
		return saveErr
	}

	mean := decimal.Avg(w.window[0], w.window[1:]...)
	if mean.IsZero() {
		log.Warn("rolling volume mean is zero, skipping deviation check")
	} else if deviation := avgTotal.Div(mean); w.deviates(deviation) {
		dev := models.VolumeDeviation{
			Deviation:      deviation,
			CurrentVolume:  avgTotal.IntPart(),
			PreviousVolume: mean,
			BidAskRatio:    ratio,
		}
		metrics.IncVolumeDeviation(w.pair.Symbol)
		log.WithFields(logger.Fields{
			"deviation": deviation.StringFixed(4),
			"current":   avgTotal.String(),
			"previous":  mean.StringFixed(2),
		}).Info("volume deviation detected")
		if w.notifier != nil {
			if err := w.notifier.SendVolumeNotification(ctx, w.pair, dev); err != nil {
				log.WithError(err).Warn("failed to send volume notification")
			}
		}
	}

	w.window = append(w.window[1:], avgTotal)
	return saveErr
}

func (w *VolumeWorker) deviates(deviation decimal.Decimal) bool {
	if !w.ratio.IsPositive() {
		return false
	}
	return deviation.GreaterThanOrEqual(w.ratio) || deviation.LessThanOrEqual(decimal.NewFromInt(1).Div(w.ratio))
}

// Window returns a copy of the rolling averages.
func (w *VolumeWorker) Window() []decimal.Decimal {
	return append([]decimal.Decimal(nil), w.window...)
}
