package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// SummaryWorker tracks the bid/ask asymmetry of confirmed anomaly liquidity
// and reports when it flips sign or changes by the configured ratio.
type SummaryWorker struct {
	launchID     uuid.UUID
	pair         models.Pair
	store        SummaryStore
	notifier     Notifier
	clock        Clock
	ratio        decimal.Decimal
	size         int
	suppressZero bool
	last         time.Time
	log          *logger.Log
}

func NewSummaryWorker(launchID uuid.UUID, pair models.Pair, cfg config.SummaryWorkerConfig, store SummaryStore, notifier Notifier, clock Clock) *SummaryWorker {
	if clock == nil {
		clock = SystemClock
	}
	return &SummaryWorker{
		launchID:     launchID,
		pair:         pair,
		store:        store,
		notifier:     notifier,
		clock:        clock,
		ratio:        decimal.NewFromFloat(cfg.Ratio),
		size:         cfg.ComparativeArraySize,
		suppressZero: cfg.SuppressZeroCurrent,
		last:         clock.Now(),
		log:          logger.GetLogger(),
	}
}

// Tick persists the difference of the window (last, now] and compares it
// with the average of the previous summaries.
func (w *SummaryWorker) Tick(ctx context.Context) error {
	log := w.log.WithComponent("summary_worker").WithFields(logger.Fields{"pair": w.pair.Symbol})
	now := w.clock.Now()

	bids, err := w.store.SumConfirmedLiquidity(ctx, w.pair.ID, models.AnomalyBid, w.last, now)
	if err != nil {
		return fmt.Errorf("sum bid anomalies: %w", err)
	}
	asks, err := w.store.SumConfirmedLiquidity(ctx, w.pair.ID, models.AnomalyAsk, w.last, now)
	if err != nil {
		return fmt.Errorf("sum ask anomalies: %w", err)
	}

	err = w.store.SaveSummary(ctx, models.OrdersAnomaliesSummary{
		LaunchID:              w.launchID,
		PairID:                w.pair.ID,
		OrdersTotalDifference: bids.Sub(asks),
		CreatedAt:             now,
	})
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	w.last = now

	summaries, err := w.store.LatestSummaries(ctx, w.pair.ID, w.size+1)
	if err != nil {
		return fmt.Errorf("latest summaries: %w", err)
	}
	if len(summaries) < w.size+1 {
		log.WithField("summaries", len(summaries)).Debug("not enough summaries to compare yet")
		return nil
	}

	dev, ok := w.Compare(summaries)
	if !ok {
		return nil
	}

	metrics.IncSummaryDeviation(w.pair.Symbol)
	fields := logger.Fields{"current": dev.Current.String(), "previous": dev.Previous.String()}
	if dev.Deviation != nil {
		fields["deviation"] = dev.Deviation.StringFixed(4)
	}
	log.WithFields(fields).Info("anomalies summary deviation detected")

	if w.notifier != nil {
		if err := w.notifier.SendSummaryNotification(ctx, w.pair, dev); err != nil {
			log.WithError(err).Warn("failed to send summary notification")
		}
	}
	return nil
}

// Compare evaluates summaries ordered newest first. The first element is the
// current difference, the rest form the previous average.
func (w *SummaryWorker) Compare(summaries []models.OrdersAnomaliesSummary) (models.SummaryDeviation, bool) {
	if len(summaries) < 2 {
		return models.SummaryDeviation{}, false
	}
	curr := summaries[0].OrdersTotalDifference
	previous := make([]decimal.Decimal, 0, len(summaries)-1)
	for _, s := range summaries[1:] {
		previous = append(previous, s.OrdersTotalDifference)
	}
	prevAvg := decimal.Avg(previous[0], previous[1:]...)

	if curr.IsZero() && (w.suppressZero || prevAvg.IsZero()) {
		return models.SummaryDeviation{}, false
	}
	if prevAvg.IsZero() {
		return models.SummaryDeviation{Current: curr, Previous: decimal.Zero}, true
	}

	dev := curr.Div(prevAvg)
	flipped := curr.Sign() != prevAvg.Sign()
	if !flipped && !w.deviates(dev) {
		return models.SummaryDeviation{}, false
	}
	return models.SummaryDeviation{Deviation: &dev, Current: curr, Previous: prevAvg}, true
}

func (w *SummaryWorker) deviates(dev decimal.Decimal) bool {
	if !w.ratio.IsPositive() {
		return false
	}
	return dev.GreaterThanOrEqual(w.ratio) || dev.LessThanOrEqual(decimal.NewFromInt(1).Div(w.ratio))
}
