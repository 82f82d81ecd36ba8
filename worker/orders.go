package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

type timedAnomaly struct {
	at      time.Time
	anomaly models.OrderBookAnomaly
}

// OrdersWorker detects dominant orders near the top of the book, confirms
// the ones behind the best level after an observation period and tracks the
// fate of persisted limit anomalies.
type OrdersWorker struct {
	launchID uuid.UUID
	pair     models.Pair
	book     BookSource
	store    AnomalyStore
	notifier Notifier
	clock    Clock

	params          DetectionParams
	detectionTTL    time.Duration
	observingTTL    time.Duration
	observingRatio  decimal.Decimal
	increasedRatio  decimal.Decimal
	savedLimitRatio decimal.Decimal
	detected        map[models.AnomalyKey]timedAnomaly
	observing       map[models.AnomalyKey]timedAnomaly
	savedLimits     map[models.AnomalyKey][]models.OrderBookAnomaly
	log             *logger.Log
}

func NewOrdersWorker(launchID uuid.UUID, pair models.Pair, cfg config.OrdersWorkerConfig, book BookSource, store AnomalyStore, notifier Notifier, clock Clock) *OrdersWorker {
	if clock == nil {
		clock = SystemClock
	}
	return &OrdersWorker{
		launchID: launchID,
		pair:     pair,
		book:     book,
		store:    store,
		notifier: notifier,
		clock:    clock,
		params: DetectionParams{
			TopN:             cfg.TopNOrders,
			Multiplier:       decimal.NewFromFloat(cfg.AnomalyMultiplier),
			MinimumLiquidity: decimal.NewFromFloat(cfg.MinimumLiquidity),
			MaximumAnomalies: cfg.MaximumAnomalies,
		},
		detectionTTL:    cfg.DetectionTTL,
		observingTTL:    cfg.ObservingTTL,
		observingRatio:  decimal.NewFromFloat(cfg.ObservingRatio),
		increasedRatio:  decimal.NewFromFloat(cfg.SignificantlyIncreasedRatio),
		savedLimitRatio: decimal.NewFromFloat(cfg.SavedLimitAnomaliesRatio),
		detected:        make(map[models.AnomalyKey]timedAnomaly),
		observing:       make(map[models.AnomalyKey]timedAnomaly),
		savedLimits:     make(map[models.AnomalyKey][]models.OrderBookAnomaly),
		log:             logger.GetLogger(),
	}
}

// Tick runs detection, classification, persistence, fate resolution and
// notification on one grouped snapshot.
func (w *OrdersWorker) Tick(ctx context.Context) error {
	log := w.log.WithComponent("orders_worker").WithFields(logger.Fields{"pair": w.pair.Symbol})
	if !w.book.Ready() {
		log.Debug("order book not initialized yet, skipping")
		return nil
	}

	start := time.Now()
	book := models.GroupOrderBook(w.book.Snapshot(), w.pair.Delimiter)
	now := w.clock.Now()

	candidates := Detect(book, w.params)
	send := w.classify(candidates, now)

	var errs []error
	if err := w.persist(ctx, send, now); err != nil {
		errs = append(errs, err)
		// unsaved anomalies are neither reported nor remembered, the next tick retries them
		for _, a := range send {
			delete(w.detected, a.Key())
		}
		send = nil
	}
	realized, cancelled, err := w.resolve(ctx, book, now)
	if err != nil {
		errs = append(errs, err)
	}

	w.notify(ctx, log, send, realized, cancelled)

	logger.LogPerformanceEntry(log, "orders_worker", "tick", time.Since(start), logger.Fields{
		"candidates":   len(candidates),
		"detected":     len(send),
		"observing":    len(w.observing),
		"saved_limits": len(w.savedLimits),
		"realized":     len(realized),
		"cancelled":    len(cancelled),
	})

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orders tick: %w", err)
	}
	return nil
}

// classify filters candidates through the detected and observing state and
// returns the anomalies to report now.
func (w *OrdersWorker) classify(candidates []models.OrderBookAnomaly, now time.Time) []models.OrderBookAnomaly {
	for k, d := range w.detected {
		if now.Sub(d.at) > w.detectionTTL {
			delete(w.detected, k)
		}
	}

	seen := make(map[models.AnomalyKey]struct{}, len(candidates))
	var send []models.OrderBookAnomaly

	for _, cand := range candidates {
		k := cand.Key()
		seen[k] = struct{}{}

		if cand.Position == 0 {
			if d, ok := w.detected[k]; ok && !w.grew(d.anomaly, cand) {
				continue
			}
			w.detected[k] = timedAnomaly{at: now, anomaly: cand}
			delete(w.observing, k)
			send = append(send, cand)
			continue
		}

		if obs, ok := w.observing[k]; ok {
			if now.Sub(obs.at) <= w.observingTTL {
				continue
			}
			delete(w.observing, k)
			if obs.anomaly.OrderLiquidity.IsZero() {
				continue
			}
			dev := obs.anomaly.OrderLiquidity.Sub(cand.OrderLiquidity).Abs().Div(obs.anomaly.OrderLiquidity)
			if dev.LessThan(w.observingRatio) {
				w.detected[k] = timedAnomaly{at: now, anomaly: cand}
				send = append(send, cand)
				metrics.AddOrderAnomalies(w.pair.Symbol, string(k.Type), "confirmed", 1)
			} else {
				metrics.AddOrderAnomalies(w.pair.Symbol, string(k.Type), "rejected", 1)
			}
			continue
		}

		if d, ok := w.detected[k]; ok && !w.grew(d.anomaly, cand) {
			continue
		}
		entry := timedAnomaly{at: now, anomaly: cand}
		w.observing[k] = entry
		w.detected[k] = entry
		metrics.AddOrderAnomalies(w.pair.Symbol, string(k.Type), "observing", 1)
	}

	for k := range w.observing {
		if _, ok := seen[k]; !ok {
			delete(w.observing, k)
		}
	}
	return send
}

func (w *OrdersWorker) grew(cached, cur models.OrderBookAnomaly) bool {
	if !cached.OrderLiquidity.IsPositive() {
		return true
	}
	return cur.OrderLiquidity.Div(cached.OrderLiquidity).GreaterThanOrEqual(w.increasedRatio)
}

// persist stores the reported anomalies. Best level anomalies are final at
// creation; the others stay open until their fate is known.
func (w *OrdersWorker) persist(ctx context.Context, send []models.OrderBookAnomaly, now time.Time) error {
	if len(send) == 0 {
		return nil
	}
	for i := range send {
		send[i].ID = uuid.New()
		send[i].LaunchID = w.launchID
		send[i].PairID = w.pair.ID
		send[i].CreatedAt = now
		send[i].UpdatedAt = now
		if send[i].Position == 0 {
			final := false
			send[i].IsCancelled = &final
		}
	}
	if err := w.store.SaveAnomalies(ctx, send); err != nil {
		return fmt.Errorf("save anomalies: %w", err)
	}
	for _, a := range send {
		metrics.AddOrderAnomalies(w.pair.Symbol, string(a.Type), "detected", 1)
		if a.Position > 0 {
			w.savedLimits[a.Key()] = append(w.savedLimits[a.Key()], a)
		}
	}
	return nil
}

// resolve decides the fate of persisted limit anomalies against the current
// book. Unresolved ones, and ones whose update failed, stay tracked.
func (w *OrdersWorker) resolve(ctx context.Context, book *models.OrderBook, now time.Time) (realized, cancelled []models.OrderBookAnomaly, err error) {
	bestAsk, hasAsk := book.BestAsk()
	bestBid, hasBid := book.BestBid()

	pending := make(map[models.AnomalyKey][]models.OrderBookAnomaly, len(w.savedLimits))
	for k, list := range w.savedLimits {
		side, best, hasBest := book.Asks, bestAsk, hasAsk
		if k.Type == models.AnomalyBid {
			side, best, hasBest = book.Bids, bestBid, hasBid
		}

		for _, a := range list {
			lvl, present := side.Get(a.Price)
			if !present {
				if movedAway(a, best, hasBest) {
					cancelled = append(cancelled, a)
				} else {
					realized = append(realized, a)
				}
				continue
			}
			if a.OrderLiquidity.IsZero() {
				pending[k] = append(pending[k], a)
				continue
			}
			dev := a.OrderLiquidity.Sub(lvl.Liquidity()).Div(a.OrderLiquidity)
			if !dev.GreaterThan(w.savedLimitRatio) {
				pending[k] = append(pending[k], a)
				continue
			}
			if hasBest && a.Price.Equal(best.Price) {
				realized = append(realized, a)
			} else {
				cancelled = append(cancelled, a)
			}
		}
	}

	var errs []error
	realized, pending, err = w.markFate(ctx, realized, false, now, pending)
	if err != nil {
		errs = append(errs, err)
	}
	cancelled, pending, err = w.markFate(ctx, cancelled, true, now, pending)
	if err != nil {
		errs = append(errs, err)
	}
	w.savedLimits = pending

	if len(errs) > 0 {
		return realized, cancelled, fmt.Errorf("resolve limit anomalies: %w", errors.Join(errs...))
	}
	return realized, cancelled, nil
}

// movedAway reports whether the market left an absent limit anomaly behind:
// the best ask is now above the ask, or the best bid below the bid. An empty
// side or a best level at the anomaly price counts as filled.
func movedAway(a models.OrderBookAnomaly, best models.Level, hasBest bool) bool {
	if !hasBest {
		return false
	}
	if a.Type == models.AnomalyAsk {
		return a.Price.LessThan(best.Price)
	}
	return a.Price.GreaterThan(best.Price)
}

func (w *OrdersWorker) markFate(ctx context.Context, batch []models.OrderBookAnomaly, cancelled bool, now time.Time, pending map[models.AnomalyKey][]models.OrderBookAnomaly) ([]models.OrderBookAnomaly, map[models.AnomalyKey][]models.OrderBookAnomaly, error) {
	if len(batch) == 0 {
		return nil, pending, nil
	}
	ids := make([]uuid.UUID, 0, len(batch))
	for _, a := range batch {
		ids = append(ids, a.ID)
	}
	if _, err := w.store.ResolveAnomalies(ctx, ids, cancelled, now); err != nil {
		for _, a := range batch {
			pending[a.Key()] = append(pending[a.Key()], a)
		}
		return nil, pending, err
	}

	stage := "realized"
	if cancelled {
		stage = "cancelled"
	}
	for i := range batch {
		c := cancelled
		batch[i].IsCancelled = &c
		batch[i].UpdatedAt = now
		metrics.AddOrderAnomalies(w.pair.Symbol, string(batch[i].Type), stage, 1)
	}
	return batch, pending, nil
}

func (w *OrdersWorker) notify(ctx context.Context, log *logger.Entry, detected, realized, cancelled []models.OrderBookAnomaly) {
	if w.notifier == nil {
		return
	}
	if len(detected) > 0 {
		if err := w.notifier.SendAnomalyDetection(ctx, w.pair, detected); err != nil {
			log.WithError(err).Warn("failed to send anomaly detections")
		}
	}
	if len(cancelled) > 0 {
		if err := w.notifier.SendAnomalyCancellation(ctx, w.pair, cancelled); err != nil {
			log.WithError(err).Warn("failed to send anomaly cancellations")
		}
	}
	if len(realized) > 0 {
		if err := w.notifier.SendAnomalyRealization(ctx, w.pair, realized); err != nil {
			log.WithError(err).Warn("failed to send anomaly realizations")
		}
	}
}

// Observing returns a copy of the anomalies awaiting confirmation.
func (w *OrdersWorker) Observing() map[models.AnomalyKey]models.OrderBookAnomaly {
	out := make(map[models.AnomalyKey]models.OrderBookAnomaly, len(w.observing))
	for k, v := range w.observing {
		out[k] = v.anomaly
	}
	return out
}

// Detected returns when each suppressed key was last reported or placed.
func (w *OrdersWorker) Detected() map[models.AnomalyKey]time.Time {
	out := make(map[models.AnomalyKey]time.Time, len(w.detected))
	for k, v := range w.detected {
		out[k] = v.at
	}
	return out
}

// SavedLimits returns the persisted limit anomalies whose fate is pending.
func (w *OrdersWorker) SavedLimits() []models.OrderBookAnomaly {
	var out []models.OrderBookAnomaly
	for _, list := range w.savedLimits {
		out = append(out, list...)
	}
	return out
}
