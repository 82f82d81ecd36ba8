package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// Kinds of notifications, used as event type by structured sinks.
const (
	KindDetection    = "anomaly_detection"
	KindCancellation = "anomaly_cancellation"
	KindRealization  = "anomaly_realization"
	KindVolume       = "volume_deviation"
	KindSummary      = "summary_deviation"
)

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	SendAnomalyDetection(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error
	SendAnomalyCancellation(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error
	SendAnomalyRealization(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error
	SendVolumeNotification(ctx context.Context, pair models.Pair, v models.VolumeDeviation) error
	SendSummaryNotification(ctx context.Context, pair models.Pair, s models.SummaryDeviation) error
}

// Fanout delivers every call to all sinks concurrently. A failing sink does
// not prevent delivery to the others.
type Fanout struct {
	sinks []Sink
	log   *logger.Log
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: logger.GetLogger()}
}

// New builds the fan-out of every enabled sink.
func New(cfg config.NotifierConfig) (*Fanout, error) {
	var sinks []Sink
	if cfg.Log.Enabled {
		sinks = append(sinks, NewLogSink())
	}
	if cfg.Telegram.Enabled {
		sinks = append(sinks, NewTelegram(cfg.Telegram))
	}
	if cfg.Kafka.Enabled {
		k, err := NewKafka(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	f := NewFanout(sinks...)
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	f.log.WithComponent("notifier").WithField("sinks", names).Info("notification sinks configured")
	return f, nil
}

func (f *Fanout) Sinks() []Sink { return f.sinks }

func (f *Fanout) SendAnomalyDetection(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return f.deliver(KindDetection, pair, func(s Sink) error { return s.SendAnomalyDetection(ctx, pair, batch) })
}

func (f *Fanout) SendAnomalyCancellation(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return f.deliver(KindCancellation, pair, func(s Sink) error { return s.SendAnomalyCancellation(ctx, pair, batch) })
}

func (f *Fanout) SendAnomalyRealization(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return f.deliver(KindRealization, pair, func(s Sink) error { return s.SendAnomalyRealization(ctx, pair, batch) })
}

func (f *Fanout) SendVolumeNotification(ctx context.Context, pair models.Pair, v models.VolumeDeviation) error {
	return f.deliver(KindVolume, pair, func(s Sink) error { return s.SendVolumeNotification(ctx, pair, v) })
}

func (f *Fanout) SendSummaryNotification(ctx context.Context, pair models.Pair, sum models.SummaryDeviation) error {
	return f.deliver(KindSummary, pair, func(s Sink) error { return s.SendSummaryNotification(ctx, pair, sum) })
}

func (f *Fanout) deliver(kind string, pair models.Pair, send func(Sink) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range f.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := send(s); err != nil {
				metrics.IncNotificationFailed(s.Name())
				f.log.WithComponent("notifier").WithFields(logger.Fields{
					"sink": s.Name(),
					"kind": kind,
					"pair": pair.Symbol,
				}).WithError(err).Warn("notification delivery failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close releases sinks holding connections.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
