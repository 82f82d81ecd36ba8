package notifier

import (
	"context"

	"depthwatch/logger"
	"depthwatch/models"
)

// LogSink writes notifications as structured log entries.
type LogSink struct {
	log *logger.Log
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) entry(kind string, pair models.Pair) *logger.Entry {
	return s.log.WithComponent("notifier").WithFields(logger.Fields{
		"sink": s.Name(),
		"kind": kind,
		"pair": pair.Symbol,
	})
}

func (s *LogSink) anomalies(kind string, pair models.Pair, batch []models.OrderBookAnomaly) error {
	for _, a := range batch {
		s.entry(kind, pair).WithFields(logger.Fields{
			"side":              a.Type,
			"price":             a.Price.String(),
			"quantity":          a.Quantity.String(),
			"order_liquidity":   a.OrderLiquidity.String(),
			"average_liquidity": a.AverageLiquidity.StringFixed(2),
			"position":          a.Position,
		}).Info(title(kind))
	}
	return nil
}

func (s *LogSink) SendAnomalyDetection(_ context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return s.anomalies(KindDetection, pair, batch)
}

func (s *LogSink) SendAnomalyCancellation(_ context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return s.anomalies(KindCancellation, pair, batch)
}

func (s *LogSink) SendAnomalyRealization(_ context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return s.anomalies(KindRealization, pair, batch)
}

func (s *LogSink) SendVolumeNotification(_ context.Context, pair models.Pair, v models.VolumeDeviation) error {
	s.entry(KindVolume, pair).WithFields(logger.Fields{
		"deviation":       v.Deviation.StringFixed(4),
		"current_volume":  v.CurrentVolume,
		"previous_volume": v.PreviousVolume.String(),
		"bid_ask_ratio":   v.BidAskRatio.StringFixed(4),
	}).Info("volume deviation")
	return nil
}

func (s *LogSink) SendSummaryNotification(_ context.Context, pair models.Pair, sum models.SummaryDeviation) error {
	fields := logger.Fields{
		"current":  sum.Current.String(),
		"previous": sum.Previous.String(),
	}
	if sum.Deviation != nil {
		fields["deviation"] = sum.Deviation.StringFixed(4)
	}
	s.entry(KindSummary, pair).WithFields(fields).Info("anomalies summary deviation")
	return nil
}
