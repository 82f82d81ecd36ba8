package metrics

import (
	"context"
	"time"

	"depthwatch/internal/channel"
	"depthwatch/logger"
)

// StartChannelSizeMetrics emits buffer occupancy of the processor notification
// channels every interval until ctx is cancelled. A non-positive interval
// defaults to ten seconds.
func StartChannelSizeMetrics(ctx context.Context, pair string, interval time.Duration, channels ...*channel.Channel) {
	if len(channels) == 0 {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ReportChannelSizes(log, pair, channels...)
			}
		}
	}()
}

// ReportChannelSizes emits one gauge per channel with its length and capacity.
func ReportChannelSizes(log *logger.Log, pair string, channels ...*channel.Channel) {
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		stats := ch.GetStats()
		EmitMetric(log, "channel_buffers", "notification_buffer_length", ch.Len(), "gauge", logger.Fields{
			"pair":     pair,
			"buffer":   ch.Name(),
			"capacity": ch.Cap(),
			"sent":     stats.Sent,
			"blocked":  stats.Blocked,
		})
	}
}
