package reader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// Collector keeps one exchange client streaming, re-opening it whenever the
// connection ends until the context is cancelled.
type Collector struct {
	client      DepthStreamer
	pair        string
	minDelay    time.Duration
	maxDelay    time.Duration
	interrupted atomic.Bool
	log         *logger.Log
}

func NewCollector(client DepthStreamer, pair string, minDelay, maxDelay time.Duration) *Collector {
	if minDelay <= 0 {
		minDelay = 500 * time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Collector{
		client:   client,
		pair:     pair,
		minDelay: minDelay,
		maxDelay: maxDelay,
		log:      logger.GetLogger(),
	}
}

// Interrupted reports whether the collector stopped because of cancellation.
func (c *Collector) Interrupted() bool {
	return c.interrupted.Load()
}

// ListenStream forwards events from successive client connections into out.
// It only returns once ctx is cancelled, with ctx.Err().
func (c *Collector) ListenStream(ctx context.Context, out chan<- models.OrderBookEvent) error {
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"pair": c.pair})
	b := &backoff.Backoff{Min: c.minDelay, Max: c.maxDelay, Factor: 2, Jitter: true}

	for {
		start := time.Now()
		err := c.client.ListenDepthStream(ctx, out)
		if ctx.Err() != nil {
			c.interrupted.Store(true)
			log.Info("collector interrupted")
			return ctx.Err()
		}

		// A connection that stayed up past the longest delay counts as healthy.
		if time.Since(start) > c.maxDelay {
			b.Reset()
		}
		delay := b.Duration()

		entry := log.WithFields(logger.Fields{
			"uptime":   time.Since(start).String(),
			"retry_in": delay.String(),
		})
		if err != nil {
			entry.WithError(err).Warn("depth stream ended, reconnecting")
		} else {
			entry.Info("depth stream closed, reconnecting")
		}
		metrics.IncReconnect(c.pair)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.interrupted.Store(true)
			log.Info("collector interrupted")
			return ctx.Err()
		case <-timer.C:
		}
	}
}
