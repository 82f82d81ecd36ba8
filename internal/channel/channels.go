package channel

import (
	"context"
	"sync"

	"depthwatch/logger"
	"depthwatch/models"
)

// Notification is delivered to subscribers after the processor applied an event.
type Notification struct {
	Type  models.EventType
	Event models.OrderBookEvent
}

type ChannelStats struct {
	Sent    int64
	Blocked int64
}

// Channel carries notifications from the processor to one subscriber. Sends
// block instead of dropping so the subscriber sees every event in order.
type Channel struct {
	name string
	C    chan Notification

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannel(name string, bufferSize int) *Channel {
	log := logger.GetLogger()
	c := &Channel{
		name: name,
		C:    make(chan Notification, bufferSize),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"channel":     name,
		"buffer_size": bufferSize,
	}).Debug("notification channel initialized")

	return c
}

func (c *Channel) Name() string {
	return c.name
}

// Send enqueues n, waiting for room when the buffer is full. It only fails
// when ctx is cancelled first.
func (c *Channel) Send(ctx context.Context, n Notification) error {
	select {
	case c.C <- n:
		c.incrementSent()
		return nil
	default:
	}

	c.incrementBlocked()
	select {
	case c.C <- n:
		c.incrementSent()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.C)
		c.log.WithComponent("channels").WithField("channel", c.name).Debug("notification channel closed")
	})
}

func (c *Channel) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
	logger.RecordChannelMessage(c.name, 1)
}

func (c *Channel) incrementBlocked() {
	c.statsMutex.Lock()
	c.stats.Blocked++
	c.statsMutex.Unlock()
}

func (c *Channel) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Len and Cap expose the buffer occupancy for gauges.
func (c *Channel) Len() int { return len(c.C) }
func (c *Channel) Cap() int { return cap(c.C) }
