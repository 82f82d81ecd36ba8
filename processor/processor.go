package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"depthwatch/internal/channel"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// Source feeds order book events into out until ctx is cancelled.
// reader.Collector satisfies it.
type Source interface {
	ListenStream(ctx context.Context, out chan<- models.OrderBookEvent) error
}

// Processor is the single writer of one pair's order book.
type Processor struct {
	pair        string
	source      Source
	eventBuffer int

	mu    sync.RWMutex
	book  *models.OrderBook
	ready bool

	subsMu      sync.Mutex
	subscribers []*channel.Channel

	runMu   sync.Mutex
	running bool

	applied int64
	log     *logger.Log
}

func NewProcessor(pair string, source Source, eventBuffer int) *Processor {
	if eventBuffer < 1 {
		eventBuffer = 1
	}
	return &Processor{
		pair:        pair,
		source:      source,
		eventBuffer: eventBuffer,
		book:        models.NewOrderBook(),
		log:         logger.GetLogger(),
	}
}

// Subscribe registers a named subscriber. Every applied event is delivered to
// it in order; a slow subscriber slows the processor down instead of losing
// notifications. Subscribe before Run.
func (p *Processor) Subscribe(name string, bufferSize int) *channel.Channel {
	ch := channel.NewChannel(p.pair+"/"+name, bufferSize)
	p.subsMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subsMu.Unlock()
	return ch
}

// Run consumes the source until ctx is cancelled. Subscriber channels are
// closed on return.
func (p *Processor) Run(ctx context.Context) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return fmt.Errorf("processor for %s already running", p.pair)
	}
	p.running = true
	p.runMu.Unlock()

	defer func() {
		p.runMu.Lock()
		p.running = false
		p.runMu.Unlock()
		p.closeSubscribers()
	}()

	log := p.log.WithComponent("processor").WithFields(logger.Fields{"pair": p.pair})
	log.Info("starting processor")

	events := make(chan models.OrderBookEvent, p.eventBuffer)
	sourceDone := make(chan error, 1)
	go func() {
		sourceDone <- p.source.ListenStream(ctx, events)
	}()

	for {
		select {
		case <-ctx.Done():
			<-sourceDone
			log.WithField("events_applied", p.applied).Info("processor stopped")
			return ctx.Err()
		case err := <-sourceDone:
			// the collector only returns on cancellation
			log.WithError(err).Warn("event source ended")
			return err
		case ev := <-events:
			start := time.Now()
			p.apply(ev)
			if err := p.notify(ctx, ev); err != nil {
				<-sourceDone
				return err
			}
			logger.LogPerformanceEntry(log, "processor", "apply_event", time.Since(start), logger.Fields{
				"type": ev.Type,
				"asks": len(ev.Asks),
				"bids": len(ev.Bids),
			})
		}
	}
}

func (p *Processor) apply(ev models.OrderBookEvent) {
	p.mu.Lock()
	p.book.Apply(ev)
	if ev.Type == models.EventInit {
		p.ready = true
	}
	p.mu.Unlock()

	p.applied++
	metrics.IncEventApplied(p.pair, string(ev.Type))
}

func (p *Processor) notify(ctx context.Context, ev models.OrderBookEvent) error {
	p.subsMu.Lock()
	subs := append([]*channel.Channel(nil), p.subscribers...)
	p.subsMu.Unlock()

	n := channel.Notification{Type: ev.Type, Event: ev}
	for _, ch := range subs {
		if err := ch.Send(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) closeSubscribers() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subscribers {
		ch.Close()
	}
}

// Snapshot returns a deep copy of the current book.
func (p *Processor) Snapshot() *models.OrderBook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.book.Clone()
}

// Ready reports whether an INIT has been applied.
func (p *Processor) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *Processor) Pair() string {
	return p.pair
}

// Subscribers exposes the subscriber channels for channel size reporting.
func (p *Processor) Subscribers() []*channel.Channel {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	return append([]*channel.Channel(nil), p.subscribers...)
}
