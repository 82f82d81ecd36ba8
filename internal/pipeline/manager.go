package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
	"depthwatch/processor"
	"depthwatch/reader"
	"depthwatch/worker"

	// exchange clients register themselves with the reader registry
	_ "depthwatch/reader/binance"
	_ "depthwatch/reader/coinbase"
	_ "depthwatch/reader/kraken"
)

// Store is the persistence the pipelines of all pairs share.
type Store interface {
	GetPair(ctx context.Context, id uuid.UUID) (models.Pair, error)
	GetExchange(ctx context.Context, id uuid.UUID) (models.Exchange, error)
	worker.OrderBookStore
	worker.VolumeStore
	worker.AnomalyStore
	worker.SummaryStore
}

// Pipeline is the running ingestion of one pair: exchange client, collector,
// processor and the four workers.
type Pipeline struct {
	pair      models.Pair
	exchange  models.ExchangeName
	collector *reader.Collector
	processor *processor.Processor
	db        *worker.DBWorker
	volume    *worker.VolumeWorker
	orders    *worker.OrdersWorker
	summary   *worker.SummaryWorker
	startedAt time.Time
}

func (p *Pipeline) Status() models.PairStatus {
	return models.PairStatus{
		Pair:        p.pair,
		Exchange:    p.exchange,
		Ready:       p.processor.Ready(),
		Interrupted: p.collector.Interrupted(),
		StampID:     p.db.Stamp(),
		StartedAt:   p.startedAt,
	}
}

// Manager launches pipelines for the pairs the maestro claims.
type Manager struct {
	cfg      *config.Config
	launchID uuid.UUID
	store    Store
	notifier worker.Notifier
	archiver worker.Archiver
	guard    worker.Guard
	clock    worker.Clock

	mu        sync.RWMutex
	pipelines map[uuid.UUID]*Pipeline
	wg        sync.WaitGroup
	log       *logger.Log
}

// NewManager builds a launcher. archiver and guard may be nil.
func NewManager(cfg *config.Config, launchID uuid.UUID, store Store, notifier worker.Notifier, archiver worker.Archiver, guard worker.Guard) *Manager {
	return &Manager{
		cfg:       cfg,
		launchID:  launchID,
		store:     store,
		notifier:  notifier,
		archiver:  archiver,
		guard:     guard,
		clock:     worker.SystemClock,
		pipelines: make(map[uuid.UUID]*Pipeline),
		log:       logger.GetLogger(),
	}
}

// Launch starts the pipeline of pairID in the background. It returns once
// every goroutine is started; they stop when ctx is cancelled.
func (m *Manager) Launch(ctx context.Context, pairID uuid.UUID) error {
	m.mu.RLock()
	_, running := m.pipelines[pairID]
	m.mu.RUnlock()
	if running {
		return fmt.Errorf("pipeline for pair %s already running", pairID)
	}

	pair, err := m.store.GetPair(ctx, pairID)
	if err != nil {
		return fmt.Errorf("load pair: %w", err)
	}
	exchange, err := m.store.GetExchange(ctx, pair.ExchangeID)
	if err != nil {
		return fmt.Errorf("load exchange of %s: %w", pair.Symbol, err)
	}
	client, err := reader.NewClient(exchange.Name, pair.Symbol, m.cfg)
	if err != nil {
		return fmt.Errorf("build %s client for %s: %w", exchange.Name, pair.Symbol, err)
	}

	p := m.assemble(pair, exchange.Name, client)
	updates := p.processor.Subscribe("volume", m.cfg.Collector.EventBuffer)

	m.mu.Lock()
	m.pipelines[pairID] = p
	owned := len(m.pipelines)
	m.mu.Unlock()
	metrics.SetPairsOwned(owned)

	m.run(ctx, p, "processor", func(ctx context.Context) {
		if err := p.processor.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.WithComponent("processor").WithFields(logger.Fields{"pair": pair.Symbol}).WithError(err).Error("processor stopped")
		}
	})
	m.run(ctx, p, "volume_consumer", func(ctx context.Context) { p.volume.Consume(ctx, updates) })

	wc := m.cfg.Workers
	for _, job := range []worker.Periodic{
		{Name: "db_worker", Interval: wc.DB.JobInterval, Task: p.db.Tick},
		{Name: "volume_worker", Interval: wc.Volume.JobInterval, Task: p.volume.Tick},
		{Name: "orders_worker", Interval: wc.Orders.JobInterval, Task: p.orders.Tick},
		{Name: "summary_worker", Interval: wc.Summary.JobInterval, Task: p.summary.Tick},
	} {
		job := job
		job.Guard = m.guard
		job.Clock = m.clock
		m.run(ctx, p, job.Name, func(ctx context.Context) { _ = job.Run(ctx) })
	}

	metrics.StartChannelSizeMetrics(ctx, pair.Symbol, m.cfg.Logging.ReportInterval, p.processor.Subscribers()...)

	m.log.WithComponent("pipeline").WithFields(logger.Fields{
		"pair":      pair.Symbol,
		"pair_id":   pair.ID,
		"exchange":  exchange.Name,
		"delimiter": pair.Delimiter.String(),
	}).Info("pair pipeline started")
	return nil
}

func (m *Manager) assemble(pair models.Pair, exchange models.ExchangeName, client reader.DepthStreamer) *Pipeline {
	cc := m.cfg.Collector
	collector := reader.NewCollector(client, pair.Symbol, cc.ReconnectMin, cc.ReconnectMax)
	proc := processor.NewProcessor(pair.Symbol, collector, cc.EventBuffer)
	wc := m.cfg.Workers
	return &Pipeline{
		pair:      pair,
		exchange:  exchange,
		collector: collector,
		processor: proc,
		db:        worker.NewDBWorker(m.launchID, pair, exchange, proc, m.store, m.archiver, m.clock),
		volume:    worker.NewVolumeWorker(m.launchID, pair, wc.Volume, m.store, m.notifier, m.clock),
		orders:    worker.NewOrdersWorker(m.launchID, pair, wc.Orders, proc, m.store, m.notifier, m.clock),
		summary:   worker.NewSummaryWorker(m.launchID, pair, wc.Summary, m.store, m.notifier, m.clock),
		startedAt: m.clock.Now(),
	}
}

// run starts fn in a goroutine tracked by Wait. The pipeline is forgotten
// once ctx is done.
func (m *Manager) run(ctx context.Context, p *Pipeline, name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
		if name == "processor" {
			m.mu.Lock()
			delete(m.pipelines, p.pair.ID)
			m.mu.Unlock()
		}
	}()
}

// Wait blocks until every launched goroutine returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Pairs returns the status of every running pipeline ordered by symbol.
func (m *Manager) Pairs() []models.PairStatus {
	m.mu.RLock()
	out := make([]models.PairStatus, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.Symbol < out[j].Pair.Symbol })
	return out
}

// Book returns a deep copy of the live book of symbol. Symbols match case
// insensitively and "-" or "_" may stand for "/".
func (m *Manager) Book(symbol string) (*models.OrderBook, bool) {
	want := normalizeSymbol(symbol)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pipelines {
		if normalizeSymbol(p.pair.Symbol) == want {
			if !p.processor.Ready() {
				return nil, false
			}
			return p.processor.Snapshot(), true
		}
	}
	return nil, false
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "/", "_", "/").Replace(strings.TrimSpace(s)))
}
