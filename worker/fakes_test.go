package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBook struct {
	book  *models.OrderBook
	ready bool
}

func (b *fakeBook) Snapshot() *models.OrderBook { return b.book.Clone() }
func (b *fakeBook) Ready() bool                 { return b.ready }

func bookOf(asks, bids map[string]string) *models.OrderBook {
	ob := models.NewOrderBook()
	for p, q := range asks {
		ob.Asks.Set(decimal.RequireFromString(p), decimal.RequireFromString(q))
	}
	for p, q := range bids {
		ob.Bids.Set(decimal.RequireFromString(p), decimal.RequireFromString(q))
	}
	return ob
}

type fakeStore struct {
	mu         sync.Mutex
	fail       error
	books      []models.OrderBookRecord
	volumes    []models.Volume
	anomalies  map[uuid.UUID]models.OrderBookAnomaly
	summaries  []models.OrdersAnomaliesSummary
	sums       map[models.AnomalyType]decimal.Decimal
	sumWindows [][2]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		anomalies: make(map[uuid.UUID]models.OrderBookAnomaly),
		sums:      make(map[models.AnomalyType]decimal.Decimal),
	}
}

func (s *fakeStore) SaveOrderBook(_ context.Context, rec models.OrderBookRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.books = append(s.books, rec)
	return nil
}

func (s *fakeStore) SaveVolume(_ context.Context, v models.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.volumes = append(s.volumes, v)
	return nil
}

func (s *fakeStore) SaveAnomalies(_ context.Context, batch []models.OrderBookAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, a := range batch {
		s.anomalies[a.ID] = a
	}
	return nil
}

func (s *fakeStore) ResolveAnomalies(_ context.Context, ids []uuid.UUID, cancelled bool, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var n int64
	for _, id := range ids {
		a, ok := s.anomalies[id]
		if !ok || a.IsCancelled != nil {
			continue
		}
		c := cancelled
		a.IsCancelled = &c
		a.UpdatedAt = at
		s.anomalies[id] = a
		n++
	}
	return n, nil
}

func (s *fakeStore) SumConfirmedLiquidity(_ context.Context, _ uuid.UUID, typ models.AnomalyType, from, to time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sumWindows = append(s.sumWindows, [2]time.Time{from, to})
	return s.sums[typ], nil
}

func (s *fakeStore) SaveSummary(_ context.Context, sum models.OrdersAnomaliesSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *fakeStore) LatestSummaries(_ context.Context, _ uuid.UUID, limit int) ([]models.OrdersAnomaliesSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.OrdersAnomaliesSummary(nil), s.summaries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errStoreDown = errors.New("store down")

type fakeNotifier struct {
	mu            sync.Mutex
	detections    [][]models.OrderBookAnomaly
	cancellations [][]models.OrderBookAnomaly
	realizations  [][]models.OrderBookAnomaly
	volumes       []models.VolumeDeviation
	summaries     []models.SummaryDeviation
}

func (n *fakeNotifier) SendAnomalyDetection(_ context.Context, _ models.Pair, batch []models.OrderBookAnomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detections = append(n.detections, batch)
	return nil
}

func (n *fakeNotifier) SendAnomalyCancellation(_ context.Context, _ models.Pair, batch []models.OrderBookAnomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancellations = append(n.cancellations, batch)
	return nil
}

func (n *fakeNotifier) SendAnomalyRealization(_ context.Context, _ models.Pair, batch []models.OrderBookAnomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.realizations = append(n.realizations, batch)
	return nil
}

func (n *fakeNotifier) SendVolumeNotification(_ context.Context, _ models.Pair, v models.VolumeDeviation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.volumes = append(n.volumes, v)
	return nil
}

func (n *fakeNotifier) SendSummaryNotification(_ context.Context, _ models.Pair, s models.SummaryDeviation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func testPair() models.Pair {
	return models.Pair{ID: uuid.New(), Symbol: "BTC/USDT", Delimiter: decimal.NewFromInt(100), ExchangeID: uuid.New()}
}
