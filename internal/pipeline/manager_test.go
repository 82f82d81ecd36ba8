package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/internal/store"
	"depthwatch/models"
	"depthwatch/reader"
)

const scriptedExchange models.ExchangeName = "SCRIPTED"

type scriptedClient struct{}

func (scriptedClient) ListenDepthStream(ctx context.Context, out chan<- models.OrderBookEvent) error {
	lvl := func(p, q string) models.Level {
		return models.Level{Price: decimal.RequireFromString(p), Quantity: decimal.RequireFromString(q)}
	}
	err := reader.Emit(ctx, out, models.OrderBookEvent{
		Type: models.EventInit,
		Asks: []models.Level{lvl("27310", "1"), lvl("27420", "2")},
		Bids: []models.Level{lvl("27290", "3"), lvl("27180", "4")},
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func init() {
	reader.Register(scriptedExchange, func(string, *config.Config) (reader.DepthStreamer, error) {
		return scriptedClient{}, nil
	})
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Workers.DB.JobInterval = 10 * time.Millisecond
	cfg.Workers.Volume.JobInterval = 10 * time.Millisecond
	cfg.Workers.Orders.JobInterval = 10 * time.Millisecond
	cfg.Workers.Summary.JobInterval = 10 * time.Millisecond
	cfg.Collector.EventBuffer = 8
	return &cfg
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{
		Driver:           "sqlite",
		DSN:              filepath.Join(t.TempDir(), "pipeline.db"),
		PoolSize:         1,
		OperationTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestLaunchRunsPairPipeline(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ex, err := s.CreateExchange(ctx, scriptedExchange)
	if err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	pair, err := s.CreatePair(ctx, models.Pair{Symbol: "BTC/USDT", Delimiter: decimal.NewFromInt(100), ExchangeID: ex.ID})
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}

	launch := uuid.New()
	m := NewManager(testConfig(), launch, s, nil, nil, nil)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.Launch(runCtx, pair.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := m.Launch(runCtx, pair.ID); err == nil {
		t.Fatalf("second launch of the same pair must fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		pairs := m.Pairs()
		if len(pairs) == 1 && pairs[0].Ready && pairs[0].StampID > 0 {
			if pairs[0].Exchange != scriptedExchange {
				t.Fatalf("unexpected exchange %s", pairs[0].Exchange)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline did not persist a book in time: %+v", pairs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	book, ok := m.Book("btc-usdt")
	if !ok {
		t.Fatalf("live book must be reachable by normalized symbol")
	}
	if l, ok := book.Asks.Get(decimal.NewFromInt(27310)); !ok || !l.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected book %v", book.Asks)
	}

	records, err := s.OrderBooks(ctx, launch, pair.ID)
	if err != nil || len(records) == 0 {
		t.Fatalf("expected persisted books, got %d err %v", len(records), err)
	}
	grouped, err := models.UnmarshalBook(records[0].OrderBook)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := grouped.Asks.Get(decimal.NewFromInt(27300)); !ok {
		t.Fatalf("persisted book must be grouped by the delimiter: %v", grouped.Asks)
	}

	cancel()
	m.Wait()
	if len(m.Pairs()) != 0 {
		t.Fatalf("stopped pipelines must be forgotten")
	}
}

func TestLaunchUnknownPair(t *testing.T) {
	s := openStore(t)
	m := NewManager(testConfig(), uuid.New(), s, nil, nil, nil)
	if err := m.Launch(context.Background(), uuid.New()); err == nil {
		t.Fatalf("expected error for unknown pair")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	for in, want := range map[string]string{"btc-usdt": "BTC/USDT", "ETH_USD": "ETH/USD", " XBT/USD ": "XBT/USD"} {
		if got := normalizeSymbol(in); got != want {
			t.Fatalf("normalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
