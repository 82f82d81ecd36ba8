package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DatabaseConfig{
		Driver:           "sqlite",
		DSN:              filepath.Join(t.TempDir(), "depthwatch.db"),
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

func seedPair(t *testing.T, s *Store, symbol string) models.Pair {
	t.Helper()
	ctx := context.Background()
	ex, err := s.CreateExchange(ctx, models.ExchangeBinance)
	if err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	p, err := s.CreatePair(ctx, models.Pair{Symbol: symbol, Delimiter: decimal.NewFromInt(100), ExchangeID: ex.ID})
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	return p
}

func TestPairsAndExchanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	btc := seedPair(t, s, "BTC/USDT")
	seedPair(t, s, "ETH/USDT")

	got, err := s.GetPair(ctx, btc.ID)
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if got.Symbol != "BTC/USDT" || !got.Delimiter.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected pair %+v", got)
	}
	ex, err := s.GetExchange(ctx, got.ExchangeID)
	if err != nil || ex.Name != models.ExchangeBinance {
		t.Fatalf("unexpected exchange %+v err %v", ex, err)
	}
	pairs, err := s.ListPairs(ctx)
	if err != nil || len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d err %v", len(pairs), err)
	}
	if _, err := s.GetPair(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateExchangeReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateExchange(ctx, models.ExchangeBinance)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := s.CreateExchange(ctx, models.ExchangeBinance)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID || second.Name != models.ExchangeBinance {
		t.Fatalf("expected the existing exchange %s, got %s", first.ID, second.ID)
	}
	other, err := s.CreateExchange(ctx, models.ExchangeKraken)
	if err != nil || other.ID == first.ID {
		t.Fatalf("distinct names need distinct rows: %v %v", other, err)
	}
}

func TestSaveOrderBookKeepsStamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pair := seedPair(t, s, "BTC/USDT")
	launch := uuid.New()

	for stamp := int64(1); stamp <= 3; stamp++ {
		err := s.SaveOrderBook(ctx, models.OrderBookRecord{
			LaunchID:  launch,
			PairID:    pair.ID,
			StampID:   stamp,
			OrderBook: []byte(`{"a":{"27300":"9"},"b":{"27200":"9"}}`),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("save stamp %d: %v", stamp, err)
		}
	}
	recs, err := s.OrderBooks(ctx, launch, pair.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.StampID != int64(i+1) {
			t.Fatalf("stamps not gap free: %d at %d", r.StampID, i)
		}
		if _, err := models.UnmarshalBook(r.OrderBook); err != nil {
			t.Fatalf("stored book is not valid: %v", err)
		}
	}
}

func TestResolveAnomaliesIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pair := seedPair(t, s, "BTC/USDT")
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	limit := models.OrderBookAnomaly{
		ID: uuid.New(), LaunchID: uuid.New(), PairID: pair.ID,
		Price: decimal.NewFromInt(27400), Quantity: decimal.NewFromInt(9),
		OrderLiquidity: decimal.NewFromInt(246600), AverageLiquidity: decimal.NewFromInt(27500),
		Position: 1, Type: models.AnomalyAsk, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveAnomalies(ctx, []models.OrderBookAnomaly{limit}); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := s.ResolveAnomalies(ctx, []uuid.UUID{limit.ID}, false, now.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("first resolve: n=%d err=%v", n, err)
	}
	n, err = s.ResolveAnomalies(ctx, []uuid.UUID{limit.ID}, true, now.Add(2*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("second resolve must not change anything: n=%d err=%v", n, err)
	}

	got, err := s.GetAnomaly(ctx, limit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsCancelled == nil || *got.IsCancelled {
		t.Fatalf("expected realized anomaly, got %v", got.IsCancelled)
	}
}

func TestSumConfirmedLiquidity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pair := seedPair(t, s, "BTC/USDT")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f, tr := false, true

	mk := func(typ models.AnomalyType, liq int64, cancelled *bool, at time.Time) models.OrderBookAnomaly {
		return models.OrderBookAnomaly{
			ID: uuid.New(), LaunchID: uuid.New(), PairID: pair.ID,
			Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
			OrderLiquidity: decimal.NewFromInt(liq), AverageLiquidity: decimal.NewFromInt(1),
			Type: typ, IsCancelled: cancelled, CreatedAt: at, UpdatedAt: at,
		}
	}
	err := s.SaveAnomalies(ctx, []models.OrderBookAnomaly{
		mk(models.AnomalyBid, 100, &f, base.Add(10*time.Second)),
		mk(models.AnomalyBid, 50, &f, base.Add(20*time.Second)),
		mk(models.AnomalyBid, 70, &tr, base.Add(20*time.Second)),
		mk(models.AnomalyBid, 30, nil, base.Add(20*time.Second)),
		mk(models.AnomalyBid, 999, &f, base.Add(2*time.Minute)),
		mk(models.AnomalyAsk, 40, &f, base.Add(30*time.Second)),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	bids, err := s.SumConfirmedLiquidity(ctx, pair.ID, models.AnomalyBid, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("sum bids: %v", err)
	}
	if !bids.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected bids 150, got %s", bids)
	}
	asks, err := s.SumConfirmedLiquidity(ctx, pair.ID, models.AnomalyAsk, base, base.Add(time.Minute))
	if err != nil || !asks.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected asks 40, got %s err %v", asks, err)
	}
}

func TestLatestSummariesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pair := seedPair(t, s, "BTC/USDT")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, diff := range []string{"1.25", "1.2", "1", "-0.1"} {
		err := s.SaveSummary(ctx, models.OrdersAnomaliesSummary{
			LaunchID: uuid.New(), PairID: pair.ID,
			OrdersTotalDifference: decimal.RequireFromString(diff),
			CreatedAt:             base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("save summary: %v", err)
		}
	}
	got, err := s.LatestSummaries(ctx, pair.ID, 3)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(got))
	}
	if !got[0].OrdersTotalDifference.Equal(decimal.RequireFromString("-0.1")) || !got[2].OrdersTotalDifference.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("unexpected order: %s %s", got[0].OrdersTotalDifference, got[2].OrdersTotalDifference)
	}
}

func TestClaimPairsUnassignedFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	a, b := uuid.New(), uuid.New()
	if err := s.CreateMaestro(ctx, a, uuid.New(), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateMaestro(ctx, b, uuid.New(), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	seedPair(t, s, "BTC/USDT")
	seedPair(t, s, "ETH/USDT")

	claimed, err := s.ClaimPairs(ctx, a, now, time.Minute)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("first claim: %v err %v", claimed, err)
	}
	claimed, err = s.ClaimPairs(ctx, b, now, time.Minute)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("healthy cluster must yield nothing: %v err %v", claimed, err)
	}
}

func TestClaimPairsTakesOverDeadMaestro(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	gap := time.Minute

	maestros := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	owned := map[uuid.UUID][]uuid.UUID{}
	for i, id := range maestros {
		if err := s.CreateMaestro(ctx, id, uuid.New(), now); err != nil {
			t.Fatalf("create maestro: %v", err)
		}
		seedPair(t, s, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}[i])
		claimed, err := s.ClaimPairs(ctx, id, now, gap)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("maestro %d claim: %v err %v", i, claimed, err)
		}
		owned[id] = claimed
	}

	dead, survivor := maestros[2], maestros[0]
	later := now.Add(5 * time.Minute)
	for _, id := range maestros[:2] {
		if err := s.RefreshLiveness(ctx, id, later); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}

	before, err := s.Associations(ctx)
	if err != nil {
		t.Fatalf("associations: %v", err)
	}

	inherited, err := s.ClaimPairs(ctx, survivor, later, gap)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if len(inherited) != 1 || inherited[0] != owned[dead][0] {
		t.Fatalf("expected to inherit %v, got %v", owned[dead], inherited)
	}

	after, err := s.Associations(ctx)
	if err != nil {
		t.Fatalf("associations: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("association count changed: %d -> %d", len(before), len(after))
	}
	if after[owned[dead][0]] != survivor {
		t.Fatalf("pair not transferred to survivor")
	}
	if exists, err := s.MaestroExists(ctx, dead); err != nil || exists {
		t.Fatalf("dead maestro row must be deleted: exists=%v err=%v", exists, err)
	}
	if err := s.RefreshLiveness(ctx, dead, later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dead maestro refresh must report ErrNotFound, got %v", err)
	}
}

func TestDeleteMaestroReleasesPairs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.New()
	if err := s.CreateMaestro(ctx, id, uuid.New(), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	seedPair(t, s, "BTC/USDT")
	if _, err := s.ClaimPairs(ctx, id, now, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.DeleteMaestro(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assoc, err := s.Associations(ctx)
	if err != nil || len(assoc) != 0 {
		t.Fatalf("expected no associations, got %d err %v", len(assoc), err)
	}
}

func TestReleasePairsMakesThemClaimable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	self, peer := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{self, peer} {
		if err := s.CreateMaestro(ctx, id, uuid.New(), now); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	btc := seedPair(t, s, "BTC/USDT")
	eth := seedPair(t, s, "ETH/USDT")
	if claimed, err := s.ClaimPairs(ctx, self, now, time.Minute); err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	if err := s.ReleasePairs(ctx, peer, []uuid.UUID{btc.ID}); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if assoc, _ := s.Associations(ctx); assoc[btc.ID] != self {
		t.Fatalf("a maestro must not release pairs it does not own")
	}

	if err := s.ReleasePairs(ctx, self, []uuid.UUID{btc.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err := s.ClaimPairs(ctx, peer, now, time.Minute)
	if err != nil || len(claimed) != 1 || claimed[0] != btc.ID {
		t.Fatalf("released pair must be claimable, got %v %v", claimed, err)
	}
	if assoc, _ := s.Associations(ctx); assoc[eth.ID] != self {
		t.Fatalf("unreleased pair changed owner")
	}
}
