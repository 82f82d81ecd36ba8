package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"depthwatch/config"
	"depthwatch/logger"
	"depthwatch/models"
)

// ErrNotFound is returned when a looked up row does not exist.
var ErrNotFound = errors.New("not found")

const defaultOperationTimeout = 10 * time.Second

// Store is the persistence API shared by the maestro and the workers.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
	log     *logger.Log
}

// Open connects with the configured driver and applies the pool settings.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	log := logger.GetLogger()
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(log.WithComponent("store"), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.PoolSize > 0 {
		sqlDB.SetMaxIdleConns(cfg.PoolSize)
		sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	}
	if cfg.Recycle > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Recycle)
	}

	log.WithComponent("store").WithFields(logger.Fields{
		"driver":       cfg.Driver,
		"pool_size":    cfg.PoolSize,
		"max_overflow": cfg.MaxOverflow,
		"recycle":      cfg.Recycle.String(),
	}).Info("database connected")

	return New(db, cfg.OperationTimeout), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Store{db: db, timeout: timeout, log: logger.GetLogger()}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// AutoMigrate creates the tables. Production schemas are managed outside the
// process; this is meant for development and tests.
func (s *Store) AutoMigrate(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).AutoMigrate(allRows()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////// EXCHANGES & PAIRS /////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CreateExchange inserts an exchange row, returning the existing one when the name is taken.
func (s *Store) CreateExchange(ctx context.Context, name models.ExchangeName) (models.Exchange, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// the id is only used on insert so an existing name is matched by name alone
	var row exchangeRow
	err := s.db.WithContext(ctx).
		Where(exchangeRow{Name: string(name)}).
		Attrs(exchangeRow{ID: uuid.New()}).
		FirstOrCreate(&row).Error
	if err != nil {
		return models.Exchange{}, fmt.Errorf("create exchange %s: %w", name, err)
	}
	return models.Exchange{ID: row.ID, Name: models.ExchangeName(row.Name)}, nil
}

func (s *Store) CreatePair(ctx context.Context, p models.Pair) (models.Pair, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := pairRow{ID: p.ID, Symbol: p.Symbol, Delimiter: p.Delimiter, ExchangeID: p.ExchangeID}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Pair{}, fmt.Errorf("create pair %s: %w", p.Symbol, err)
	}
	return row.model(), nil
}

func (s *Store) GetPair(ctx context.Context, id uuid.UUID) (models.Pair, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row pairRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Pair{}, fmt.Errorf("pair %s: %w", id, ErrNotFound)
		}
		return models.Pair{}, fmt.Errorf("get pair %s: %w", id, err)
	}
	return row.model(), nil
}

func (s *Store) GetExchange(ctx context.Context, id uuid.UUID) (models.Exchange, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row exchangeRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Exchange{}, fmt.Errorf("exchange %s: %w", id, ErrNotFound)
		}
		return models.Exchange{}, fmt.Errorf("get exchange %s: %w", id, err)
	}
	return models.Exchange{ID: row.ID, Name: models.ExchangeName(row.Name)}, nil
}

func (s *Store) ListPairs(ctx context.Context) ([]models.Pair, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []pairRow
	if err := s.db.WithContext(ctx).Order("symbol").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	out := make([]models.Pair, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// WORKERS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (s *Store) SaveOrderBook(ctx context.Context, rec models.OrderBookRecord) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := orderBookRow{
		LaunchID:  rec.LaunchID,
		PairID:    rec.PairID,
		StampID:   rec.StampID,
		OrderBook: datatypes.JSON(rec.OrderBook),
		CreatedAt: rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save order book stamp %d: %w", rec.StampID, err)
	}
	return nil
}

// OrderBooks returns the persisted snapshots of a launch and pair ordered by stamp.
func (s *Store) OrderBooks(ctx context.Context, launchID, pairID uuid.UUID) ([]models.OrderBookRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []orderBookRow
	err := s.db.WithContext(ctx).
		Where("launch_id = ? AND pair_id = ?", launchID, pairID).
		Order("stamp_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list order books: %w", err)
	}
	out := make([]models.OrderBookRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.OrderBookRecord{
			LaunchID:  r.LaunchID,
			PairID:    r.PairID,
			StampID:   r.StampID,
			OrderBook: []byte(r.OrderBook),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) SaveVolume(ctx context.Context, v models.Volume) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := volumeRow{
		LaunchID:      v.LaunchID,
		PairID:        v.PairID,
		AverageVolume: v.AverageVolume,
		BidAskRatio:   v.BidAskRatio,
		CreatedAt:     v.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save volume: %w", err)
	}
	return nil
}

// SaveAnomalies inserts the batch in one transaction.
func (s *Store) SaveAnomalies(ctx context.Context, anomalies []models.OrderBookAnomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows := make([]anomalyRow, 0, len(anomalies))
	for _, a := range anomalies {
		rows = append(rows, newAnomalyRow(a))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("save %d anomalies: %w", len(rows), err)
	}
	return nil
}

// ResolveAnomalies records the fate of limit anomalies. Rows already resolved
// are left untouched, so repeating the call is harmless.
func (s *Store) ResolveAnomalies(ctx context.Context, ids []uuid.UUID, cancelled bool, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&anomalyRow{}).
		Where("id IN ? AND is_cancelled IS NULL", ids).
		Updates(map[string]interface{}{"is_cancelled": cancelled, "updated_at": at})
	if res.Error != nil {
		return 0, fmt.Errorf("resolve %d anomalies: %w", len(ids), res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) GetAnomaly(ctx context.Context, id uuid.UUID) (models.OrderBookAnomaly, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row anomalyRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.OrderBookAnomaly{}, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
		}
		return models.OrderBookAnomaly{}, fmt.Errorf("get anomaly %s: %w", id, err)
	}
	return row.model(), nil
}

// SumConfirmedLiquidity sums order_liquidity of the confirmed anomalies of one
// side whose updated_at lies in (from, to].
func (s *Store) SumConfirmedLiquidity(ctx context.Context, pairID uuid.UUID, typ models.AnomalyType, from, to time.Time) (decimal.Decimal, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []anomalyRow
	err := s.db.WithContext(ctx).
		Select("order_liquidity").
		Where("pair_id = ? AND type = ? AND is_cancelled = ? AND updated_at > ? AND updated_at <= ?",
			pairID, string(typ), false, from, to).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum %s liquidity: %w", typ, err)
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.OrderLiquidity)
	}
	return total, nil
}

func (s *Store) SaveSummary(ctx context.Context, sum models.OrdersAnomaliesSummary) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := summaryRow{
		LaunchID:              sum.LaunchID,
		PairID:                sum.PairID,
		OrdersTotalDifference: sum.OrdersTotalDifference,
		CreatedAt:             sum.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LatestSummaries returns up to limit summaries of the pair, newest first.
func (s *Store) LatestSummaries(ctx context.Context, pairID uuid.UUID, limit int) ([]models.OrdersAnomaliesSummary, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []summaryRow
	err := s.db.WithContext(ctx).
		Where("pair_id = ?", pairID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest summaries: %w", err)
	}
	out := make([]models.OrdersAnomaliesSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.OrdersAnomaliesSummary{
			LaunchID:              r.LaunchID,
			PairID:                r.PairID,
			OrdersTotalDifference: r.OrdersTotalDifference,
			CreatedAt:             r.CreatedAt,
		})
	}
	return out, nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// MAESTRO ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (s *Store) CreateMaestro(ctx context.Context, id, launchID uuid.UUID, now time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := maestroRow{ID: id, LaunchID: launchID, LatestLivenessTime: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create maestro %s: %w", id, err)
	}
	return nil
}

// RefreshLiveness stamps the maestro as alive. A missing row means a peer
// took over this maestro's pairs.
func (s *Store) RefreshLiveness(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&maestroRow{}).
		Where("id = ?", id).
		Update("latest_liveness_time", now)
	if res.Error != nil {
		return fmt.Errorf("refresh liveness %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("maestro %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMaestro removes the maestro row and releases its pairs.
func (s *Store) DeleteMaestro(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("maestro_instance_id = ?", id).Delete(&associationRow{}).Error; err != nil {
			return fmt.Errorf("release pairs of %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&maestroRow{}).Error; err != nil {
			return fmt.Errorf("delete maestro %s: %w", id, err)
		}
		return nil
	})
}

// ReleasePairs drops the associations of self for pairIDs so the next claim
// cycle of any maestro sees them as unassigned.
func (s *Store) ReleasePairs(ctx context.Context, self uuid.UUID, pairIDs []uuid.UUID) error {
	if len(pairIDs) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).
		Where("maestro_instance_id = ? AND pair_id IN ?", self, pairIDs).
		Delete(&associationRow{}).Error
	if err != nil {
		return fmt.Errorf("release %d pairs of %s: %w", len(pairIDs), self, err)
	}
	return nil
}

// ClaimPairs runs one claim cycle for self inside a single transaction:
// unassigned pairs are taken first; otherwise the pairs of the oldest maestro
// whose liveness is older than maxGap are inherited and that maestro is
// deleted. An empty result means the cluster is healthy.
func (s *Store) ClaimPairs(ctx context.Context, self uuid.UUID, now time.Time, maxGap time.Duration) ([]uuid.UUID, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	log := s.log.WithComponent("store").WithFields(logger.Fields{"maestro_id": self, "operation": "claim_pairs"})
	var claimed []uuid.UUID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var free []pairRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id NOT IN (?)", tx.Model(&associationRow{}).Select("pair_id")).
			Order("symbol").
			Find(&free).Error
		if err != nil {
			return fmt.Errorf("select unassigned pairs: %w", err)
		}

		if len(free) > 0 {
			assoc := make([]associationRow, 0, len(free))
			for _, p := range free {
				assoc = append(assoc, associationRow{MaestroInstanceID: self, PairID: p.ID})
				claimed = append(claimed, p.ID)
			}
			if err := tx.Create(&assoc).Error; err != nil {
				return fmt.Errorf("assign %d pairs: %w", len(assoc), err)
			}
			log.WithField("pairs", len(claimed)).Info("claimed unassigned pairs")
			return nil
		}

		var dead []maestroRow
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("latest_liveness_time < ? AND id <> ?", now.Add(-maxGap), self).
			Order("latest_liveness_time").
			Limit(1).
			Find(&dead).Error
		if err != nil {
			return fmt.Errorf("select dead maestro: %w", err)
		}
		if len(dead) == 0 {
			return nil
		}
		deadID := dead[0].ID

		if err := tx.Model(&associationRow{}).
			Where("maestro_instance_id = ?", deadID).
			Pluck("pair_id", &claimed).Error; err != nil {
			return fmt.Errorf("select pairs of %s: %w", deadID, err)
		}
		if err := tx.Model(&associationRow{}).
			Where("maestro_instance_id = ?", deadID).
			Update("maestro_instance_id", self).Error; err != nil {
			return fmt.Errorf("reassign pairs of %s: %w", deadID, err)
		}
		if err := tx.Where("id = ?", deadID).Delete(&maestroRow{}).Error; err != nil {
			return fmt.Errorf("delete maestro %s: %w", deadID, err)
		}

		log.WithFields(logger.Fields{
			"dead_maestro_id": deadID,
			"pairs":           len(claimed),
			"last_seen":       dead[0].LatestLivenessTime,
		}).Warn("took over pairs of dead maestro")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim pairs: %w", err)
	}
	return claimed, nil
}

// Associations returns pair id to maestro id for every assigned pair.
func (s *Store) Associations(ctx context.Context) (map[uuid.UUID]uuid.UUID, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []associationRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	out := make(map[uuid.UUID]uuid.UUID, len(rows))
	for _, r := range rows {
		out[r.PairID] = r.MaestroInstanceID
	}
	return out, nil
}

// MaestroExists reports whether the maestro row is still present.
func (s *Store) MaestroExists(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var count int64
	if err := s.db.WithContext(ctx).Model(&maestroRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count maestro %s: %w", id, err)
	}
	return count > 0, nil
}
