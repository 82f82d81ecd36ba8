package maestro

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/internal/store"
	"depthwatch/logger"
	"depthwatch/worker"
)

// ErrTakenOver is returned by Run when a peer deleted this maestro's row and
// inherited its pairs.
var ErrTakenOver = errors.New("maestro taken over by a peer")

// Store is the slice of the persistence API the claim protocol needs.
type Store interface {
	CreateMaestro(ctx context.Context, id, launchID uuid.UUID, now time.Time) error
	RefreshLiveness(ctx context.Context, id uuid.UUID, now time.Time) error
	DeleteMaestro(ctx context.Context, id uuid.UUID) error
	ClaimPairs(ctx context.Context, self uuid.UUID, now time.Time, maxGap time.Duration) ([]uuid.UUID, error)
	ReleasePairs(ctx context.Context, self uuid.UUID, pairIDs []uuid.UUID) error
}

// Launcher starts the ingestion pipeline of one pair. Launch must not block
// for the lifetime of the pipeline; the pipeline stops when ctx is done.
type Launcher interface {
	Launch(ctx context.Context, pairID uuid.UUID) error
}

// Maestro keeps a disjoint subset of pairs covered by this process.
type Maestro struct {
	id       uuid.UUID
	launchID uuid.UUID
	cfg      config.MaestroConfig
	store    Store
	launcher Launcher
	clock    worker.Clock

	mu        sync.Mutex
	owned     map[uuid.UUID]time.Time
	stranded  []uuid.UUID
	takenOver bool
	log       *logger.Log
}

func New(launchID uuid.UUID, cfg config.MaestroConfig, st Store, launcher Launcher, clock worker.Clock) *Maestro {
	if clock == nil {
		clock = worker.SystemClock
	}
	return &Maestro{
		id:       uuid.New(),
		launchID: launchID,
		cfg:      cfg,
		store:    st,
		launcher: launcher,
		clock:    clock,
		owned:    make(map[uuid.UUID]time.Time),
		log:      logger.GetLogger(),
	}
}

func (m *Maestro) ID() uuid.UUID { return m.id }

// Run registers the maestro, then keeps its liveness fresh and runs claim
// cycles until ctx is cancelled or a peer takes this maestro over. Pipelines
// are launched with a context that ends when Run returns.
func (m *Maestro) Run(ctx context.Context) error {
	log := m.log.WithComponent("maestro").WithFields(logger.Fields{
		"maestro_id": m.id,
		"launch_id":  m.launchID,
	})

	if err := m.store.CreateMaestro(ctx, m.id, m.launchID, m.clock.Now()); err != nil {
		return fmt.Errorf("register maestro: %w", err)
	}
	log.Info("maestro registered")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	liveness := &worker.Periodic{
		Name:     "maestro_liveness",
		Interval: m.cfg.LivenessUpdaterJobInterval,
		Clock:    m.clock,
		Task: func(ctx context.Context) error {
			err := m.RefreshLiveness(ctx)
			if errors.Is(err, ErrTakenOver) {
				cancel()
				return worker.ErrStop
			}
			return err
		},
	}
	claim := &worker.Periodic{
		Name:     "maestro_claim",
		Interval: m.cfg.PairsRetrievalInterval,
		Clock:    m.clock,
		Task:     m.ClaimCycle,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = liveness.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		// a finished claim loop leaves liveness running until shutdown
		_ = claim.Run(ctx)
	}()
	<-ctx.Done()
	wg.Wait()

	if m.TakenOver() {
		log.Warn("maestro row removed by a peer, stopping owned pipelines")
		metrics.SetPairsOwned(0)
		return ErrTakenOver
	}

	if m.cfg.ReleaseOnShutdown {
		if err := m.store.DeleteMaestro(context.Background(), m.id); err != nil {
			log.WithError(err).Error("failed to release maestro on shutdown")
			return fmt.Errorf("release maestro: %w", err)
		}
		log.Info("maestro released its pairs")
	}
	return nil
}

// RefreshLiveness stamps this maestro as alive.
func (m *Maestro) RefreshLiveness(ctx context.Context) error {
	err := m.store.RefreshLiveness(ctx, m.id, m.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		m.mu.Lock()
		m.takenOver = true
		m.mu.Unlock()
		return ErrTakenOver
	}
	return err
}

// ClaimCycle runs one claim transaction and launches every pair it returned.
// Pairs whose launch failed are released so that the next cycle, of this or
// any other maestro, claims them again. Unless continuous takeover is enabled,
// the first claim whose pairs all launched ends the claim loop with
// worker.ErrStop.
func (m *Maestro) ClaimCycle(ctx context.Context) error {
	log := m.log.WithComponent("maestro").WithFields(logger.Fields{"maestro_id": m.id})

	if err := m.releaseStranded(ctx); err != nil {
		return err
	}

	ids, err := m.store.ClaimPairs(ctx, m.id, m.clock.Now(), m.cfg.MaxLivenessGap)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Debug("cluster healthy, no pairs to claim")
		return nil
	}

	var failed []uuid.UUID
	for _, id := range ids {
		if m.owns(id) {
			continue
		}
		if err := m.launcher.Launch(ctx, id); err != nil {
			failed = append(failed, id)
			log.WithError(err).WithField("pair_id", id).Error("failed to launch pair pipeline")
			continue
		}
		m.mu.Lock()
		m.owned[id] = m.clock.Now()
		owned := len(m.owned)
		m.mu.Unlock()
		metrics.SetPairsOwned(owned)
	}

	log.WithFields(logger.Fields{
		"claimed": len(ids),
		"failed":  len(failed),
		"owned":   len(m.Owned()),
	}).Info("claim cycle completed")

	if len(failed) > 0 {
		m.mu.Lock()
		m.stranded = append(m.stranded, failed...)
		m.mu.Unlock()
		if err := m.releaseStranded(ctx); err != nil {
			log.WithError(err).Warn("failed to release pairs, retrying next cycle")
		}
		return nil
	}

	if !m.cfg.ContinuousTakeover {
		return worker.ErrStop
	}
	return nil
}

// releaseStranded hands back pairs that are associated with this maestro but
// have no running pipeline.
func (m *Maestro) releaseStranded(ctx context.Context) error {
	m.mu.Lock()
	ids := append([]uuid.UUID(nil), m.stranded...)
	m.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := m.store.ReleasePairs(ctx, m.id, ids); err != nil {
		return fmt.Errorf("release unlaunched pairs: %w", err)
	}
	m.mu.Lock()
	m.stranded = m.stranded[len(ids):]
	m.mu.Unlock()
	m.log.WithComponent("maestro").WithFields(logger.Fields{
		"maestro_id": m.id,
		"pairs":      len(ids),
	}).Warn("released pairs whose pipeline failed to launch")
	return nil
}

func (m *Maestro) owns(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[id]
	return ok
}

// Owned returns the launched pairs ordered by launch time.
func (m *Maestro) Owned() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.owned))
	for id := range m.owned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := m.owned[out[i]], m.owned[out[j]]
		if ti.Equal(tj) {
			return out[i].String() < out[j].String()
		}
		return ti.Before(tj)
	})
	return out
}

// TakenOver reports whether a peer inherited this maestro's pairs.
func (m *Maestro) TakenOver() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takenOver
}
