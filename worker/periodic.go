package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"depthwatch/internal/metrics"
	"depthwatch/logger"
)

// ErrStop ends a Periodic loop without being reported as a failure.
var ErrStop = errors.New("stop periodic task")

// Clock is the time source of workers. Tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns wall clock time in UTC.
var SystemClock Clock = systemClock{}

// Guard is a precondition checked before every invocation, such as a trading
// session window.
type Guard interface {
	Open(now time.Time) bool
}

// Task is one invocation of a periodic job.
type Task func(ctx context.Context) error

// Periodic runs Task every Interval. Invocations never overlap: the next one
// starts max(0, Interval - elapsed) after the previous one began. Errors and
// panics are logged and the loop keeps going.
type Periodic struct {
	Name     string
	Interval time.Duration
	Task     Task
	Guard    Guard
	Clock    Clock
}

// Run blocks until ctx is cancelled or the task returns ErrStop. Cancellation
// is honored at tick boundaries; an invocation in flight receives ctx.
func (p *Periodic) Run(ctx context.Context) error {
	clock := p.Clock
	if clock == nil {
		clock = SystemClock
	}
	log := logger.GetLogger().WithComponent(p.Name).WithFields(logger.Fields{
		"worker":   p.Name,
		"interval": p.Interval.String(),
	})
	log.Info("starting periodic worker")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if p.Guard == nil || p.Guard.Open(clock.Now()) {
			if err := p.invoke(ctx); err != nil {
				if errors.Is(err, ErrStop) {
					log.Info("periodic worker finished")
					return nil
				}
				if ctx.Err() == nil {
					metrics.IncWorkerError(p.Name)
					log.WithError(err).Error("worker task failed")
				}
			}
		} else {
			log.Debug("outside trading session, skipping tick")
		}
		elapsed := time.Since(start)

		delay := p.Interval - elapsed
		if delay < 0 {
			delay = 0
			metrics.IncWorkerOverrun(p.Name)
			log.WithFields(logger.Fields{
				"duration": elapsed.Milliseconds(),
				"interval": p.Interval.Milliseconds(),
			}).Warn("task took longer than interval")
		}
		timer.Reset(delay)
	}
}

func (p *Periodic) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", p.Name, r, debug.Stack())
		}
	}()
	return p.Task(ctx)
}
