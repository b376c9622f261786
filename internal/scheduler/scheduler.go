// Package scheduler drives each enabled source on its own cadence,
// conditions whatever it fetches, and appends the result to the pool.
//
// Each source gets its own goroutine and its own timer, modeled on the
// teacher's one-goroutine-per-ingester orchestration rather than on a
// shared cron/interval library: a source's next tick is always computed
// after its previous fetch cycle completes, so overlapping fetches for
// one source cannot happen — the skip-not-queue contract from spec.md
// §4.5 falls out of the control flow rather than needing an extra guard.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kluzzebass/egd/internal/conditioner"
	"github.com/kluzzebass/egd/internal/logging"
	"github.com/kluzzebass/egd/internal/pool"
	"github.com/kluzzebass/egd/internal/source"
)

// jitterFraction is the maximum fractional jitter (±10%) applied to a
// source's retry/reschedule delay, per spec.md §4.5.
const jitterFraction = 0.10

// Config configures a Scheduler.
type Config struct {
	Sources []*source.Source
	Pool    *pool.Pool
	Logger  *slog.Logger
}

// Scheduler runs the fetch-condition-append loop for every enabled
// source. The zero value is not usable; construct with New.
type Scheduler struct {
	sources []*source.Source
	pool    *pool.Pool
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		sources: cfg.Sources,
		pool:    cfg.Pool,
		logger:  logging.Default(cfg.Logger).With("component", "scheduler"),
	}
}

// Start launches one goroutine per enabled source and returns immediately.
// Calling Start twice without an intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	enabled := 0
	for _, src := range s.sources {
		if !src.Enabled {
			continue
		}
		enabled++
		src := src
		s.wg.Go(func() { s.runSource(runCtx, src) })
	}

	s.logger.Info("scheduler started", "sources", len(s.sources), "enabled", enabled)
}

// Stop cancels every source's goroutine and waits for in-flight fetches
// to return before returning itself.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// runSource is the per-source loop: wait for init_delay, then repeatedly
// fetch, condition, append, and re-arm for interval_s (plus jitter) from
// when this cycle finished.
func (s *Scheduler) runSource(ctx context.Context, src *source.Source) {
	logger := s.logger.With("source", src.Name)

	timer := time.NewTimer(src.InitDelay)
	defer timer.Stop()

	state := &source.RuntimeState{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.runOnce(ctx, src, state, logger)

		if ctx.Err() != nil {
			return
		}
		timer.Reset(jitter(src.Interval))
	}
}

// runOnce performs a single fetch-condition-append cycle for src,
// swallowing and logging any error per spec.md §7's source-error policy:
// log, credit zero entropy, let the next tick retry.
func (s *Scheduler) runOnce(ctx context.Context, src *source.Source, state *source.RuntimeState, logger *slog.Logger) {
	raw, err := src.Fetch(ctx)
	if err != nil {
		state.ConsecutiveFailures++
		logger.Warn("fetch failed", "error", err, "consecutive_failures", state.ConsecutiveFailures)
		return
	}

	conditioned, bits := conditioner.Condition(raw, src.Compress, src.Scale)
	s.pool.Append(conditioned, bits)

	state.ConsecutiveFailures = 0
	state.LastOkAt = time.Now()
	logger.Debug("fetch conditioned and appended", "raw_bytes", len(raw), "bits", bits)
}

// jitter returns d scaled by a random factor in [1-jitterFraction,
// 1+jitterFraction], so independent sources don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(d) * factor)
}
