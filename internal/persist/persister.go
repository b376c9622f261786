// Package persist durably snapshots the entropy pool to disk and
// restores it on startup, using the binary format in spec.md §6.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kluzzebass/egd/internal/callgroup"
	"github.com/kluzzebass/egd/internal/logging"
	"github.com/kluzzebass/egd/internal/pool"
)

// persistCallKey is the callgroup key shared by every caller of Persist,
// so a background tick and an on-demand control command that land at the
// same moment collapse into a single write rather than racing two
// temp-file-then-rename sequences against each other.
const persistCallKey = "persist"

// Config configures a Persister.
type Config struct {
	Path     string
	Pool     *pool.Pool
	Interval time.Duration
	Logger   *slog.Logger
}

// Persister snapshots a Pool to Path atomically, on demand or on a
// background interval, and restores it at startup.
type Persister struct {
	path     string
	pool     *pool.Pool
	interval time.Duration
	logger   *slog.Logger

	group callgroup.Group[string]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Persister from cfg.
func New(cfg Config) *Persister {
	return &Persister{
		path:     cfg.Path,
		pool:     cfg.Pool,
		interval: cfg.Interval,
		logger:   logging.Default(cfg.Logger).With("component", "persister"),
	}
}

// Load restores the pool from Path if it exists and parses. Per spec.md
// §7's load-error policy, a missing file, an unreadable file, or a
// failed integrity check is logged loudly and leaves the pool empty
// rather than aborting startup.
func (p *Persister) Load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("no persisted pool file, starting empty", "path", p.path)
			return nil
		}
		p.logger.Warn("failed to read persisted pool file, starting empty", "path", p.path, "error", err)
		return nil
	}

	snap, err := decode(data)
	if err != nil {
		p.logger.Warn("persisted pool file failed integrity check, starting empty", "path", p.path, "error", err)
		return nil
	}

	if err := p.pool.Load(snap); err != nil {
		p.logger.Warn("persisted pool file violates pool invariants, starting empty", "path", p.path, "error", err)
		return nil
	}

	stats := p.pool.Stats()
	p.logger.Info("loaded persisted pool", "path", p.path, "total_bytes", stats.TotalBytes, "total_bits", stats.TotalBits, "chunks", stats.NumChunks)
	return nil
}

// Persist snapshots the pool and writes it to Path atomically
// (write-temp-then-rename), returning the path written. Concurrent
// callers collapse into a single write via the shared callgroup.
func (p *Persister) Persist(ctx context.Context) (string, error) {
	ch := p.group.DoChan(persistCallKey, p.writeSnapshot)

	select {
	case err := <-ch:
		if err != nil {
			return "", err
		}
		return p.path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// writeSnapshot does the actual snapshot-encode-write-rename work. Per
// spec.md §7's persistence-error policy, callers log failures and retry
// at the next tick; writeSnapshot itself never leaves a half-written
// file in place of the real one, since the rename is the only step that
// touches Path.
func (p *Persister) writeSnapshot() error {
	snap := p.pool.Snapshot()
	data := encode(snap)

	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return fmt.Errorf("persist: create directory for %s: %w", p.path, err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}

	return nil
}

// Start launches the background ticker that calls Persist every
// Interval. A zero or negative Interval disables the background tick;
// only on-demand Persist calls will write.
func (p *Persister) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.interval <= 0 {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Go(func() { p.tickLoop(runCtx) })
}

// Stop cancels the background ticker and waits for its goroutine to exit.
// A snapshot write the ticker already started runs to completion in the
// background and may finish after Stop returns.
func (p *Persister) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.mu.Unlock()
}

func (p *Persister) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Persist(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("background persist failed", "error", err)
			}
		}
	}
}
