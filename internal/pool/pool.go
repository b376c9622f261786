// Package pool holds the entropy pool: a bounded, ordered sequence of
// chunks of conditioned bytes, each carrying its own entropy-bit ledger.
//
// Appends land in the newest (tail) chunk, opening a fresh one once it
// fills. Withdrawals drain the oldest (head) chunk first. When the pool
// grows past its configured byte ceiling, whole chunks are evicted from
// the head until it fits again — eviction never splits a chunk, so the
// amount evicted can exceed the amount that triggered it.
//
// Pool serializes all access behind a single mutex, mirroring the
// in-memory chunk manager this package is modeled on: the pool is small
// and short-lived enough that a single lock never becomes a bottleneck.
package pool

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kluzzebass/egd/internal/logging"
)

// Config configures a Pool.
type Config struct {
	// MaxBytes is the total byte ceiling across all chunks.
	MaxBytes int64
	// ChunkCapBytes is the capacity of each individual chunk.
	ChunkCapBytes int64
	Logger        *slog.Logger
}

// Pool is the in-memory entropy reservoir. The zero value is not usable;
// construct one with New.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	chunks []*Chunk

	totalBytes int64
	totalBits  int64

	logger *slog.Logger
}

// New constructs a Pool from cfg.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "pool"),
	}
}

// Append stores already-conditioned data, filling the tail chunk and
// opening new chunks as needed, and credits its bits of entropy split
// across those chunks in proportion to the bytes each received. If the
// pool then exceeds MaxBytes, whole oldest chunks are evicted along with
// their bits. A zero-length data is a no-op.
func (p *Pool) Append(data []byte, bits int64) {
	if len(data) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := data
	remainingBits := bits

	for len(remaining) > 0 {
		tail := p.tailLocked()
		accBytes, accBits := tail.Append(remaining, remainingBits)
		if accBytes == 0 {
			// ChunkCapBytes is misconfigured to zero or negative; nothing
			// more can be stored.
			p.logger.Warn("chunk rejected non-empty append", "chunk_cap_bytes", p.cfg.ChunkCapBytes)
			break
		}

		p.totalBytes += accBytes
		p.totalBits += accBits

		remaining = remaining[accBytes:]
		remainingBits -= accBits
	}

	p.evictLocked()
	p.assertInvariantsLocked()
}

// tailLocked returns the chunk currently accepting appends, opening a new
// one if the pool is empty or the current tail is full. Caller must hold mu.
func (p *Pool) tailLocked() *Chunk {
	if len(p.chunks) == 0 || p.chunks[len(p.chunks)-1].IsFull() {
		p.chunks = append(p.chunks, newChunk(p.cfg.ChunkCapBytes))
	}
	return p.chunks[len(p.chunks)-1]
}

// evictLocked drops whole chunks from the head until total_bytes fits
// within MaxBytes. Caller must hold mu.
func (p *Pool) evictLocked() {
	for p.totalBytes > p.cfg.MaxBytes && len(p.chunks) > 0 {
		victim := p.chunks[0]
		p.chunks = p.chunks[1:]
		p.totalBytes -= victim.LenBytes()
		p.totalBits -= victim.EntropyBits()
		p.logger.Debug("evicted chunk", "chunk_id", victim.ID(), "bytes", victim.LenBytes(), "bits", victim.EntropyBits())
	}
}

// Withdraw removes and returns up to n bytes from the pool, draining the
// oldest chunks first, along with the proportional entropy-bit credit
// removed. It never blocks: if fewer than n bytes are available, it
// returns whatever is there, possibly nothing.
func (p *Pool) Withdraw(n int64) ([]byte, int64) {
	if n <= 0 {
		return nil, 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, 0, n)
	var bits int64
	remaining := n

	for remaining > 0 && len(p.chunks) > 0 {
		head := p.chunks[0]
		b, bi := head.Withdraw(remaining)
		if len(b) == 0 {
			break
		}

		out = append(out, b...)
		bits += bi
		remaining -= int64(len(b))

		p.totalBytes -= int64(len(b))
		p.totalBits -= bi

		if head.IsEmpty() {
			p.chunks = p.chunks[1:]
		}
	}

	p.assertInvariantsLocked()

	if len(out) == 0 {
		return nil, 0
	}
	return out, bits
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		TotalBytes: p.totalBytes,
		TotalBits:  p.totalBits,
		MaxBytes:   p.cfg.MaxBytes,
		NumChunks:  len(p.chunks),
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	TotalBytes int64
	TotalBits  int64
	MaxBytes   int64
	NumChunks  int
}

// assertInvariantsLocked fail-fasts on internal bookkeeping bugs rather
// than silently serving corrupt entropy accounting. Caller must hold mu.
func (p *Pool) assertInvariantsLocked() {
	var bytesSum, bitsSum int64
	for _, c := range p.chunks {
		bytesSum += c.LenBytes()
		bitsSum += c.EntropyBits()
		if c.EntropyBits() > c.LenBytes()*8 {
			panic(fmt.Sprintf("pool: invariant violation: chunk %s has %d entropy bits over %d bytes", c.ID(), c.EntropyBits(), c.LenBytes()))
		}
	}
	if bytesSum != p.totalBytes {
		panic(fmt.Sprintf("pool: invariant violation: tracked total_bytes %d does not match chunk sum %d", p.totalBytes, bytesSum))
	}
	if bitsSum != p.totalBits {
		panic(fmt.Sprintf("pool: invariant violation: tracked total_bits %d does not match chunk sum %d", p.totalBits, bitsSum))
	}
	if p.totalBytes > p.cfg.MaxBytes {
		panic(fmt.Sprintf("pool: invariant violation: total_bytes %d exceeds max_bytes %d", p.totalBytes, p.cfg.MaxBytes))
	}
}
