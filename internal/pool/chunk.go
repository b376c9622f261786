package pool

import "github.com/google/uuid"

// Chunk is a bounded-capacity container of conditioned bytes with an
// associated entropy-bit count. Any update to bytes also updates bits
// consistently: entropy_bits never exceeds len(bytes)*8.
//
// Appends go to the end of a chunk and Withdraw drains it from the front;
// a chunk that is not yet full keeps accepting appends, including after a
// partial withdrawal. A Chunk is not safe for concurrent use on its own;
// Pool serializes all access.
type Chunk struct {
	id    uuid.UUID
	cap   int64
	bytes []byte
	bits  int64
}

func newChunk(capBytes int64) *Chunk {
	return &Chunk{
		id:  uuid.Must(uuid.NewV7()),
		cap: capBytes,
	}
}

// ID returns the chunk's identifier.
func (c *Chunk) ID() uuid.UUID { return c.id }

// IsEmpty reports whether the chunk holds no bytes.
func (c *Chunk) IsEmpty() bool { return len(c.bytes) == 0 }

// IsFull reports whether the chunk has no remaining capacity.
func (c *Chunk) IsFull() bool { return int64(len(c.bytes)) >= c.cap }

// LenBytes returns the number of bytes currently held.
func (c *Chunk) LenBytes() int64 { return int64(len(c.bytes)) }

// EntropyBits returns the chunk's current entropy-bit ledger.
func (c *Chunk) EntropyBits() int64 { return c.bits }

// Append appends as many bytes of data as fit within the chunk's remaining
// capacity. acceptedBits is bits scaled by acceptedBytes/len(data), rounded
// down, so partial acceptance never credits more entropy than the fraction
// of data actually stored.
func (c *Chunk) Append(data []byte, bits int64) (acceptedBytes, acceptedBits int64) {
	if len(data) == 0 {
		return 0, 0
	}

	room := c.cap - int64(len(c.bytes))
	if room <= 0 {
		return 0, 0
	}

	n := int64(len(data))
	if n > room {
		n = room
	}

	acceptedBits = bits * n / int64(len(data))
	c.bytes = append(c.bytes, data[:n]...)
	c.bits += acceptedBits

	return n, acceptedBits
}

// Withdraw removes and returns up to n bytes from the front of the chunk.
// The returned bits are floor(prevBits*taken/prevBytes), except when the
// entire chunk is drained (taken == prevBytes), in which case the full
// remaining bit ledger is returned to avoid losing entropy to rounding.
func (c *Chunk) Withdraw(n int64) ([]byte, int64) {
	if n <= 0 || len(c.bytes) == 0 {
		return nil, 0
	}

	prevBytes := int64(len(c.bytes))
	taken := n
	if taken > prevBytes {
		taken = prevBytes
	}

	var bits int64
	if taken == prevBytes {
		bits = c.bits
	} else {
		bits = c.bits * taken / prevBytes
	}

	out := make([]byte, taken)
	copy(out, c.bytes[:taken])

	c.bytes = c.bytes[taken:]
	c.bits -= bits

	return out, bits
}
