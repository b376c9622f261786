// Package conditioner turns raw bytes collected from an entropy source into
// pool-ready material, plus a conservative estimate of how many bits of
// entropy that material carries.
//
// Conditioning never adds entropy. It removes predictable structure
// (compression) and then stirs the result through a chain of cryptographic
// digests so the output is indistinguishable from uniform noise whenever the
// input already carries enough entropy to make it so.
package conditioner

import (
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// StirWidth is the width, in bytes, of each stirred output block: 64 bytes
// (512 bits), matching blake2b's native digest size.
const StirWidth = 64

// encoder is a package-level zstd encoder. EncodeAll is safe for concurrent
// use by multiple goroutines, so one encoder is shared across all callers
// rather than constructing one per Condition call.
var encoder *zstd.Encoder

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("conditioner: init zstd encoder: " + err.Error())
	}
	encoder = enc
}

// Condition compresses raw (when compress is true and doing so shrinks it),
// stirs the result into a sequence of StirWidth-byte digest blocks, and
// returns the stirred bytes together with a conservative entropy-bit
// estimate derated by scale.
//
// An empty raw blob yields a nil result with zero bits. Condition never
// errors: the compressor and digest used here cannot fail on arbitrary
// input.
func Condition(raw []byte, compress bool, scale float64) ([]byte, int64) {
	if len(raw) == 0 {
		return nil, 0
	}

	c := raw
	if compress {
		if compressed := encoder.EncodeAll(raw, nil); len(compressed) < len(raw) {
			c = compressed
		}
	}

	bits := int64(math.Floor(float64(len(c)) * 8 * clamp01(scale)))

	return stir(c), bits
}

// stir hashes c repeatedly with a big-endian counter appended, producing a
// sequence of StirWidth-byte blocks whose combined length is the smallest
// multiple of StirWidth at least len(c). Under the random-oracle assumption
// this preserves any entropy present in c while bounding the conditioned
// size to a small multiple of it.
func stir(c []byte) []byte {
	blocks := (len(c) + StirWidth - 1) / StirWidth
	if blocks == 0 {
		blocks = 1
	}

	// buf holds c followed by an 8-byte counter; only the counter bytes
	// change between iterations, so c is copied once rather than per block.
	buf := make([]byte, len(c)+8)
	copy(buf, c)

	out := make([]byte, 0, blocks*StirWidth)
	for i := 0; i < blocks; i++ {
		binary.BigEndian.PutUint64(buf[len(c):], uint64(i))
		h := blake2b.Sum512(buf)
		out = append(out, h[:]...)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
