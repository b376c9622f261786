package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/kluzzebass/egd/internal/pool"
)

// magic identifies an egd pool snapshot file.
var magic = [8]byte{'E', 'G', 'D', 'P', 'O', 'O', 'L', 0x01}

// formatVersion is bumped whenever the on-disk layout changes
// incompatibly.
const formatVersion uint32 = 1

// digestSize is the trailing integrity digest width, in bytes (256-bit
// blake2b, the same hash family the conditioner uses for its stirring
// digest, so the module carries one hash dependency for both concerns).
const digestSize = 32

// encode serializes snap into the wire format described in spec.md §6:
// 8-byte magic, 4-byte version, 8-byte chunk count, then per chunk an
// 8-byte length, 8-byte entropy_bits, and the raw bytes, followed by a
// trailing digest of everything preceding it.
func encode(snap pool.Snapshot) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])

	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], formatVersion)
	buf.Write(versionBuf[:])

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(snap.Chunks)))
	buf.Write(countBuf[:])

	var u64 [8]byte
	for _, c := range snap.Chunks {
		binary.BigEndian.PutUint64(u64[:], uint64(len(c.Bytes)))
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], uint64(c.EntropyBits))
		buf.Write(u64[:])
		buf.Write(c.Bytes)
	}

	digest := blake2b.Sum256(buf.Bytes())
	buf.Write(digest[:])

	return buf.Bytes()
}

// decode parses the wire format produced by encode, rejecting wrong
// magic, unknown version, inconsistent lengths, or a failed digest check
// rather than returning a partially-trusted snapshot.
func decode(data []byte) (pool.Snapshot, error) {
	const headerLen = len(magic) + 4 + 8

	if len(data) < headerLen+digestSize {
		return pool.Snapshot{}, fmt.Errorf("persist: file too short: %d bytes", len(data))
	}

	body := data[:len(data)-digestSize]
	wantDigest := data[len(data)-digestSize:]
	gotDigest := blake2b.Sum256(body)
	if !bytes.Equal(gotDigest[:], wantDigest) {
		return pool.Snapshot{}, fmt.Errorf("persist: digest mismatch, file is corrupt")
	}

	if !bytes.Equal(body[:len(magic)], magic[:]) {
		return pool.Snapshot{}, fmt.Errorf("persist: bad magic")
	}
	off := len(magic)

	version := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	if version != formatVersion {
		return pool.Snapshot{}, fmt.Errorf("persist: unsupported version %d", version)
	}

	count := binary.BigEndian.Uint64(body[off : off+8])
	off += 8

	snap := pool.Snapshot{Chunks: make([]pool.ChunkSnapshot, 0, count)}
	for i := uint64(0); i < count; i++ {
		if off+16 > len(body) {
			return pool.Snapshot{}, fmt.Errorf("persist: truncated chunk header at index %d", i)
		}
		length := binary.BigEndian.Uint64(body[off : off+8])
		off += 8
		bits := binary.BigEndian.Uint64(body[off : off+8])
		off += 8

		if off+int(length) > len(body) {
			return pool.Snapshot{}, fmt.Errorf("persist: truncated chunk body at index %d", i)
		}
		raw := make([]byte, length)
		copy(raw, body[off:off+int(length)])
		off += int(length)

		snap.Chunks = append(snap.Chunks, pool.ChunkSnapshot{
			Bytes:       raw,
			EntropyBits: int64(bits),
		})
	}

	if off != len(body) {
		return pool.Snapshot{}, fmt.Errorf("persist: %d trailing bytes after last chunk", len(body)-off)
	}

	return snap, nil
}
