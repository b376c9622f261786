package control

import (
	"fmt"
	"strconv"
	"strings"
)

// maxGetEntropyBytes is the upper bound on a single getentropy request,
// per spec.md §6.
const maxGetEntropyBytes = 16 * 1024 * 1024

// command is a parsed control-protocol request line.
type command struct {
	name string
	args []string
}

// parseCommand splits a trimmed request line into a command name and its
// arguments.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	return command{name: fields[0], args: fields[1:]}, nil
}

// parseGetEntropyArg validates and clamps the requested byte count for
// getentropy, returning the clamped value and whether clamping occurred.
func parseGetEntropyArg(args []string) (n int64, clamped bool, err error) {
	if len(args) != 1 {
		return 0, false, fmt.Errorf("getentropy requires exactly one argument")
	}
	n, err = strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid byte count %q: %w", args[0], err)
	}
	if n < 1 {
		return 0, false, fmt.Errorf("byte count must be at least 1, got %d", n)
	}
	if n > maxGetEntropyBytes {
		return maxGetEntropyBytes, true, nil
	}
	return n, false, nil
}

// formatStatus renders the status command's success response.
func formatStatus(totalBytes, totalBits, maxBytes int64, numChunks int) string {
	return fmt.Sprintf("OK total_bytes=%d total_bits=%d max_bytes=%d chunks=%d\n", totalBytes, totalBits, maxBytes, numChunks)
}

// formatGetEntropyHeader renders the getentropy success header, preceding
// the raw byte payload. A clamped request gets a note appended so the
// caller can tell its request was reduced.
func formatGetEntropyHeader(bytesLen int, bits int64, clamped bool) string {
	if clamped {
		return fmt.Sprintf("OK bytes=%d bits=%d note=clamped_to_%d\n", bytesLen, bits, maxGetEntropyBytes)
	}
	return fmt.Sprintf("OK bytes=%d bits=%d\n", bytesLen, bits)
}

// formatPersisted renders the persist command's success response.
func formatPersisted(path string) string {
	return fmt.Sprintf("OK persisted=%s\n", path)
}

// formatErr renders any command's failure response.
func formatErr(reason string) string {
	return fmt.Sprintf("ERR %s\n", reason)
}
