// Package egdconfig loads and bootstraps the daemon's typed configuration
// document: the opaque configuration provider spec.md §6 assumes, made
// concrete as a JSON document read once at startup (v1 is load-on-start
// only, no live reload), following the teacher's config-store package.
package egdconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	petname "github.com/dustinkirkland/golang-petname"
)

// Document is the full configuration consumed by the core, matching
// spec.md §6's "configuration inputs" list plus the ordered Source
// descriptors from §3.
type Document struct {
	MaxEntropyBytes   int64          `json:"max_entropy_bytes"`
	PersistFile       string         `json:"persist_file"`
	PersistIntervalS  int64          `json:"persist_interval_s"`
	PoolChunkMaxBytes int64          `json:"pool_chunk_max_bytes"`
	TCPPort           int            `json:"tcp_port"`
	Sources           []SourceConfig `json:"sources"`
}

// SourceConfig is the JSON-serializable form of a source.Source. The
// HTTPDynamic and Callback fetcher variants carry a function value
// (url_provider / producer) per spec.md §9 and so have no JSON
// representation here; sources using them must be added programmatically
// by the embedding program rather than described in the document.
type SourceConfig struct {
	Name        string        `json:"name"`
	Enabled     bool          `json:"enabled"`
	IntervalS   int64         `json:"interval_s"`
	InitDelayS  int64         `json:"init_delay_s"`
	PrefetchURL string        `json:"prefetch_url,omitempty"`
	SizeHint    int64         `json:"size_hint,omitempty"`
	MinSize     int64         `json:"min_size,omitempty"`
	Compress    *bool         `json:"compress,omitempty"`
	Scale       *float64      `json:"scale,omitempty"`
	Fetcher     FetcherConfig `json:"fetcher"`
}

// FetcherConfig describes one of the JSON-representable fetcher variants.
type FetcherConfig struct {
	// Type is one of "http", "file", "command".
	Type string   `json:"type"`
	URL  string   `json:"url,omitempty"`
	Path string   `json:"path,omitempty"`
	Argv []string `json:"argv,omitempty"`
}

// defaultPersistIntervalS is how often the Persister ticks in the
// bootstrap configuration, in seconds (15 minutes).
const defaultPersistIntervalS = 15 * 60

// defaultPoolChunkMaxBytes is the bootstrap per-chunk capacity (64 KiB).
const defaultPoolChunkMaxBytes = 64 * 1024

// defaultMaxEntropyBytes is the bootstrap pool byte ceiling (10 MiB),
// matching the value scenario 1 in spec.md §8 expects from a fresh
// daemon's status reply.
const defaultMaxEntropyBytes = 10 * 1024 * 1024

// defaultTCPPort is the bootstrap control-channel port.
const defaultTCPPort = 8790

// Load reads and parses the configuration document at path. A missing
// file returns (nil, nil) as a bootstrap signal, mirroring the teacher's
// Store.Load contract ("returns nil if nothing exists").
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("egdconfig: read %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("egdconfig: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Save writes doc to path atomically (write-temp-then-rename), the same
// discipline used for the pool snapshot in internal/persist.
func Save(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("egdconfig: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("egdconfig: create directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("egdconfig: write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Bootstrap returns a first-run configuration document: conservative
// pool sizing, the persist file nested under persistDir, and a single
// enabled File source watching the kernel's own random device, named
// with a generated petname the way the teacher's Bootstrap names its
// default chatterbox ingester "bootstrap" — except here every bootstrap
// run needs a distinct name since multiple egd instances may share a
// persist_file's parent directory during testing.
func Bootstrap(persistDir string) *Document {
	name := petname.Generate(2, "-")

	compress := true
	scale := 1.0

	return &Document{
		MaxEntropyBytes:   defaultMaxEntropyBytes,
		PersistFile:       filepath.Join(persistDir, "pool.bin"),
		PersistIntervalS:  defaultPersistIntervalS,
		PoolChunkMaxBytes: defaultPoolChunkMaxBytes,
		TCPPort:           defaultTCPPort,
		Sources: []SourceConfig{
			{
				Name:       name,
				Enabled:    true,
				IntervalS:  300,
				InitDelayS: 5,
				Compress:   &compress,
				Scale:      &scale,
				Fetcher: FetcherConfig{
					Type: "file",
					Path: "/dev/urandom",
				},
				SizeHint: 4096,
				MinSize:  1,
			},
		},
	}
}
