// Package home manages the egd home directory layout.
//
// The home directory owns all persistent daemon state: the configuration
// document and the entropy pool snapshot (plus its startup lock marker).
//
// Layout:
//
//	<root>/
//	  config.json   (egdconfig document, see internal/egdconfig)
//	  pool.bin       (entropy pool snapshot, see internal/persist)
//	  pool.bin.lock  (startup lock marker, holds the owning PID)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents an egd home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/egd
//   - macOS:   ~/Library/Application Support/egd
//   - Windows: %APPDATA%/egd
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "egd")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the configuration document.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// PersistPath returns the path to the entropy pool snapshot file.
func (d Dir) PersistPath() string {
	return filepath.Join(d.root, "pool.bin")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
