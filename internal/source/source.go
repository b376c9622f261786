// Package source describes entropy producers and how to fetch from them.
//
// A Source is an immutable descriptor plus a Fetcher — a tagged union,
// realized the idiomatic Go way as an interface with one implementing type
// per variant (HTTP, HTTPDynamic, File, Command, Callback) — over how to
// obtain one raw blob on demand. The scheduler owns when a Source fires;
// this package owns only how a single fetch behaves.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

var defaultHTTPClient = &http.Client{Timeout: DefaultFetchTimeout}

// openFile is a var so tests can substitute it without touching the
// filesystem.
var openFile = func(path string) (*os.File, error) {
	return os.Open(path)
}

// Source is an immutable descriptor for one entropy producer. Construct
// with New; fields are not meant to be mutated after construction.
type Source struct {
	// Name is a human-readable identifier, unique among enabled sources.
	Name string
	// Enabled reports whether the scheduler considers this source at all.
	Enabled bool
	// Interval is the minimum duration between two successful fetches.
	Interval time.Duration
	// InitDelay is the delay before the first fetch.
	InitDelay time.Duration
	// Fetcher performs the actual fetch; exactly one concrete type.
	Fetcher Fetcher
	// PrefetchURL, if set, is fetched and discarded before Fetcher runs,
	// for sites that require a prior visit.
	PrefetchURL string
	// MinSize is the minimum accepted blob length; shorter blobs are
	// dropped with zero entropy credit. Zero disables the check.
	MinSize int64
	// Compress selects whether the conditioner compresses this source's
	// output before stirring.
	Compress bool
	// Scale derates the conditioner's entropy estimate, in [0, 1].
	Scale float64
}

// New validates and constructs a Source. It returns an error rather than
// silently accepting a descriptor that could never run correctly.
func New(name string, fetcher Fetcher, opts ...Option) (*Source, error) {
	if name == "" {
		return nil, errors.New("source: name is required")
	}
	if fetcher == nil {
		return nil, errors.New("source: fetcher is required")
	}

	s := &Source{
		Name:     name,
		Enabled:  true,
		Fetcher:  fetcher,
		Compress: true,
		Scale:    1.0,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.Interval <= 0 {
		return nil, fmt.Errorf("source %s: interval must be positive", name)
	}
	if s.Scale < 0 || s.Scale > 1 {
		return nil, fmt.Errorf("source %s: scale %v out of [0,1]", name, s.Scale)
	}

	return s, nil
}

// Option configures a Source at construction time.
type Option func(*Source)

func WithInterval(d time.Duration) Option     { return func(s *Source) { s.Interval = d } }
func WithInitDelay(d time.Duration) Option    { return func(s *Source) { s.InitDelay = d } }
func WithPrefetchURL(url string) Option       { return func(s *Source) { s.PrefetchURL = url } }
func WithMinSize(n int64) Option              { return func(s *Source) { s.MinSize = n } }
func WithCompress(compress bool) Option       { return func(s *Source) { s.Compress = compress } }
func WithScale(scale float64) Option          { return func(s *Source) { s.Scale = scale } }
func WithEnabled(enabled bool) Option         { return func(s *Source) { s.Enabled = enabled } }

// ErrBelowMinSize is returned when a fetch succeeded but produced fewer
// bytes than MinSize; the scheduler treats this like any other soft
// failure.
var ErrBelowMinSize = errors.New("source: fetched blob below min_size")

// Fetch performs one complete fetch cycle: the optional prefetch warm-up,
// the underlying Fetcher, then the min_size filter. It applies
// DefaultFetchTimeout to ctx unless ctx already carries a deadline of
// its own.
func (s *Source) Fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if s.PrefetchURL != "" {
		if err := discardGet(ctx, defaultHTTPClient, s.PrefetchURL); err != nil {
			// A failed warm-up doesn't necessarily doom the real fetch;
			// log-and-continue is the scheduler's call, so just surface it.
			return nil, fmt.Errorf("prefetch: %w", err)
		}
	}

	raw, err := s.Fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	if s.MinSize > 0 && int64(len(raw)) < s.MinSize {
		return nil, ErrBelowMinSize
	}

	return raw, nil
}

func (s *Source) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultFetchTimeout)
}

// RuntimeState is the scheduler's mutable bookkeeping for one source. It
// lives alongside the Scheduler's per-source goroutine, not inside Source
// itself, since only one goroutine ever touches a given source's state.
type RuntimeState struct {
	NextFireAt          time.Time
	LastOkAt            time.Time
	ConsecutiveFailures int
}
