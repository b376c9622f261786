package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

// DefaultFetchTimeout is the connect+read / subprocess-wait timeout applied
// to any fetcher that doesn't carry its own, per spec.md §4.4/§5.
const DefaultFetchTimeout = 30 * time.Second

// ErrEmptyPayload is returned by a fetcher that produced a dynamically
// computed but empty target (an HTTPDynamic URL provider or a Callback
// returning no bytes). The scheduler treats it like any other fetch error:
// a soft failure logged and credited zero entropy.
var ErrEmptyPayload = errors.New("source: empty payload")

// Fetcher obtains one raw blob from an entropy producer. Implementations
// must not retain state across calls beyond their own configuration: a
// Source calls Fetch once per scheduled tick.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// limitedRead reads from r, stopping after sizeHint bytes when sizeHint is
// positive, or until EOF when it is zero.
func limitedRead(r io.Reader, sizeHint int64) ([]byte, error) {
	if sizeHint > 0 {
		r = io.LimitReader(r, sizeHint)
	}
	return io.ReadAll(r)
}

// HTTPFetcher fetches a raw blob via HTTP GET from a fixed URL.
type HTTPFetcher struct {
	URL      string
	Client   *http.Client // nil uses a client with DefaultFetchTimeout
	SizeHint int64        // 0 means unbounded
}

// Fetch issues the GET and reads up to SizeHint bytes of the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	return httpGet(ctx, f.client(), f.URL, f.SizeHint)
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return defaultHTTPClient
}

// HTTPDynamicFetcher fetches a raw blob via HTTP GET from a URL computed
// fresh on every call, for sources whose target is time-templated or
// otherwise not fixed at configuration time.
type HTTPDynamicFetcher struct {
	URLProvider func() (string, error)
	Client      *http.Client
	SizeHint    int64
}

// Fetch resolves the URL via URLProvider, then performs the same GET as
// HTTPFetcher. An empty resolved URL is a soft failure.
func (f *HTTPDynamicFetcher) Fetch(ctx context.Context) ([]byte, error) {
	url, err := f.URLProvider()
	if err != nil {
		return nil, fmt.Errorf("resolve dynamic url: %w", err)
	}
	if url == "" {
		return nil, ErrEmptyPayload
	}

	client := f.Client
	if client == nil {
		client = defaultHTTPClient
	}
	return httpGet(ctx, client, url, f.SizeHint)
}

func httpGet(ctx context.Context, client *http.Client, url string, sizeHint int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	return limitedRead(resp.Body, sizeHint)
}

// discardGet performs a GET against url and discards the body, used for
// Source.PrefetchURL warm-up requests.
func discardGet(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create prefetch request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FileFetcher reads a raw blob from a local file.
type FileFetcher struct {
	Path     string
	SizeHint int64
}

// Fetch opens Path and reads up to SizeHint bytes, or the whole file when
// SizeHint is zero.
func (f *FileFetcher) Fetch(ctx context.Context) ([]byte, error) {
	file, err := openFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer func() { _ = file.Close() }()

	return limitedRead(file, f.SizeHint)
}

// CommandFetcher runs a subprocess and captures its standard output as the
// raw blob. Argv is executed directly with no shell interpretation. The
// subprocess is bounded by whatever deadline ctx carries (Source.Fetch
// applies DefaultFetchTimeout unless the caller already set one).
type CommandFetcher struct {
	Argv []string
}

// Fetch runs the command under ctx and returns its captured stdout. A
// non-zero exit is a soft failure.
func (f *CommandFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if len(f.Argv) == 0 {
		return nil, errors.New("command fetcher: empty argv")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Argv[0], f.Argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %v: %w (stderr: %q)", f.Argv, err, stderr.String())
	}

	return stdout.Bytes(), nil
}

// CallbackFetcher invokes an arbitrary producer function supplied by the
// embedding program (e.g. a hardware RNG binding or a test double).
type CallbackFetcher struct {
	Producer func(ctx context.Context) ([]byte, error)
}

// Fetch invokes Producer. An empty, error-free result is treated as a
// soft failure so the scheduler logs it consistently with the other
// fetcher variants.
func (f *CallbackFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if f.Producer == nil {
		return nil, errors.New("callback fetcher: no producer configured")
	}
	b, err := f.Producer(ctx)
	if err != nil {
		return nil, fmt.Errorf("callback producer: %w", err)
	}
	if len(b) == 0 {
		return nil, ErrEmptyPayload
	}
	return b, nil
}
