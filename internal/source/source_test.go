package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello entropy"))
	}))
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(out) != "hello entropy" {
		t.Fatalf("got %q", out)
	}
}

func TestHTTPFetcherSizeHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1000))
	}))
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL, SizeHint: 10}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(out))
	}
}

func TestHTTPFetcherNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL}
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestHTTPDynamicFetcherEmptyURLIsSoftFailure(t *testing.T) {
	f := &HTTPDynamicFetcher{URLProvider: func() (string, error) { return "", nil }}
	_, err := f.Fetch(context.Background())
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestHTTPDynamicFetcherResolvesFreshURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dynamic"))
	}))
	defer srv.Close()

	calls := 0
	f := &HTTPDynamicFetcher{URLProvider: func() (string, error) {
		calls++
		return srv.URL, nil
	}}

	for i := 0; i < 3; i++ {
		out, err := f.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if string(out) != "dynamic" {
			t.Fatalf("got %q", out)
		}
	}
	if calls != 3 {
		t.Fatalf("expected URLProvider called 3 times, got %d", calls)
	}
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/entropy.bin"
	if err := os.WriteFile(path, []byte("file bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := &FileFetcher{Path: path}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(out) != "file bytes" {
		t.Fatalf("got %q", out)
	}
}

func TestFileFetcherSizeHint(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/entropy.bin"
	if err := os.WriteFile(path, bytes.Repeat([]byte("y"), 100), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := &FileFetcher{Path: path, SizeHint: 5}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 bytes, got %d", len(out))
	}
}

func TestFileFetcherMissingPath(t *testing.T) {
	f := &FileFetcher{Path: "/nonexistent/path/does/not/exist"}
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCommandFetcher(t *testing.T) {
	f := &CommandFetcher{Argv: []string{"echo", "-n", "command output"}}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(out) != "command output" {
		t.Fatalf("got %q", out)
	}
}

func TestCommandFetcherNonZeroExitIsSoftFailure(t *testing.T) {
	f := &CommandFetcher{Argv: []string{"false"}}
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestCommandFetcherEmptyArgv(t *testing.T) {
	f := &CommandFetcher{}
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestCallbackFetcher(t *testing.T) {
	f := &CallbackFetcher{Producer: func(ctx context.Context) ([]byte, error) {
		return []byte("produced"), nil
	}}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(out) != "produced" {
		t.Fatalf("got %q", out)
	}
}

func TestCallbackFetcherEmptyResultIsSoftFailure(t *testing.T) {
	f := &CallbackFetcher{Producer: func(ctx context.Context) ([]byte, error) {
		return nil, nil
	}}
	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload")
	}
}

func TestCallbackFetcherPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	f := &CallbackFetcher{Producer: func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	}}
	_, err := f.Fetch(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, err)
	}
}

func TestNewValidatesRequiredFields(t *testing.T) {
	if _, err := New("", &CallbackFetcher{}, WithInterval(time.Second)); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := New("x", nil, WithInterval(time.Second)); err == nil {
		t.Fatal("expected error for nil fetcher")
	}
	if _, err := New("x", &CallbackFetcher{}); err == nil {
		t.Fatal("expected error for missing interval")
	}
	if _, err := New("x", &CallbackFetcher{}, WithInterval(time.Second), WithScale(2.0)); err == nil {
		t.Fatal("expected error for out-of-range scale")
	}
}

func TestNewDefaults(t *testing.T) {
	s, err := New("x", &CallbackFetcher{}, WithInterval(time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.Enabled {
		t.Error("expected Enabled default true")
	}
	if !s.Compress {
		t.Error("expected Compress default true")
	}
	if s.Scale != 1.0 {
		t.Errorf("expected Scale default 1.0, got %v", s.Scale)
	}
}

func TestSourceFetchAppliesPrefetch(t *testing.T) {
	var prefetched bool
	prefetchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefetched = true
	}))
	defer prefetchSrv.Close()

	s, err := New("x", &CallbackFetcher{Producer: func(ctx context.Context) ([]byte, error) {
		return []byte("payload"), nil
	}}, WithInterval(time.Minute), WithPrefetchURL(prefetchSrv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(out) != "payload" {
		t.Fatalf("got %q", out)
	}
	if !prefetched {
		t.Fatal("expected prefetch URL to be hit")
	}
}

func TestSourceFetchAppliesMinSize(t *testing.T) {
	s, err := New("x", &CallbackFetcher{Producer: func(ctx context.Context) ([]byte, error) {
		return []byte("short"), nil
	}}, WithInterval(time.Minute), WithMinSize(100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.Fetch(context.Background())
	if !errors.Is(err, ErrBelowMinSize) {
		t.Fatalf("expected ErrBelowMinSize, got %v", err)
	}
}

func TestSourceFetchPassesThroughWhenMinSizeMet(t *testing.T) {
	s, err := New("x", &CallbackFetcher{Producer: func(ctx context.Context) ([]byte, error) {
		return []byte("long enough payload"), nil
	}}, WithInterval(time.Minute), WithMinSize(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(out) != "long enough payload" {
		t.Fatalf("got %q", out)
	}
}
