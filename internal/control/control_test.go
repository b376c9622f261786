package control

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kluzzebass/egd/internal/persist"
	"github.com/kluzzebass/egd/internal/pool"
	"github.com/kluzzebass/egd/internal/scheduler"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()

	p := pool.New(pool.Config{MaxBytes: 4096, ChunkCapBytes: 512})
	per := persist.New(persist.Config{Path: filepath.Join(t.TempDir(), "pool.bin"), Pool: p})
	sched := scheduler.New(scheduler.Config{Pool: p})

	srv := New(Config{Port: 0, Pool: p, Persister: per, Scheduler: sched})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	return srv, func() {
		select {
		case <-srv.Stopped():
		default:
			srv.Stop()
		}
	}
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendLine(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	resp, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestStatusOnEmptyPool(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	resp := sendLine(t, conn, "status")
	want := "OK total_bytes=0 total_bits=0 max_bytes=4096 chunks=0\n"
	if resp != want {
		t.Fatalf("got %q, want %q", resp, want)
	}
}

func TestGetEntropyOnEmptyPoolReturnsZeroBytes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "getentropy 32\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	header, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header != "OK bytes=0 bits=0\n" {
		t.Fatalf("got header %q", header)
	}
}

func TestAppendThenGetEntropy(t *testing.T) {
	p := pool.New(pool.Config{MaxBytes: 4096, ChunkCapBytes: 2048})
	per := persist.New(persist.Config{Path: filepath.Join(t.TempDir(), "pool.bin"), Pool: p})
	sched := scheduler.New(scheduler.Config{Pool: p})
	srv := New(Config{Port: 0, Pool: p, Persister: per, Scheduler: sched})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	p.Append(data, 800)

	conn := dial(t, srv)
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "getentropy 500\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	header, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header != "OK bytes=500 bits=400\n" {
		t.Fatalf("got header %q", header)
	}

	body := make([]byte, 500)
	if _, err := readFull(reader, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	for i := range body {
		if body[i] != byte(i) {
			t.Fatalf("body mismatch at %d", i)
		}
	}

	conn2 := dial(t, srv)
	defer conn2.Close()
	statusResp := sendLine(t, conn2, "status")
	if !strings.Contains(statusResp, "total_bytes=500") || !strings.Contains(statusResp, "total_bits=400") {
		t.Fatalf("got status %q", statusResp)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestGetEntropyClampsOversizedRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	resp := sendLine(t, conn, "getentropy 99999999999")
	if !strings.Contains(resp, "note=clamped_to_16777216") {
		t.Fatalf("expected clamp note, got %q", resp)
	}
}

func TestGetEntropyRejectsInvalidN(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	resp := sendLine(t, conn, "getentropy 0")
	if !strings.HasPrefix(resp, "ERR") {
		t.Fatalf("expected ERR response, got %q", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	resp := sendLine(t, conn, "bogus")
	if !strings.HasPrefix(resp, "ERR") {
		t.Fatalf("expected ERR response, got %q", resp)
	}
}

func TestPersistCommand(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	resp := sendLine(t, conn, "persist")
	if !strings.HasPrefix(resp, "OK persisted=") {
		t.Fatalf("got %q", resp)
	}
}

func TestStopCommandClosesListenerAndSignalsStopped(t *testing.T) {
	p := pool.New(pool.Config{MaxBytes: 4096, ChunkCapBytes: 512})
	per := persist.New(persist.Config{Path: filepath.Join(t.TempDir(), "pool.bin"), Pool: p})
	sched := scheduler.New(scheduler.Config{Pool: p})
	srv := New(Config{Port: 0, Pool: p, Persister: per, Scheduler: sched})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dial(t, srv)
	resp := sendLine(t, conn, "stop")
	if resp != "OK stopping\n" {
		t.Fatalf("got %q", resp)
	}
	conn.Close()

	select {
	case <-srv.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stopped()")
	}

	if _, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond); err == nil {
		t.Fatal("expected listener to be closed after stop")
	}
}
