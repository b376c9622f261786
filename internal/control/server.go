// Package control implements the loopback-only TCP command server:
// status, getentropy, persist, and stop, per spec.md §4.7/§6.
package control

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kluzzebass/egd/internal/logging"
	"github.com/kluzzebass/egd/internal/persist"
	"github.com/kluzzebass/egd/internal/pool"
	"github.com/kluzzebass/egd/internal/scheduler"
)

// shutdownGrace bounds how long Stop waits for in-flight connection
// handlers to finish before it stops waiting and proceeds anyway.
const shutdownGrace = 5 * time.Second

// Config configures a Server.
type Config struct {
	// Port is the loopback TCP port to listen on.
	Port int

	Pool      *pool.Pool
	Persister *persist.Persister
	Scheduler *scheduler.Scheduler

	// RateLimit and RateBurst bound how many connections per second the
	// server services; zero means unlimited. Loopback-only access makes
	// per-IP tracking unnecessary (there is effectively one caller
	// population), unlike the per-IP limiter this is modeled on.
	RateLimit rate.Limit
	RateBurst int

	Logger *slog.Logger
}

// Server is the control-channel TCP listener.
type Server struct {
	port      int
	pool      *pool.Pool
	persister *persist.Persister
	scheduler *scheduler.Scheduler
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	inFlight sync.WaitGroup
	draining atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	limit := cfg.RateLimit
	burst := cfg.RateBurst
	if limit <= 0 {
		limit = rate.Inf
		burst = 0
	} else if burst < 1 {
		burst = 1
	}

	return &Server{
		port:      cfg.Port,
		pool:      cfg.Pool,
		persister: cfg.Persister,
		scheduler: cfg.Scheduler,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logging.Default(cfg.Logger).With("component", "control"),
		stopped:   make(chan struct{}),
	}
}

// Start binds the loopback listener and begins accepting connections in
// the background. It returns once the listener is bound.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("control server listening", "addr", ln.Addr().String())

	go s.acceptLoop(ln)

	return nil
}

// Addr returns the bound listener address. Only meaningful after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stopped returns a channel closed once a client's stop command has run
// the full shutdown sequence (drain, scheduler quiesce, final persist).
// The daemon waits on this before exiting the process.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.draining.Load() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}

		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if !s.limiter.Allow() {
		_, _ = conn.Write([]byte(formatErr("rate limited")))
		return
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, err := parseCommand(line)
	if err != nil {
		_, _ = conn.Write([]byte(formatErr(err.Error())))
		return
	}

	s.dispatch(conn, cmd)
}

func (s *Server) dispatch(conn net.Conn, cmd command) {
	switch cmd.name {
	case "status":
		s.handleStatus(conn)
	case "getentropy":
		s.handleGetEntropy(conn, cmd.args)
	case "persist":
		s.handlePersist(conn)
	case "stop":
		s.handleStop(conn)
	default:
		_, _ = conn.Write([]byte(formatErr("unknown command: " + cmd.name)))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	stats := s.pool.Stats()
	_, _ = conn.Write([]byte(formatStatus(stats.TotalBytes, stats.TotalBits, stats.MaxBytes, stats.NumChunks)))
}

func (s *Server) handleGetEntropy(conn net.Conn, args []string) {
	n, clamped, err := parseGetEntropyArg(args)
	if err != nil {
		_, _ = conn.Write([]byte(formatErr(err.Error())))
		return
	}

	out, bits := s.pool.Withdraw(n)

	if _, err := conn.Write([]byte(formatGetEntropyHeader(len(out), bits, clamped))); err != nil {
		return
	}
	_, _ = conn.Write(out)
}

func (s *Server) handlePersist(conn net.Conn) {
	path, err := s.persister.Persist(context.Background())
	if err != nil {
		_, _ = conn.Write([]byte(formatErr(err.Error())))
		return
	}
	_, _ = conn.Write([]byte(formatPersisted(path)))
}

func (s *Server) handleStop(conn net.Conn) {
	_, _ = conn.Write([]byte("OK stopping\n"))
	go s.shutdown()
}

// shutdown runs the graceful-stop sequence from spec.md §4.7: stop
// accepting, drain in-flight handlers (bounded by shutdownGrace), quiesce
// the scheduler, persist one last time, then signal completion.
func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		s.draining.Store(true)

		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}

		drained := make(chan struct{})
		go func() {
			s.inFlight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(shutdownGrace):
			s.logger.Warn("shutdown grace period elapsed with handlers still in flight")
		}

		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		if s.persister != nil {
			if _, err := s.persister.Persist(context.Background()); err != nil {
				s.logger.Warn("final persist on shutdown failed", "error", err)
			}
		}

		close(s.stopped)
	})
}

// Stop triggers the same graceful shutdown sequence as a client-issued
// stop command, for use when the daemon is stopped by signal rather than
// by control connection.
func (s *Server) Stop() {
	go s.shutdown()
	<-s.stopped
}
