package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"stash/pkg/protocol"
	"stash/pkg/storage"

	"golang.org/x/sync/errgroup"
)

// acceptBackoff is how long the accept loop waits after a failed accept.
const acceptBackoff = time.Second

// Server accepts client connections and serves the artifact cache protocol
// on each of them, one goroutine per connection.
type Server struct {
	cfg     Config
	engine  storage.Backend
	closer  io.Closer
	metrics *Metrics
	started time.Time

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer validates cfg and opens its backend unless cfg.Engine is set.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		engine:  cfg.Engine,
		metrics: NewMetrics(),
		started: time.Now(),
		conns:   make(map[net.Conn]struct{}),
	}

	if s.engine == nil {
		engine, err := cfg.OpenBackend(ctx)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
		}
		s.engine = engine
		if c, ok := engine.(io.Closer); ok {
			s.closer = c
		}
	}

	return s, nil
}

// Close releases the backend if the server opened it.
func (s *Server) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Backend returns the shared backend handle. Connections use clones of it.
func (s *Server) Backend() storage.Backend {
	return s.engine
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled. On return the
// listener and every live connection are closed and their goroutines have
// finished. A listener closed by someone else ends Serve with an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("Serving artifact cache", "addr", ln.Addr().String(), "backend", s.cfg.Backend)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		s.closeConns()
		return nil
	})

	eg.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("accept: %w", err)
				}

				slog.Warn("Accept failed", "err", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(acceptBackoff):
				}
				continue
			}

			s.wg.Add(1)
			go s.handleConn(ctx, conn)
		}
	})

	err := eg.Wait()
	s.wg.Wait()
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	s.metrics.Connections.Inc()
	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	logger := slog.With("remote", conn.RemoteAddr().String())
	logger.Info("Client connected")

	engine := s.engine.Clone()
	h := Handler{Backend: engine, Metrics: s.metrics, Logger: logger}
	err := h.Serve(ctx, conn)

	// Whatever is still staged belongs to a transaction that will never be
	// committed.
	if cerr := engine.CancelTransaction(context.WithoutCancel(ctx)); cerr != nil {
		logger.Warn("Discard open transaction", "err", cerr)
	}

	switch {
	case err == nil:
		logger.Info("Client disconnected")
	case ctx.Err() != nil:
		logger.Debug("Connection closed by shutdown", "err", err)
	default:
		s.metrics.ConnectionErrors.Inc()
		logger.Warn("Connection closed with error", "err", err)
	}
}

// Stats is a point-in-time summary of the server.
type Stats struct {
	Backend           string
	Version           uint32
	Uptime            time.Duration
	ActiveConnections int
	// Counts is nil when the backend cannot count its artifacts.
	Counts map[protocol.Kind]int
}

// Stats collects a Stats snapshot.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Backend:           s.cfg.Backend,
		Version:           protocol.Version,
		Uptime:            time.Since(s.started),
		ActiveConnections: s.ActiveConnections(),
	}
	if s.cfg.Engine != nil {
		stats.Backend = fmt.Sprintf("%T", s.engine)
	}

	if counter, ok := s.engine.(storage.Counter); ok {
		counts, err := counter.Count(ctx)
		if err != nil {
			return stats, fmt.Errorf("count artifacts: %w", err)
		}
		stats.Counts = counts
	}
	return stats, nil
}
