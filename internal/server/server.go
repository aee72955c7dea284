// Package server runs the authoritative UDP listener for the tunnel
// suffix and maps query names onto session operations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/burrowchat/burrow/internal/llm"
	"github.com/burrowchat/burrow/internal/session"
)

// stopTimeout bounds graceful shutdown of the listener.
const stopTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Addr    string // host:port to bind, e.g. "0.0.0.0:53"
	Suffix  string // tunnel domain suffix, e.g. "t.example.com"
	Logger  *slog.Logger
	Limiter *RateLimiter // nil disables rate limiting
}

// Server owns the UDP listener, the session store sweeper, and the
// handler wiring. It serves exactly one suffix and answers nothing else.
type Server struct {
	opts    Options
	store   *session.Store
	handler *Handler
	logger  *slog.Logger
}

// New assembles a Server around an existing store and orchestrator.
func New(opts Options, store *session.Store, orch *llm.Orchestrator) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		store:  store,
		logger: logger,
		handler: &Handler{
			Suffix:  opts.Suffix,
			Store:   store,
			Orch:    orch,
			Limiter: opts.Limiter,
			Logger:  logger,
		},
	}
}

// Run binds the UDP socket and serves until ctx is cancelled. The idle
// sweeper runs alongside and stops with the listener.
func (s *Server) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.Addr, err)
	}
	return s.RunOnConn(ctx, conn)
}

// RunOnConn serves on an existing packet connection. Useful for tests and
// callers that manage the socket themselves.
func (s *Server) RunOnConn(ctx context.Context, conn net.PacketConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.handler.BaseContext = ctx

	go s.store.Run(ctx)

	srv := &dns.Server{
		PacketConn: conn,
		Handler:    s.handler,
	}

	s.logger.Info("dns listening",
		"addr", conn.LocalAddr().String(),
		"suffix", s.opts.Suffix,
		"rate_limited", s.opts.Limiter != nil,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ActivateAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), stopTimeout)
		defer cancelShutdown()
		if err := srv.ShutdownContext(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	}
}

// Store exposes the session store, used by the status API.
func (s *Server) Store() *session.Store {
	return s.store
}
