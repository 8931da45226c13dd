// Package proxy implements the relay core: sessions pairing a game client
// with the upstream server, and the manager that accepts clients and
// supervises sessions.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/x1a0/bcproxy/internal/metrics"
)

const (
	defaultConnectTimeout = 30 * time.Second
	dialRetryBase         = 1 * time.Second
	dialRetryMax          = 30 * time.Second
)

// Config holds session-manager configuration.
type Config struct {
	// ListenAddr is the address clients connect to, e.g. "127.0.0.1:7788".
	ListenAddr string

	// Upstream is the game server address, e.g. "bat.org:2023".
	Upstream string

	// Hello is written to the upstream immediately after connecting,
	// before any relaying (e.g. a protocol enable sequence).
	Hello []byte

	// Translator rewrites decoded extension events for the client.
	// Defaults to LineTag.
	Translator Translator

	// NewSink, when set, builds a per-session observer for decoded server
	// events (e.g. the mapper store recorder).
	NewSink SinkFactory

	// IdleTimeout ends a session after this long with no bytes in either
	// direction. Zero disables the idle check.
	IdleTimeout time.Duration

	// ConnectTimeout bounds a single upstream dial attempt.
	ConnectTimeout time.Duration

	// DialBudget is the total retry budget for the upstream dial,
	// retried with exponential backoff. Zero means a single attempt.
	DialBudget time.Duration

	// MaxSessions caps concurrently running sessions. Zero means
	// unlimited.
	MaxSessions int

	// TCPKeepAlive interval for both sides. Zero disables.
	TCPKeepAlive time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// ListenAndServe accepts client connections and runs one relay session
// per client. It blocks until ctx is cancelled. The only fatal error is
// failing to bind the listener; everything after that is session-scoped.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve runs the accept loop on an existing listener. It blocks until ctx
// is cancelled.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("listening", "bind", ln.Addr(), "upstream", cfg.Upstream)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	sem := newSessionSemaphore(cfg.MaxSessions)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}

		if !sem.tryAcquire() {
			cfg.Logger.Warn("session limit reached, rejecting client", "remote", conn.RemoteAddr())
			cfg.Metrics.SessionRefused(metrics.ReasonSessionLimit)
			_ = conn.Close()
			continue
		}

		go func() {
			defer sem.release()
			HandleConn(ctx, conn, cfg)
		}()
	}
}

// HandleConn runs the full lifecycle for one accepted client connection:
// upstream dial, session, teardown. It never lets a fault escape — a
// panic in one session must not take down the listener or its siblings.
func HandleConn(ctx context.Context, conn net.Conn, cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	defer conn.Close() //nolint:errcheck // best-effort cleanup
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panicked", "remote", conn.RemoteAddr(), "panic", r)
			cfg.Metrics.SessionRefused(metrics.ReasonPanic)
		}
	}()

	SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	dialStart := time.Now()
	upstream, err := dialUpstream(ctx, cfg)
	cfg.Metrics.ObserveDialDuration(time.Since(dialStart).Seconds())
	if err != nil {
		// Fails this client only; the accept loop keeps going.
		logger.Warn("upstream connect failed", "remote", conn.RemoteAddr(),
			"upstream", cfg.Upstream, "error", err)
		cfg.Metrics.SessionRefused(metrics.DialReason(err, metrics.ReasonUpstreamConnect))
		return
	}
	SetTCPKeepAlive(upstream, cfg.TCPKeepAlive)

	sess := NewSession(conn, upstream, cfg)
	logger.Info("session started", "session", sess.ID(), "remote", conn.RemoteAddr())

	tracker := cfg.Metrics.SessionOpened()
	start := time.Now()
	stats, err := sess.Run(ctx)
	tracker.Done(time.Since(start).Seconds(), stats.ClientToServer, stats.ServerToClient, err)

	if err != nil {
		logger.Warn("session ended", "session", sess.ID(), "error", err,
			"client_to_server", stats.ClientToServer, "server_to_client", stats.ServerToClient)
		return
	}
	logger.Info("session ended", "session", sess.ID(),
		"client_to_server", stats.ClientToServer, "server_to_client", stats.ServerToClient)
}

// dialUpstream dials the upstream server, retrying with exponential
// backoff until the dial budget is exhausted. A zero budget means a
// single attempt.
func dialUpstream(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	if cfg.DialBudget == 0 {
		return dialer.DialContext(ctx, "tcp", cfg.Upstream)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, cfg.DialBudget)
	defer cancel()

	b := &backoff.Backoff{
		Min:    dialRetryBase,
		Max:    dialRetryMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			cfg.Metrics.DialRetry()
			select {
			case <-budgetCtx.Done():
				return nil, lastErr
			case <-time.After(b.Duration()):
			}
		}
		conn, err := dialer.DialContext(budgetCtx, "tcp", cfg.Upstream)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if budgetCtx.Err() != nil {
			return nil, lastErr
		}
	}
}

// sessionSemaphore limits concurrent sessions. A nil channel (from
// newSessionSemaphore(0)) imposes no limit.
type sessionSemaphore struct {
	ch chan struct{}
}

func newSessionSemaphore(max int) *sessionSemaphore {
	if max <= 0 {
		return &sessionSemaphore{}
	}
	return &sessionSemaphore{ch: make(chan struct{}, max)}
}

func (s *sessionSemaphore) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *sessionSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
