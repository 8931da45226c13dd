package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/x1a0/bcproxy/internal/gmcp"
	"github.com/x1a0/bcproxy/internal/metrics"
	"github.com/x1a0/bcproxy/internal/telnet"
)

// ErrIdleTimeout reports that a session saw no bytes in either direction
// for the configured idle duration.
var ErrIdleTimeout = errors.New("proxy: session idle timeout")

// teardownGrace bounds how long Run waits for a pump to notice the
// deadline poke after the session has ended.
const teardownGrace = 5 * time.Second

// SessionStats holds byte counters for a completed session. Counters are
// bytes written to the receiving side, after stripping and translation.
type SessionStats struct {
	ClientToServer int64
	ServerToClient int64
}

// Session pairs one client connection with one upstream server connection
// and relays both directions until either side closes, errors, or the
// idle timeout fires.
type Session struct {
	id     string
	client *Endpoint
	server *Endpoint

	translator Translator
	sink       EventSink
	logger     *slog.Logger
	metrics    *metrics.Metrics

	idleTimeout time.Duration
	hello       []byte

	lastActivity atomic.Int64 // unix nanos
}

// NewSession wires a client/server connection pair into a session. Both
// connections are owned by the session from this point on and are closed
// when Run returns.
func NewSession(client, server net.Conn, cfg Config) *Session {
	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	translator := cfg.Translator
	if translator == nil {
		translator = LineTag{}
	}
	var sink EventSink
	if cfg.NewSink != nil {
		sink = cfg.NewSink()
	}
	return &Session{
		id:          id,
		client:      newEndpoint(client, "client", telnet.OptGMCP),
		server:      newEndpoint(server, "server", telnet.OptGMCP),
		translator:  translator,
		sink:        sink,
		logger:      logger.With("session", id),
		metrics:     cfg.Metrics,
		idleTimeout: cfg.IdleTimeout,
		hello:       cfg.Hello,
	}
}

// ID is the session's unique identifier, used in logs.
func (s *Session) ID() string { return s.id }

// Run pumps both directions until the session reaches a terminal state,
// then closes both endpoints. The two directions make progress
// independently: a stalled write on one side never blocks the other.
func (s *Session) Run(ctx context.Context) (SessionStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.client.close()
	defer s.server.close()

	s.touch()

	// Greet the upstream and ask it to speak the extension protocol.
	if len(s.hello) > 0 {
		if _, err := s.server.write(s.hello); err != nil {
			return SessionStats{}, err
		}
	}
	if req := s.server.neg.Request(telnet.OptGMCP); req != nil {
		if _, err := s.server.write(req); err != nil {
			return SessionStats{}, err
		}
	}

	var c2s, s2c atomic.Int64
	errc := make(chan error, 2)
	go func() { errc <- s.pump(ctx, s.client, s.server, &c2s) }()
	go func() { errc <- s.pump(ctx, s.server, s.client, &s2c) }()

	idlec := make(chan struct{})
	if s.idleTimeout > 0 {
		go s.idleWatch(ctx, idlec)
	}

	var first error
	received := 0
	select {
	case first = <-errc:
		received = 1
	case <-idlec:
		first = ErrIdleTimeout
	case <-ctx.Done():
		first = ctx.Err()
	}
	cancel()

	// Unblock reads and writes parked on either socket so the remaining
	// pumps return promptly.
	s.client.abortPending()
	s.server.abortPending()

	grace := time.NewTimer(teardownGrace)
	defer grace.Stop()
	for received < 2 {
		select {
		case <-errc:
			received++
		case <-grace.C:
			s.logger.Warn("pump did not exit within grace period; abandoning")
			received = 2
		}
	}

	stats := SessionStats{
		ClientToServer: c2s.Load(),
		ServerToClient: s2c.Load(),
	}
	return stats, normalizeClose(first)
}

// pump reads from src, decodes frames, and relays them. Negotiation is
// answered toward src; everything else flows toward dst.
func (s *Session) pump(ctx context.Context, src, dst *Endpoint, written *atomic.Int64) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.conn.Read(buf)
		if n > 0 {
			s.touch()
			src.dec.Feed(buf[:n])
			if werr := s.relayFrames(ctx, src, dst, written); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Clean close, unless the stream died inside a unit.
				return src.dec.Close()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Session) relayFrames(ctx context.Context, src, dst *Endpoint, written *atomic.Int64) error {
	for {
		f, ok, err := src.dec.Next()
		if err != nil {
			var pe *telnet.ProtocolError
			if errors.As(err, &pe) {
				// Recoverable framing violation: the decoder already
				// dropped the offending unit.
				s.logger.Warn("framing violation", "endpoint", src.name, "reason", pe.Reason)
				s.metrics.EventDiscarded(direction(src))
				continue
			}
			return err
		}
		if !ok {
			return nil
		}

		switch f.Kind {
		case telnet.FrameData:
			n, err := dst.writeData(f.Data)
			written.Add(int64(n))
			if err != nil {
				return err
			}

		case telnet.FrameCommand:
			n, err := dst.write(telnet.Command(f.Cmd))
			written.Add(int64(n))
			if err != nil {
				return err
			}

		case telnet.FrameNegotiation:
			// Negotiation terminates at the proxy: answer src, forward
			// nothing.
			if reply := src.neg.Handle(f.Cmd, f.Option); reply != nil {
				if _, err := src.write(reply); err != nil {
					return err
				}
			}

		case telnet.FrameSubneg:
			if err := s.relaySubneg(ctx, src, dst, f, written); err != nil {
				return err
			}
		}
	}
}

func (s *Session) relaySubneg(ctx context.Context, src, dst *Endpoint, f telnet.Frame, written *atomic.Int64) error {
	if f.Option != telnet.OptGMCP {
		s.logger.Debug("dropping sub-negotiation for refused option",
			"endpoint", src.name, "option", f.Option)
		s.metrics.EventDiscarded(direction(src))
		return nil
	}

	ev, err := gmcp.Decode(f.Data)
	if err != nil {
		var mp *gmcp.MalformedPayloadError
		if errors.As(err, &mp) {
			// Never forward a payload past a decode failure; drop it and
			// keep the session alive.
			s.logger.Warn("dropping malformed extension payload",
				"endpoint", src.name, "name", mp.Name, "offset", mp.Offset, "error", mp.Err)
			s.metrics.EventDiscarded(direction(src))
			return nil
		}
		return err
	}

	s.metrics.EventRelayed(direction(src), ev.Package())

	if dst == s.client {
		if s.sink != nil {
			s.sink.HandleEvent(ctx, ev)
		}
		n, err := dst.write(s.translator.Render(ev))
		written.Add(int64(n))
		return err
	}

	// Client-originated extension messages go upstream in protocol form.
	n, err := dst.write(telnet.Subnegotiation(telnet.OptGMCP, gmcp.Encode(ev)))
	written.Add(int64(n))
	return err
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleWatch(ctx context.Context, idlec chan<- struct{}) {
	interval := max(s.idleTimeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) >= s.idleTimeout {
				close(idlec)
				return
			}
		}
	}
}

func direction(src *Endpoint) string {
	if src.name == "client" {
		return metrics.DirClientToServer
	}
	return metrics.DirServerToClient
}

// normalizeClose maps errors that just mean "the peer went away" to nil;
// a client whose session ends simply sees its connection close.
func normalizeClose(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
