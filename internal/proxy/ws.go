package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// ListenAndServeWS accepts browser-based clients over WebSocket and runs
// the same relay sessions as the TCP listener: each accepted socket is
// adapted to net.Conn and handed to HandleConn. Binary frames carry the
// translated byte stream. It blocks until ctx is cancelled.
func ListenAndServeWS(ctx context.Context, addr string, cfg Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws listen %s: %w", addr, err)
	}
	return ServeWS(ctx, ln, cfg)
}

// ServeWS runs the WebSocket front-end on an existing listener.
func ServeWS(ctx context.Context, ln net.Listener, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := websocket.NetConn(r.Context(), ws, websocket.MessageBinary)
		HandleConn(r.Context(), conn, cfg)
		_ = ws.CloseNow()
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	logger.Info("websocket listening", "bind", ln.Addr(), "upstream", cfg.Upstream)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}
