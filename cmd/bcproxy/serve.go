package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x1a0/bcproxy/internal/mapper"
	"github.com/x1a0/bcproxy/internal/proxy"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Listen for game clients and relay each one to the upstream game server,
translating out-of-band protocol messages on the way.

Example:
  bcproxy serve --upstream bat.org:2023 --translate line --db mapper.db
  telnet 127.0.0.1 7788`,
		RunE: runServe,
	}

	cmd.Flags().StringP("listen", "l", "127.0.0.1:7788", "local bind address:port for game clients")
	cmd.Flags().StringP("upstream", "u", "", "game server address:port")
	cmd.Flags().String("translate", "line", "client-facing form of protocol messages (line, pass)")
	cmd.Flags().String("db", "", "mapper database (sqlite path or postgres:// URL); disabled if empty")
	cmd.Flags().String("hello", "", `bytes sent to the upstream on connect (\n and \xNN escapes), e.g. \x1bbc 1\n`)
	cmd.Flags().Duration("idle-timeout", 0, "end a session after this long with no traffic (0 = never)")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "timeout for one upstream dial attempt")
	cmd.Flags().Duration("dial-budget", 0, "total time to keep retrying the upstream dial (0 = single attempt)")
	cmd.Flags().Int("max-sessions", 0, "maximum concurrent sessions (0 = unlimited)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().String("ws-listen", "", "additional WebSocket bind address:port; disabled if empty")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	upstream, err := resolveUpstream(cmd, args)
	if err != nil {
		return err
	}
	listen, _ := cmd.Flags().GetString("listen")
	if env := os.Getenv("BCPROXY_LISTEN"); env != "" && !cmd.Flags().Changed("listen") {
		listen = env
	}
	mode, _ := cmd.Flags().GetString("translate")
	translator, err := proxy.NewTranslator(mode)
	if err != nil {
		return err
	}
	helloArg, _ := cmd.Flags().GetString("hello")
	hello, err := parseHello(helloArg)
	if err != nil {
		return err
	}
	idleTimeout, _ := cmd.Flags().GetDuration("idle-timeout")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	dialBudget, _ := cmd.Flags().GetDuration("dial-budget")
	maxSessions, _ := cmd.Flags().GetInt("max-sessions")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	wsListen, _ := cmd.Flags().GetString("ws-listen")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	cfg := proxy.Config{
		ListenAddr:     listen,
		Upstream:       upstream,
		Hello:          hello,
		Translator:     translator,
		IdleTimeout:    idleTimeout,
		ConnectTimeout: connectTimeout,
		DialBudget:     dialBudget,
		MaxSessions:    maxSessions,
		TCPKeepAlive:   tcpKeepAlive,
		Logger:         logger,
		Metrics:        m,
	}

	dbURL, _ := cmd.Flags().GetString("db")
	if dbURL == "" {
		dbURL = os.Getenv("BCPROXY_DB")
	}
	if dbURL != "" {
		store, err := mapper.Open(dbURL)
		if err != nil {
			return fmt.Errorf("open mapper database: %w", err)
		}
		cfg.NewSink = func() proxy.EventSink { return store.NewRecorder(logger) }
		logger.Info("mapper enabled", "db", dbURL)
	} else {
		logger.Warn("mapper disabled, room and monster events will not be persisted")
	}

	if wsListen != "" {
		go func() {
			if err := proxy.ListenAndServeWS(ctx, wsListen, cfg); err != nil {
				logger.Error("websocket listener failed", "error", err)
			}
		}()
	}

	err = proxy.ListenAndServe(ctx, cfg)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resolveUpstream returns the game server address from the --upstream
// flag, positional arg, or BCPROXY_UPSTREAM env var.
func resolveUpstream(cmd *cobra.Command, args []string) (string, error) {
	if upstream, _ := cmd.Flags().GetString("upstream"); upstream != "" {
		return upstream, nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	if upstream := os.Getenv("BCPROXY_UPSTREAM"); upstream != "" {
		return upstream, nil
	}
	return "", fmt.Errorf("upstream address is required: use --upstream or set BCPROXY_UPSTREAM")
}

// parseHello interprets backslash escapes in the --hello value, so control
// bytes can be given on the command line.
func parseHello(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	unquoted, err := strconv.Unquote(`"` + s + `"`)
	if err != nil {
		return nil, fmt.Errorf("invalid --hello value %q: %w", s, err)
	}
	return []byte(unquoted), nil
}
