package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},  // case-insensitive
		{"WARN", slog.LevelWarn},    // case-insensitive
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // empty defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input)
			if logger == nil {
				t.Fatal("newLogger returned nil")
			}
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug {
				if logger.Enabled(context.Background(), slog.LevelDebug) {
					t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
				}
			}
		})
	}
}

func TestNewLoggerWritesToStderr(t *testing.T) {
	// Redirect stderr before creating the logger so the handler writes to
	// our pipe.
	old := os.Stderr
	defer func() { os.Stderr = old }()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stderr = w

	logger := newLogger("info")
	logger.Info("test message", "key", "value")

	w.Close()
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	r.Close()

	output := string(buf[:n])
	if !strings.Contains(output, "test message") {
		t.Errorf("expected logger output to contain %q, got %q", "test message", output)
	}
}

func TestResolveUpstream_FlagPriority(t *testing.T) {
	t.Setenv("BCPROXY_UPSTREAM", "from-env:2023")

	cmd := serveCmd()
	if err := cmd.Flags().Set("upstream", "from-flag:2023"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	got, err := resolveUpstream(cmd, nil)
	if err != nil {
		t.Fatalf("resolveUpstream: %v", err)
	}
	if got != "from-flag:2023" {
		t.Errorf("upstream = %q, want %q (flag should take priority over env)", got, "from-flag:2023")
	}
}

func TestResolveUpstream_PositionalArg(t *testing.T) {
	t.Setenv("BCPROXY_UPSTREAM", "from-env:2023")

	cmd := serveCmd()
	got, err := resolveUpstream(cmd, []string{"from-arg:2023"})
	if err != nil {
		t.Fatalf("resolveUpstream: %v", err)
	}
	if got != "from-arg:2023" {
		t.Errorf("upstream = %q, want %q (arg should take priority over env)", got, "from-arg:2023")
	}
}

func TestResolveUpstream_Env(t *testing.T) {
	t.Setenv("BCPROXY_UPSTREAM", "bat.org:2023")

	got, err := resolveUpstream(serveCmd(), nil)
	if err != nil {
		t.Fatalf("resolveUpstream: %v", err)
	}
	if got != "bat.org:2023" {
		t.Errorf("upstream = %q, want %q", got, "bat.org:2023")
	}
}

func TestResolveUpstream_Missing(t *testing.T) {
	t.Setenv("BCPROXY_UPSTREAM", "")

	_, err := resolveUpstream(serveCmd(), nil)
	if err == nil {
		t.Fatal("expected error when upstream is missing, got nil")
	}
	if !strings.Contains(err.Error(), "upstream address is required") {
		t.Errorf("error %q does not mention the upstream requirement", err)
	}
}

func TestParseHello(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"", nil, false},
		{`\x1bbc 1\n`, []byte("\x1bbc 1\n"), false},
		{`plain`, []byte("plain"), false},
		{`line\n`, []byte("line\n"), false},
		{`\q`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseHello(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseHello(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHello(%q): %v", tt.input, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("parseHello(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	// Verify the version variable is set (compile-time default is "dev").
	if version == "" {
		t.Error("version should not be empty")
	}
}
