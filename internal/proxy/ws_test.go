package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestServeWS(t *testing.T) {
	upstream := startFakeUpstream(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- ServeWS(ctx, ln, Config{Upstream: upstream}) }()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	ws, _, err := websocket.Dial(dialCtx, "ws://"+ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	conn := websocket.NetConn(ctx, ws, websocket.MessageBinary)
	defer conn.Close()

	// A WebSocket client runs the same session as a TCP client.
	want := "welcome\r\n[Room.Info] {\"id\":\"r1\"}\n"
	if got := readExact(t, conn, len(want)); string(got) != want {
		t.Errorf("client received %q, want %q", got, want)
	}

	writeAll(t, conn, []byte("look\r\n"))
	if got := readExact(t, conn, 11); string(got) != "did: look\r\n" {
		t.Errorf("client received %q, want %q", got, "did: look\r\n")
	}

	// Close the client first so the handler finishes and shutdown does not
	// have to wait it out.
	conn.Close()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ServeWS() = %v, want nil after shutdown", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("ServeWS did not stop")
	}
}
