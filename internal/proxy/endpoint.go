package proxy

import (
	"net"
	"time"

	"github.com/x1a0/bcproxy/internal/telnet"
)

// Endpoint is one side of a relay session: the socket plus the protocol
// state owned by the pump reading from it. Nothing outside that pump
// touches the decoder or negotiator, so no locking is needed.
type Endpoint struct {
	conn net.Conn
	name string // "client" or "server", for logs

	dec telnet.Decoder
	neg *telnet.Negotiator
}

func newEndpoint(conn net.Conn, name string, supported ...byte) *Endpoint {
	return &Endpoint{
		conn: conn,
		name: name,
		neg:  telnet.NewNegotiator(supported...),
	}
}

// writeData forwards plain stream bytes, re-escaping IAC so the output is
// a valid telnet stream again.
func (e *Endpoint) writeData(p []byte) (int, error) {
	out := telnet.AppendEscaped(make([]byte, 0, len(p)+4), p)
	return e.conn.Write(out)
}

func (e *Endpoint) write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// abortPending unblocks any read or write currently parked on the socket.
func (e *Endpoint) abortPending() {
	_ = e.conn.SetDeadline(time.Now())
}

func (e *Endpoint) close() {
	_ = e.conn.Close()
}

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}
