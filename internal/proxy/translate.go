package proxy

import (
	"context"
	"fmt"

	"github.com/x1a0/bcproxy/internal/gmcp"
	"github.com/x1a0/bcproxy/internal/telnet"
)

// Translator decides the client-facing form of a decoded extension event.
// It is injected policy: the session core does not know which events map
// to which output shape.
type Translator interface {
	// Render returns the bytes to forward to the client for ev.
	Render(ev gmcp.Event) []byte
}

// Passthrough re-encodes events as GMCP sub-negotiations, byte-equivalent
// to what the server sent. For clients that speak the protocol themselves.
type Passthrough struct{}

func (Passthrough) Render(ev gmcp.Event) []byte {
	return telnet.Subnegotiation(telnet.OptGMCP, gmcp.Encode(ev))
}

// LineTag renders events as tagged text lines for thin clients that only
// display a terminal stream:
//
//	[Room.Info] {"name":"Square"}
//
// Multi-line payloads never occur (JSON is a single line), so one event is
// always exactly one line.
type LineTag struct{}

func (LineTag) Render(ev gmcp.Event) []byte {
	if !ev.HasPayload() {
		return fmt.Appendf(nil, "[%s]\n", ev.Name)
	}
	return fmt.Appendf(nil, "[%s] %s\n", ev.Name, ev.Raw)
}

// NewTranslator maps a mode name to its policy.
func NewTranslator(mode string) (Translator, error) {
	switch mode {
	case "pass":
		return Passthrough{}, nil
	case "line", "":
		return LineTag{}, nil
	default:
		return nil, fmt.Errorf("unknown translation mode %q (want pass or line)", mode)
	}
}

// EventSink observes decoded server events after translation, e.g. to
// persist mapper rooms. Implementations must not block for long; the
// server→client pump calls them inline.
type EventSink interface {
	HandleEvent(ctx context.Context, ev gmcp.Event)
}

// SinkFactory builds a fresh EventSink per session, so sinks can keep
// per-session state (such as the previously visited room) without
// synchronization.
type SinkFactory func() EventSink
