package telnet

// OptionState is the negotiation state of one option on one side of a
// connection.
type OptionState int

// Peer offers are answered synchronously by Handle, so an option is only
// ever Disabled, requested by this side, or Enabled.
const (
	OptionDisabled OptionState = iota
	OptionWeRequested
	OptionEnabled
)

// Negotiator tracks telnet option state for one connection endpoint. It
// keeps separate tables for options performed locally (peer speaks DO/DONT
// about them) and options performed by the peer (peer speaks WILL/WONT).
// It never touches the socket: Offer, Request, and Handle return the reply
// bytes to send, and the owning pump writes them.
//
// A Negotiator is owned by a single endpoint and is not safe for
// concurrent use.
type Negotiator struct {
	supported map[byte]bool
	local     map[byte]OptionState
	remote    map[byte]OptionState
}

// NewNegotiator returns a Negotiator that accepts the given options and
// refuses everything else.
func NewNegotiator(supported ...byte) *Negotiator {
	n := &Negotiator{
		supported: make(map[byte]bool, len(supported)),
		local:     make(map[byte]OptionState),
		remote:    make(map[byte]OptionState),
	}
	for _, opt := range supported {
		n.supported[opt] = true
	}
	return n
}

// LocalState reports the state of an option performed by this side.
func (n *Negotiator) LocalState(opt byte) OptionState { return n.local[opt] }

// RemoteState reports the state of an option performed by the peer.
func (n *Negotiator) RemoteState(opt byte) OptionState { return n.remote[opt] }

// Enabled reports whether the option is enabled on either side.
func (n *Negotiator) Enabled(opt byte) bool {
	return n.local[opt] == OptionEnabled || n.remote[opt] == OptionEnabled
}

// Offer announces that this side wants to perform opt. It returns the
// IAC WILL sequence to send, or nil when an offer is already in flight or
// the option is already enabled.
func (n *Negotiator) Offer(opt byte) []byte {
	switch n.local[opt] {
	case OptionDisabled:
		n.local[opt] = OptionWeRequested
		return []byte{IAC, WILL, opt}
	default:
		return nil
	}
}

// Request asks the peer to perform opt. It returns the IAC DO sequence to
// send, or nil when a request is already in flight or the option is
// already enabled.
func (n *Negotiator) Request(opt byte) []byte {
	switch n.remote[opt] {
	case OptionDisabled:
		n.remote[opt] = OptionWeRequested
		return []byte{IAC, DO, opt}
	default:
		return nil
	}
}

// Handle applies a negotiation command received from the peer and returns
// the reply to send, if any. Replies are emitted only on state
// transitions; a repeated identical offer while the option is already
// settled produces no reply, so negotiation never storms.
func (n *Negotiator) Handle(cmd, opt byte) []byte {
	switch cmd {
	case WILL:
		// Peer offers to perform opt.
		switch n.remote[opt] {
		case OptionDisabled:
			if !n.supported[opt] {
				return []byte{IAC, DONT, opt}
			}
			n.remote[opt] = OptionEnabled
			return []byte{IAC, DO, opt}
		case OptionWeRequested:
			// Simultaneous offer/request: both sides agree.
			n.remote[opt] = OptionEnabled
			return nil
		default:
			return nil
		}

	case WONT:
		// Peer refuses or disables opt on its side. Always honored.
		switch n.remote[opt] {
		case OptionDisabled:
			return nil
		case OptionEnabled:
			n.remote[opt] = OptionDisabled
			return []byte{IAC, DONT, opt}
		default:
			n.remote[opt] = OptionDisabled
			return nil
		}

	case DO:
		// Peer asks this side to perform opt.
		switch n.local[opt] {
		case OptionDisabled:
			if !n.supported[opt] {
				return []byte{IAC, WONT, opt}
			}
			n.local[opt] = OptionEnabled
			return []byte{IAC, WILL, opt}
		case OptionWeRequested:
			n.local[opt] = OptionEnabled
			return nil
		default:
			return nil
		}

	case DONT:
		// Peer tells this side to stop performing opt. Always honored.
		switch n.local[opt] {
		case OptionDisabled:
			return nil
		case OptionEnabled:
			n.local[opt] = OptionDisabled
			return []byte{IAC, WONT, opt}
		default:
			n.local[opt] = OptionDisabled
			return nil
		}
	}
	return nil
}
