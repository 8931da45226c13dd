// Package telnet implements the wire layer of the relay: an incremental
// frame decoder for the telnet-derived stream (plain data, commands, and
// sub-negotiation blocks) and the option negotiation state machine.
package telnet

// Telnet command bytes. All commands are introduced by IAC.
const (
	SE   byte = 0xf0 // end of sub-negotiation
	NOP  byte = 0xf1
	GA   byte = 0xf9 // go ahead (prompt marker on MUD servers)
	SB   byte = 0xfa // begin sub-negotiation
	WILL byte = 0xfb
	WONT byte = 0xfc
	DO   byte = 0xfd
	DONT byte = 0xfe
	IAC  byte = 0xff // interpret as command
)

// Telnet option codes the relay knows about.
const (
	// OptGMCP is the Generic MUD Communication Protocol option. Its
	// sub-negotiation payload carries the out-of-band extension messages.
	OptGMCP byte = 201

	// OptEcho and OptSuppressGA are common server offers; the relay
	// refuses them and lets the client deal with echo itself.
	OptEcho       byte = 1
	OptSuppressGA byte = 3
)

func commandName(c byte) string {
	switch c {
	case SE:
		return "SE"
	case NOP:
		return "NOP"
	case GA:
		return "GA"
	case SB:
		return "SB"
	case WILL:
		return "WILL"
	case WONT:
		return "WONT"
	case DO:
		return "DO"
	case DONT:
		return "DONT"
	case IAC:
		return "IAC"
	}
	return "?"
}
