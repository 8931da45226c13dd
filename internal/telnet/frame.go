package telnet

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTruncated reports end-of-stream in the middle of a multi-byte command
// or an open sub-negotiation. The data that would otherwise be lost
// silently is not recoverable, so the caller must treat the stream as
// failed rather than flush a partial unit.
var ErrTruncated = errors.New("telnet: stream truncated inside a protocol unit")

// A ProtocolError reports a recoverable violation of the framing rules,
// such as a sub-negotiation opened while another one is still open. The
// decoder discards the offending unit and keeps going; the caller decides
// whether to log it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("telnet: protocol error: %s", e.Reason)
}

// FrameKind identifies the unit a Frame carries.
type FrameKind int

const (
	// FrameData is a run of plain stream bytes (IAC IAC already unescaped).
	FrameData FrameKind = iota
	// FrameCommand is a two-byte command: IAC followed by a command code
	// that takes no option byte (NOP, GA, ...).
	FrameCommand
	// FrameNegotiation is a three-byte option command:
	// IAC WILL/WONT/DO/DONT option.
	FrameNegotiation
	// FrameSubneg is a completed sub-negotiation block: option plus the
	// unescaped payload between IAC SB opt and IAC SE.
	FrameSubneg
)

// Frame is one decoded protocol unit.
type Frame struct {
	Kind FrameKind

	// Data holds the plain bytes for FrameData and the payload for
	// FrameSubneg.
	Data []byte

	// Cmd is the command code for FrameCommand and FrameNegotiation.
	Cmd byte

	// Option is the option code for FrameNegotiation and FrameSubneg.
	Option byte
}

type decoderState int

const (
	stateData decoderState = iota
	stateIAC               // consumed IAC, awaiting command byte
	stateNeg               // consumed IAC WILL/WONT/DO/DONT, awaiting option
	stateSubOpt            // consumed IAC SB, awaiting option
	stateSub               // inside sub-negotiation payload
	stateSubIAC            // inside sub-negotiation, consumed IAC
)

// Decoder incrementally decodes a telnet byte stream into Frames. Feed it
// raw reads as they arrive; a unit split across reads stays buffered until
// its remaining bytes show up, so the produced unit sequence does not
// depend on how the stream was chunked.
//
// A Decoder is owned by a single connection endpoint and is not safe for
// concurrent use.
type Decoder struct {
	in    bytes.Buffer
	state decoderState

	negCmd byte         // pending negotiation command in stateNeg
	subOpt byte         // option of the open sub-negotiation
	sub    bytes.Buffer // accumulating sub-negotiation payload
}

// Feed appends raw stream bytes to the decoder.
func (d *Decoder) Feed(p []byte) {
	d.in.Write(p)
}

// Next returns the next complete frame. ok is false when the buffered
// input does not complete a unit yet. A non-nil error is always a
// *ProtocolError: the offending unit has been discarded and decoding may
// continue with further Next calls.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	for d.in.Len() > 0 {
		switch d.state {
		case stateData:
			buf := d.in.Bytes()
			i := bytes.IndexByte(buf, IAC)
			if i < 0 {
				data := make([]byte, len(buf))
				copy(data, buf)
				d.in.Reset()
				return Frame{Kind: FrameData, Data: data}, true, nil
			}
			if i > 0 {
				data := make([]byte, i)
				copy(data, buf[:i])
				d.in.Next(i)
				return Frame{Kind: FrameData, Data: data}, true, nil
			}
			d.in.Next(1)
			d.state = stateIAC

		case stateIAC:
			c, _ := d.in.ReadByte()
			switch c {
			case IAC:
				// Escaped 0xff data byte.
				d.state = stateData
				return Frame{Kind: FrameData, Data: []byte{IAC}}, true, nil
			case WILL, WONT, DO, DONT:
				d.negCmd = c
				d.state = stateNeg
			case SB:
				d.state = stateSubOpt
			default:
				d.state = stateData
				return Frame{Kind: FrameCommand, Cmd: c}, true, nil
			}

		case stateNeg:
			opt, _ := d.in.ReadByte()
			cmd := d.negCmd
			d.state = stateData
			return Frame{Kind: FrameNegotiation, Cmd: cmd, Option: opt}, true, nil

		case stateSubOpt:
			opt, _ := d.in.ReadByte()
			d.subOpt = opt
			d.sub.Reset()
			d.state = stateSub

		case stateSub:
			buf := d.in.Bytes()
			i := bytes.IndexByte(buf, IAC)
			if i < 0 {
				d.sub.Write(buf)
				d.in.Reset()
				return Frame{}, false, nil
			}
			d.sub.Write(buf[:i])
			d.in.Next(i + 1)
			d.state = stateSubIAC

		case stateSubIAC:
			c, _ := d.in.ReadByte()
			switch c {
			case IAC:
				d.sub.WriteByte(IAC)
				d.state = stateSub
			case SE:
				payload := make([]byte, d.sub.Len())
				copy(payload, d.sub.Bytes())
				opt := d.subOpt
				d.sub.Reset()
				d.state = stateData
				return Frame{Kind: FrameSubneg, Option: opt, Data: payload}, true, nil
			case SB:
				// A second begin-marker while one block is open. Drop the
				// open block and start over with the new one.
				d.sub.Reset()
				d.state = stateSubOpt
				return Frame{}, false, &ProtocolError{
					Reason: fmt.Sprintf("sub-negotiation for option %d reopened before IAC SE", d.subOpt),
				}
			default:
				// Commands have no business inside a sub-negotiation.
				// Discard the block and resume at the data layer.
				d.sub.Reset()
				d.state = stateData
				return Frame{}, false, &ProtocolError{
					Reason: fmt.Sprintf("command %s inside sub-negotiation for option %d", commandName(c), d.subOpt),
				}
			}
		}
	}
	return Frame{}, false, nil
}

// Close signals end-of-stream. It returns ErrTruncated when the stream
// ended inside a multi-byte command or an open sub-negotiation; plain data
// has already been emitted by Next, so a clean close returns nil.
func (d *Decoder) Close() error {
	if d.state != stateData || d.in.Len() > 0 {
		return ErrTruncated
	}
	return nil
}
