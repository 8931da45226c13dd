// Package gmcp encodes and decodes the out-of-band extension messages the
// relay carries inside telnet sub-negotiation blocks.
//
// A message is a dotted package name, optionally followed by a single
// space and one JSON value:
//
//	Room.Info {"name":"Square","area":"city"}
//	Core.Ping
//	Comm.Channel.Text "hello"
//
// The payload grammar is JSON (nested objects, arrays, strings, numbers,
// booleans, null). Messages whose names the relay does not specifically
// understand still decode — the raw payload is preserved verbatim, so they
// can be forwarded opaquely to stay compatible with server-side extensions
// added after this relay was built.
package gmcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Event is one decoded out-of-band message.
type Event struct {
	// Name is the dotted message name, e.g. "Room.Info".
	Name string

	// Data is the decoded JSON payload: map[string]any, []any, string,
	// float64, bool, or nil for messages without a payload.
	Data any

	// Raw is the payload exactly as it appeared on the wire (nil when the
	// message had none). Forwarding uses Raw, so unknown messages pass
	// through byte-identical.
	Raw []byte
}

// HasPayload reports whether the event carried a payload.
func (e Event) HasPayload() bool { return len(e.Raw) > 0 }

// Equal reports whether two events decode to the same name and payload
// value. Raw formatting differences (whitespace, key order in freshly
// marshalled payloads) do not matter.
func (e Event) Equal(other Event) bool {
	return e.Name == other.Name && reflect.DeepEqual(e.Data, other.Data)
}

func (e Event) String() string {
	if !e.HasPayload() {
		return e.Name
	}
	return fmt.Sprintf("%s %s", e.Name, e.Raw)
}

// A MalformedPayloadError reports a payload that is not well-formed JSON.
// Offset is the byte position within the sub-negotiation payload where
// decoding failed.
type MalformedPayloadError struct {
	Name   string
	Offset int64
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("gmcp: malformed payload for %q at offset %d: %v", e.Name, e.Offset, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Decode parses one sub-negotiation payload into an Event. It fails with
// a *MalformedPayloadError when the name is missing or the payload is not
// a single well-formed JSON value; the caller drops the message and keeps
// the session alive.
func Decode(payload []byte) (Event, error) {
	payload = bytes.TrimLeft(payload, " ")
	if len(payload) == 0 {
		return Event{}, &MalformedPayloadError{Offset: 0, Err: fmt.Errorf("empty message")}
	}

	name := payload
	var raw []byte
	if i := bytes.IndexByte(payload, ' '); i >= 0 {
		name = payload[:i]
		raw = bytes.TrimSpace(payload[i+1:])
	}
	if !validName(name) {
		return Event{}, &MalformedPayloadError{Offset: 0, Err: fmt.Errorf("invalid message name %q", name)}
	}

	ev := Event{Name: string(name)}
	if len(raw) == 0 {
		return ev, nil
	}

	nameLen := int64(len(payload) - len(raw))
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return Event{}, &MalformedPayloadError{
			Name:   ev.Name,
			Offset: nameLen + payloadErrOffset(err, dec),
			Err:    err,
		}
	}
	// Trailing garbage after the JSON value is as malformed as a broken
	// value.
	var extra any
	if err := dec.Decode(&extra); err == nil || dec.InputOffset() != int64(len(raw)) {
		return Event{}, &MalformedPayloadError{
			Name:   ev.Name,
			Offset: nameLen + dec.InputOffset(),
			Err:    fmt.Errorf("trailing data after payload"),
		}
	}

	ev.Data = data
	ev.Raw = append([]byte(nil), raw...)
	return ev, nil
}

// Encode serializes an event into a sub-negotiation payload. It is the
// inverse of Decode for events the relay constructs itself: the raw bytes
// are reused when present, otherwise the decoded value is marshalled.
func Encode(ev Event) []byte {
	if ev.Raw != nil {
		out := make([]byte, 0, len(ev.Name)+1+len(ev.Raw))
		out = append(out, ev.Name...)
		out = append(out, ' ')
		return append(out, ev.Raw...)
	}
	if ev.Data == nil {
		return []byte(ev.Name)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		// Data came from json.Unmarshal or literal values; marshalling it
		// back cannot fail for those shapes.
		return []byte(ev.Name)
	}
	out := make([]byte, 0, len(ev.Name)+1+len(data))
	out = append(out, ev.Name...)
	out = append(out, ' ')
	return append(out, data...)
}

// New builds an event from a name and a payload value, going through the
// wire form so that Decode(Encode(ev)) reproduces it exactly.
func New(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("gmcp: marshal payload for %s: %w", name, err)
	}
	return Decode(append(append([]byte(name), ' '), raw...))
}

// validName accepts dotted identifiers: letters, digits, '_' and '-'
// separated by single dots.
func validName(name []byte) bool {
	if len(name) == 0 || name[0] == '.' || name[len(name)-1] == '.' {
		return false
	}
	prevDot := false
	for _, c := range name {
		switch {
		case c == '.':
			if prevDot {
				return false
			}
			prevDot = true
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '_', c == '-':
			prevDot = false
		default:
			return false
		}
	}
	return true
}

// Package returns the first name segment, e.g. "Room" for "Room.Info".
// Metrics label event counts by package to keep cardinality bounded.
func (e Event) Package() string {
	for i := 0; i < len(e.Name); i++ {
		if e.Name[i] == '.' {
			return e.Name[:i]
		}
	}
	return e.Name
}

func payloadErrOffset(err error, dec *json.Decoder) int64 {
	if syn, ok := err.(*json.SyntaxError); ok {
		return syn.Offset
	}
	return dec.InputOffset()
}
