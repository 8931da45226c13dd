package telnet

// AppendEscaped appends p to dst with IAC bytes doubled, the inverse of
// what the decoder does to data runs and sub-negotiation payloads.
func AppendEscaped(dst, p []byte) []byte {
	for _, c := range p {
		if c == IAC {
			dst = append(dst, IAC)
		}
		dst = append(dst, c)
	}
	return dst
}

// Subnegotiation frames a payload as IAC SB opt ... IAC SE, escaping IAC
// bytes inside the payload.
func Subnegotiation(opt byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+5)
	out = append(out, IAC, SB, opt)
	out = AppendEscaped(out, payload)
	return append(out, IAC, SE)
}

// Command returns a two-byte command sequence.
func Command(cmd byte) []byte {
	return []byte{IAC, cmd}
}
