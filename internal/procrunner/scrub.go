package procrunner

// scrubBinary strips NUL bytes and control characters other than
// carriage return, line feed, and ESC (kept so terminal cursor/color
// sequences from a PTY stream survive), leaving printable text and
// common whitespace untouched.
func scrubBinary(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch {
		case c == '\r' || c == '\n' || c == '\t' || c == 0x1b:
			out = append(out, c)
		case c < 0x20 || c == 0x7f:
			continue
		default:
			out = append(out, c)
		}
	}
	return out
}
