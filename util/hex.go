package util

import "encoding/hex"

// HexEncode renders data as two lowercase hex digits per byte with no
// separator.  Empty input yields "".
func HexEncode(data []byte) string {
	return hex.EncodeToString(data)
}

// PrintableText renders data for a log line, replacing bytes that
// would break a single-line record.
func PrintableText(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		switch {
		case b == '\t', b >= 0x20 && b < 0x7f:
			out[i] = b
		default:
			out[i] = '.'
		}
	}
	return string(out)
}
