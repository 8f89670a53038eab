// Package checksum implements the Internet checksum used by IPv4 and ICMP headers.
package checksum

import "encoding/binary"

// Sum computes the Internet checksum of b, as specified in
// https://tools.ietf.org/html/rfc1071
//
// The checksum field inside b must already be zero; Sum does not clear it.
// An empty slice yields 0xFFFF.
func Sum(b []byte) uint16 {
	var ac uint32
	i := 0
	n := len(b)
	for n >= 2 {
		ac += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		n -= 2
		i += 2
	}
	if n == 1 {
		ac += uint32(b[i]) << 8
	}
	for (ac >> 16) > 0 {
		ac = (ac >> 16) + (ac & 0xffff)
	}
	return uint16(^ac)
}

// Valid reports whether b, including its stored checksum field, sums to zero.
func Valid(b []byte) bool {
	return Sum(b) == 0
}
