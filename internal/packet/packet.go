// Package packet provides zero-copy typed views over raw IPv4 and ICMP bytes.
//
// A view is a thin wrapper around a caller-owned byte slice. Parsing never
// allocates or copies; getters decode fixed-offset, big-endian fields and
// setters on the mutable views write them back in place.
//
// # Ownership
//
// A mutable view (MutIPv4, MutICMP) must be the only view in use over its
// buffer while it is being written to. Once mutation is finished, call
// AsImmutable and share the read-only view instead. Nothing here enforces
// this at runtime; the dispatch loop guarantees it by handing each buffer to
// exactly one goroutine at a time.
package packet

import (
	"errors"
)

// Protocol numbers used by this package.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

var (
	// ErrTooShort is returned when a buffer is smaller than the minimum
	// length of the header being parsed.
	ErrTooShort = errors.New("packet: buffer shorter than header")

	// ErrBadHeaderLen is returned when the IPv4 header length field points
	// outside the buffer or below the 20-byte minimum.
	ErrBadHeaderLen = errors.New("packet: invalid header length")

	// ErrBadTotalLen is returned when the IPv4 total length field is
	// inconsistent with the header length or the buffer.
	ErrBadTotalLen = errors.New("packet: invalid total length")

	// ErrPayloadSize is returned by SetPayload when the source and
	// destination lengths differ.
	ErrPayloadSize = errors.New("packet: payload size mismatch")
)
