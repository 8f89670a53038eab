package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/postalsys/echotun/internal/checksum"
)

// ICMPMinLen is the size of an ICMP echo header: type, code, checksum,
// identifier and sequence number.
const ICMPMinLen = 8

// ICMP header field offsets.
const (
	icmpType     = 0
	icmpCode     = 1
	icmpChecksum = 2
	icmpID       = 4
	icmpSeq      = 6
	icmpRest     = 4
)

// ICMPType is an ICMPv4 type, as specified in
// https://www.iana.org/assignments/icmp-parameters/icmp-parameters.xhtml
type ICMPType uint8

const (
	ICMPEchoReply    ICMPType = 0x00
	ICMPUnreachable  ICMPType = 0x03
	ICMPRedirect     ICMPType = 0x05
	ICMPEchoRequest  ICMPType = 0x08
	ICMPTimeExceeded ICMPType = 0x0b
	ICMPParamProblem ICMPType = 0x0c
)

func (t ICMPType) String() string {
	switch t {
	case ICMPEchoReply:
		return "EchoReply"
	case ICMPUnreachable:
		return "Unreachable"
	case ICMPRedirect:
		return "Redirect"
	case ICMPEchoRequest:
		return "EchoRequest"
	case ICMPTimeExceeded:
		return "TimeExceeded"
	case ICMPParamProblem:
		return "ParamProblem"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ICMP is a read-only view of an ICMP message.
type ICMP struct {
	b []byte
}

// ParseICMP returns a view over b, which must hold at least ICMPMinLen bytes.
func ParseICMP(b []byte) (ICMP, error) {
	if len(b) < ICMPMinLen {
		return ICMP{}, fmt.Errorf("icmp: %d bytes: %w", len(b), ErrTooShort)
	}
	return ICMP{b: b}, nil
}

// Bytes returns the whole ICMP message.
func (m ICMP) Bytes() []byte { return m.b }

func (m ICMP) Type() ICMPType { return ICMPType(m.b[icmpType]) }

func (m ICMP) Code() uint8 { return m.b[icmpCode] }

func (m ICMP) Checksum() uint16 { return binary.BigEndian.Uint16(m.b[icmpChecksum:]) }

func (m ICMP) ID() uint16 { return binary.BigEndian.Uint16(m.b[icmpID:]) }

func (m ICMP) Seq() uint16 { return binary.BigEndian.Uint16(m.b[icmpSeq:]) }

// Rest returns everything after type, code and checksum: the identifier,
// sequence number and data for echo messages.
func (m ICMP) Rest() []byte { return m.b[icmpRest:] }

// Payload returns the opaque data following the 8-byte header.
func (m ICMP) Payload() []byte { return m.b[ICMPMinLen:] }

// Valid reports whether the stored checksum covers the whole message.
func (m ICMP) Valid() bool { return checksum.Valid(m.b) }

func (m ICMP) String() string {
	return fmt.Sprintf("ICMP{%v code=%d id=%#04x seq=%d len=%d}",
		m.Type(), m.Code(), m.ID(), m.Seq(), len(m.b))
}

// MutICMP is a writable view of an ICMP message.
type MutICMP struct {
	ICMP
}

// ParseMutICMP returns a writable view over b.
func ParseMutICMP(b []byte) (MutICMP, error) {
	m, err := ParseICMP(b)
	if err != nil {
		return MutICMP{}, err
	}
	return MutICMP{m}, nil
}

// AsImmutable returns a read-only view of the same bytes.
func (m MutICMP) AsImmutable() ICMP { return m.ICMP }

func (m MutICMP) SetType(t ICMPType) { m.b[icmpType] = uint8(t) }

func (m MutICMP) SetCode(c uint8) { m.b[icmpCode] = c }

func (m MutICMP) SetChecksum(v uint16) { binary.BigEndian.PutUint16(m.b[icmpChecksum:], v) }

func (m MutICMP) SetID(id uint16) { binary.BigEndian.PutUint16(m.b[icmpID:], id) }

func (m MutICMP) SetSeq(seq uint16) { binary.BigEndian.PutUint16(m.b[icmpSeq:], seq) }

// SetRest copies src over the bytes following the checksum. The lengths
// must match exactly.
func (m MutICMP) SetRest(src []byte) error {
	dst := m.b[icmpRest:]
	if len(dst) != len(src) {
		return fmt.Errorf("icmp: rest %d bytes, source %d: %w", len(dst), len(src), ErrPayloadSize)
	}
	copy(dst, src)
	return nil
}

// SetPayload copies src over the data following the 8-byte header. The
// lengths must match exactly.
func (m MutICMP) SetPayload(src []byte) error {
	dst := m.b[ICMPMinLen:]
	if len(dst) != len(src) {
		return fmt.Errorf("icmp: payload %d bytes, source %d: %w", len(dst), len(src), ErrPayloadSize)
	}
	copy(dst, src)
	return nil
}

// UpdateChecksum zeroes the checksum field and stores the checksum of the
// whole message.
func (m MutICMP) UpdateChecksum() {
	m.SetChecksum(0)
	m.SetChecksum(checksum.Sum(m.b))
}
