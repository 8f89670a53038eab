package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/postalsys/echotun/internal/checksum"
)

// IPv4MinLen is the length of an IPv4 header with no options.
const IPv4MinLen = 20

// IPv4 header field offsets.
const (
	ipv4VerIHL    = 0
	ipv4TOS       = 1
	ipv4TotalLen  = 2
	ipv4ID        = 4
	ipv4FlagsFrag = 6
	ipv4TTL       = 8
	ipv4Protocol  = 9
	ipv4Checksum  = 10
	ipv4Src       = 12
	ipv4Dst       = 16
)

// IPv4 flag and fragment offset masks within the 16-bit flags/fragment field.
const (
	IPv4MoreFragments  = 0x2000
	IPv4DontFragment   = 0x4000
	IPv4FragOffsetMask = 0x1fff
)

// IPv4 is a read-only view of an IPv4 packet.
type IPv4 struct {
	b []byte
}

// ParseIPv4 returns a view over b. It fails only when b is shorter than
// IPv4MinLen; field-level consistency is checked by Validate.
func ParseIPv4(b []byte) (IPv4, error) {
	if len(b) < IPv4MinLen {
		return IPv4{}, fmt.Errorf("ipv4: %d bytes: %w", len(b), ErrTooShort)
	}
	return IPv4{b: b}, nil
}

// Bytes returns the whole underlying buffer.
func (p IPv4) Bytes() []byte { return p.b }

// Version returns the IP version nibble.
func (p IPv4) Version() uint8 { return p.b[ipv4VerIHL] >> 4 }

// HeaderLen returns the IHL field, counted in 32-bit words.
func (p IPv4) HeaderLen() uint8 { return p.b[ipv4VerIHL] & 0x0f }

// HeaderBytes returns the header length in bytes.
func (p IPv4) HeaderBytes() int { return int(p.HeaderLen()) * 4 }

func (p IPv4) TOS() uint8 { return p.b[ipv4TOS] }

func (p IPv4) TotalLen() uint16 { return binary.BigEndian.Uint16(p.b[ipv4TotalLen:]) }

func (p IPv4) ID() uint16 { return binary.BigEndian.Uint16(p.b[ipv4ID:]) }

// FlagsFragment returns the raw flags and fragment offset field.
func (p IPv4) FlagsFragment() uint16 { return binary.BigEndian.Uint16(p.b[ipv4FlagsFrag:]) }

// IsFragment reports whether the packet is part of a fragmented datagram.
func (p IPv4) IsFragment() bool {
	ff := p.FlagsFragment()
	return ff&IPv4MoreFragments != 0 || ff&IPv4FragOffsetMask != 0
}

func (p IPv4) TTL() uint8 { return p.b[ipv4TTL] }

func (p IPv4) Protocol() uint8 { return p.b[ipv4Protocol] }

func (p IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(p.b[ipv4Checksum:]) }

func (p IPv4) Src() netip.Addr { return netip.AddrFrom4([4]byte(p.b[ipv4Src : ipv4Src+4])) }

func (p IPv4) Dst() netip.Addr { return netip.AddrFrom4([4]byte(p.b[ipv4Dst : ipv4Dst+4])) }

// Validate checks IHL >= 5 and IHL*4 <= total length <= len(buffer).
func (p IPv4) Validate() error {
	hl := p.HeaderBytes()
	if hl < IPv4MinLen || hl > len(p.b) {
		return fmt.Errorf("ipv4: ihl %d with %d bytes: %w", p.HeaderLen(), len(p.b), ErrBadHeaderLen)
	}
	tl := int(p.TotalLen())
	if tl < hl || tl > len(p.b) {
		return fmt.Errorf("ipv4: total length %d, header %d, buffer %d: %w", tl, hl, len(p.b), ErrBadTotalLen)
	}
	return nil
}

// Header returns the header bytes, options included.
func (p IPv4) Header() ([]byte, error) {
	hl := p.HeaderBytes()
	if hl < IPv4MinLen || hl > len(p.b) {
		return nil, fmt.Errorf("ipv4: ihl %d: %w", p.HeaderLen(), ErrBadHeaderLen)
	}
	return p.b[:hl], nil
}

// Payload returns everything after the header up to the end of the buffer.
// Use Datagram to exclude trailing bytes beyond the total length.
func (p IPv4) Payload() ([]byte, error) {
	hl := p.HeaderBytes()
	if hl < IPv4MinLen || hl > len(p.b) {
		return nil, fmt.Errorf("ipv4: ihl %d: %w", p.HeaderLen(), ErrBadHeaderLen)
	}
	return p.b[hl:], nil
}

// Datagram returns the payload bounded by the total length field.
func (p IPv4) Datagram() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p.b[p.HeaderBytes():p.TotalLen()], nil
}

// HeaderValid reports whether the stored header checksum is correct.
func (p IPv4) HeaderValid() bool {
	h, err := p.Header()
	if err != nil {
		return false
	}
	return checksum.Valid(h)
}

func (p IPv4) String() string {
	return fmt.Sprintf("IPv4{%v > %v proto=%d len=%d id=%#04x ttl=%d}",
		p.Src(), p.Dst(), p.Protocol(), p.TotalLen(), p.ID(), p.TTL())
}

// MutIPv4 is a writable view of an IPv4 packet.
type MutIPv4 struct {
	IPv4
}

// ParseMutIPv4 returns a writable view over b.
func ParseMutIPv4(b []byte) (MutIPv4, error) {
	p, err := ParseIPv4(b)
	if err != nil {
		return MutIPv4{}, err
	}
	return MutIPv4{p}, nil
}

// AsImmutable returns a read-only view of the same bytes.
func (p MutIPv4) AsImmutable() IPv4 { return p.IPv4 }

// SetVersion writes the version nibble, keeping the header length.
func (p MutIPv4) SetVersion(v uint8) {
	p.b[ipv4VerIHL] = (v&0x0f)<<4 | p.b[ipv4VerIHL]&0x0f
}

// SetHeaderLen writes the IHL nibble, keeping the version.
func (p MutIPv4) SetHeaderLen(words uint8) {
	p.b[ipv4VerIHL] = p.b[ipv4VerIHL]&0xf0 | words&0x0f
}

func (p MutIPv4) SetTOS(v uint8) { p.b[ipv4TOS] = v }

func (p MutIPv4) SetTotalLen(n uint16) { binary.BigEndian.PutUint16(p.b[ipv4TotalLen:], n) }

func (p MutIPv4) SetID(id uint16) { binary.BigEndian.PutUint16(p.b[ipv4ID:], id) }

func (p MutIPv4) SetFlagsFragment(v uint16) { binary.BigEndian.PutUint16(p.b[ipv4FlagsFrag:], v) }

func (p MutIPv4) SetTTL(v uint8) { p.b[ipv4TTL] = v }

func (p MutIPv4) SetProtocol(v uint8) { p.b[ipv4Protocol] = v }

func (p MutIPv4) SetChecksum(v uint16) { binary.BigEndian.PutUint16(p.b[ipv4Checksum:], v) }

// SetSrc writes the source address. Non-IPv4 addresses are unmapped first;
// an address that is still not IPv4 panics, as with netip.Addr.As4.
func (p MutIPv4) SetSrc(a netip.Addr) {
	a4 := a.Unmap().As4()
	copy(p.b[ipv4Src:ipv4Src+4], a4[:])
}

// SetDst writes the destination address.
func (p MutIPv4) SetDst(a netip.Addr) {
	a4 := a.Unmap().As4()
	copy(p.b[ipv4Dst:ipv4Dst+4], a4[:])
}

// SetPayload copies src over the bytes following the header. The lengths
// must match exactly.
func (p MutIPv4) SetPayload(src []byte) error {
	dst, err := p.Payload()
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("ipv4: payload %d bytes, source %d: %w", len(dst), len(src), ErrPayloadSize)
	}
	copy(dst, src)
	return nil
}

// UpdateChecksum zeroes the checksum field and stores the checksum of the header.
func (p MutIPv4) UpdateChecksum() error {
	h, err := p.Header()
	if err != nil {
		return err
	}
	p.SetChecksum(0)
	p.SetChecksum(checksum.Sum(h))
	return nil
}
