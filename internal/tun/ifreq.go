package tun

import (
	"encoding/binary"
	"fmt"
)

// Kernel ABI constants for the tun driver and interface ioctls.
const (
	ifNameSize = 16 // IFNAMSIZ, terminating NUL included
	ifreqSize  = 40 // sizeof(struct ifreq) on 64-bit Linux

	iffTun     = 0x0001
	iffNoPI    = 0x1000
	tunSetIff  = 0x400454ca
	siocGIfMTU = 0x8921
)

// ifreq is the byte image of struct ifreq: a NUL-padded interface name
// followed by a union, of which only the 16-bit flags and the 32-bit MTU
// members are used here. Fields are host byte order.
type ifreq [ifreqSize]byte

func newIfreq(name string) (*ifreq, error) {
	if len(name) >= ifNameSize {
		return nil, fmt.Errorf("interface name %q (%d bytes): %w", name, len(name), ErrNameTooLong)
	}
	var r ifreq
	copy(r[:ifNameSize], name)
	return &r, nil
}

// name returns the interface name up to the first NUL.
func (r *ifreq) name() string {
	for i := 0; i < ifNameSize; i++ {
		if r[i] == 0 {
			return string(r[:i])
		}
	}
	return string(r[:ifNameSize])
}

func (r *ifreq) setFlags(f uint16) {
	binary.NativeEndian.PutUint16(r[ifNameSize:], f)
}

func (r *ifreq) flags() uint16 {
	return binary.NativeEndian.Uint16(r[ifNameSize:])
}

func (r *ifreq) mtu() int {
	return int(int32(binary.NativeEndian.Uint32(r[ifNameSize:])))
}
