package packet

import (
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Describe decodes b with gopacket and returns a human-readable dump of every
// layer it understands. It is meant for packet trace logging only and copies
// nothing; the result must not be retained past the lifetime of b.
func Describe(b []byte) string {
	if len(b) == 0 {
		return "empty packet"
	}

	first := gopacket.Decoder(layers.LayerTypeIPv4)
	if b[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}

	pkt := gopacket.NewPacket(b, first, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	return strings.TrimSpace(pkt.String())
}
