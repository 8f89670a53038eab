// Package echo answers ICMP echo requests in place.
//
// A Rewriter looks at one raw IPv4 datagram at a time and decides whether it
// is passed back to the interface untouched, answered with a freshly built
// echo reply, or dropped. It never modifies the buffer it is given.
package echo

import (
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/postalsys/echotun/internal/packet"
)

// Verdict is the outcome of inspecting a packet.
type Verdict int

const (
	// Pass writes the packet back unchanged.
	Pass Verdict = iota
	// Reply writes a synthesized echo reply instead of the packet.
	Reply
	// Drop writes nothing.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Reply:
		return "reply"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

var (
	// ErrMalformed marks packets whose headers are inconsistent with the
	// bytes actually received.
	ErrMalformed = errors.New("echo: malformed packet")

	// ErrBadChecksum marks echo requests whose IPv4 or ICMP checksum does
	// not verify.
	ErrBadChecksum = errors.New("echo: bad checksum")

	// ErrRateLimited marks echo requests refused by the reply rate limit.
	ErrRateLimited = errors.New("echo: reply rate limited")
)

// Reason maps a drop error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}

// idMask is applied to the identification field of every reply.
const idMask = 0xF8FF

// Config controls request validation and reply pacing.
type Config struct {
	// VerifyChecksums drops echo requests whose checksums do not verify.
	VerifyChecksums bool

	// RateLimit caps replies per second. Zero disables the limit.
	RateLimit float64

	// RateBurst is the token bucket size when RateLimit is set.
	RateBurst int
}

// DefaultConfig returns checksum verification on and no rate limit.
func DefaultConfig() Config {
	return Config{
		VerifyChecksums: true,
		RateBurst:       16,
	}
}

// Rewriter inspects packets and builds echo replies. It is safe for use by
// one goroutine at a time; the rate limiter itself is concurrency safe.
type Rewriter struct {
	cfg     Config
	limiter *rate.Limiter
}

// New returns a Rewriter for cfg.
func New(cfg Config) *Rewriter {
	r := &Rewriter{cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return r
}

// Inspect classifies ip. A Drop verdict always comes with an error
// explaining why.
func (r *Rewriter) Inspect(ip packet.IPv4) (Verdict, error) {
	if ip.Version() != 4 {
		return Pass, nil
	}
	if err := ip.Validate(); err != nil {
		return Drop, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if ip.Protocol() != packet.ProtocolICMP || ip.IsFragment() {
		return Pass, nil
	}

	seg, err := ip.Datagram()
	if err != nil {
		return Drop, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	msg, err := packet.ParseICMP(seg)
	if err != nil {
		return Drop, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.Type() != packet.ICMPEchoRequest {
		return Pass, nil
	}

	if r.cfg.VerifyChecksums {
		if !ip.HeaderValid() {
			return Drop, fmt.Errorf("%w: ipv4 header %#04x", ErrBadChecksum, ip.Checksum())
		}
		if !msg.Valid() {
			return Drop, fmt.Errorf("%w: icmp %#04x", ErrBadChecksum, msg.Checksum())
		}
	}
	return Reply, nil
}

// BuildReply returns a new buffer holding the echo reply to the request in
// ip. The reply carries a bare 20-byte IPv4 header; options in the request
// are not echoed. The caller must have received Reply from Inspect.
func BuildReply(ip packet.IPv4) ([]byte, error) {
	seg, err := ip.Datagram()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	req, err := packet.ParseICMP(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	// Sized from the ICMP segment, not total_length: the two only differ
	// when the request carries options, which the reply leaves out.
	out := make([]byte, packet.IPv4MinLen+len(seg))
	copy(out, ip.Bytes()[:packet.IPv4MinLen])

	hdr, err := packet.ParseMutIPv4(out)
	if err != nil {
		return nil, err
	}
	hdr.SetHeaderLen(5)
	hdr.SetTotalLen(uint16(len(out)))
	hdr.SetSrc(ip.Dst())
	hdr.SetDst(ip.Src())
	hdr.SetID(ip.ID() & idMask)

	msg, err := packet.ParseMutICMP(out[packet.IPv4MinLen:])
	if err != nil {
		return nil, err
	}
	msg.SetType(packet.ICMPEchoReply)
	msg.SetCode(0)
	if err := msg.SetRest(req.Rest()); err != nil {
		return nil, err
	}
	msg.UpdateChecksum()

	if err := hdr.UpdateChecksum(); err != nil {
		return nil, err
	}
	return out, nil
}

// Process runs the full decision for one raw packet. Pass returns b itself,
// Reply returns a new buffer, and Drop returns nil with the reason.
func (r *Rewriter) Process(b []byte) (Verdict, []byte, error) {
	ip, err := packet.ParseIPv4(b)
	if err != nil {
		return Drop, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	v, err := r.Inspect(ip)
	switch v {
	case Pass:
		return Pass, b, nil
	case Drop:
		return Drop, nil, err
	}

	if r.limiter != nil && !r.limiter.Allow() {
		return Drop, nil, ErrRateLimited
	}

	reply, err := BuildReply(ip)
	if err != nil {
		return Drop, nil, err
	}
	return Reply, reply, nil
}
