// Package probe sends ICMP echo requests and measures round-trip times. It
// backs "echotun ping", which checks a responder end to end through the
// routes netconf installs.
package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// icmpv4ProtocolNumber is the IANA protocol number for ICMP.
const icmpv4ProtocolNumber = 1

// Defaults for Options.
const (
	DefaultInterval = time.Second
	DefaultTimeout  = 2 * time.Second
	DefaultSize     = 56
	minSize         = 8
)

var (
	ErrTimeout         = errors.New("probe: timeout waiting for echo reply")
	ErrPayloadMismatch = errors.New("probe: echo reply payload differs from request")
)

// Listen opens an ICMP socket. Unprivileged sockets use the "udp4" network,
// which Linux allows when net.ipv4.ping_group_range covers the caller's
// group; the kernel then owns the echo identifier. Privileged sockets need
// CAP_NET_RAW.
func Listen(privileged bool) (*icmp.PacketConn, error) {
	network := "udp4"
	if privileged {
		network = "ip4:icmp"
	}
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("create ICMP socket: %w", err)
	}
	return conn, nil
}

// Resolve turns host into an IPv4 address.
func Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Unmap().Is4() {
			return netip.Addr{}, fmt.Errorf("probe: %s is not an IPv4 address", host)
		}
		return addr.Unmap(), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no IPv4 address", host)
	}
	return addrs[0].Unmap(), nil
}

// Options controls a ping run.
type Options struct {
	// Count is the number of requests to send. Zero sends until the
	// context is cancelled.
	Count int

	Interval time.Duration
	Timeout  time.Duration

	// Size is the echo payload length in bytes, at least 8.
	Size int

	// OnReply and OnTimeout are called as each request completes.
	OnReply   func(Reply)
	OnTimeout func(seq uint16)
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Size < minSize {
		o.Size = minSize
	}
}

// Reply is one answered request.
type Reply struct {
	Seq  uint16
	Size int
	RTT  time.Duration
	From netip.Addr
}

// Result summarises a ping run.
type Result struct {
	Target   netip.Addr
	Sent     int
	Received int
	Corrupt  int
	MinRTT   time.Duration
	MaxRTT   time.Duration
	totalRTT time.Duration
}

// AvgRTT returns the mean round-trip time of received replies.
func (r *Result) AvgRTT() time.Duration {
	if r.Received == 0 {
		return 0
	}
	return r.totalRTT / time.Duration(r.Received)
}

// Loss returns the fraction of requests that got no valid reply.
func (r *Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

func (r *Result) record(rtt time.Duration) {
	if r.Received == 0 || rtt < r.MinRTT {
		r.MinRTT = rtt
	}
	if rtt > r.MaxRTT {
		r.MaxRTT = rtt
	}
	r.Received++
	r.totalRTT += rtt
}

// Pinger sends echo requests over a packet connection.
type Pinger struct {
	conn       net.PacketConn
	target     netip.Addr
	dst        net.Addr
	privileged bool
	id         uint16
}

// New returns a Pinger for target. privileged must match how conn was
// opened (see Listen): it selects the destination address type and
// whether reply identifiers are checked.
func New(conn net.PacketConn, target netip.Addr, privileged bool) *Pinger {
	p := &Pinger{
		conn:       conn,
		target:     target,
		privileged: privileged,
		id:         uint16(os.Getpid()) ^ uint16(rand.N(1<<16)),
	}
	if privileged {
		p.dst = &net.IPAddr{IP: target.AsSlice()}
	} else {
		p.dst = &net.UDPAddr{IP: target.AsSlice()}
	}
	return p
}

// Run sends requests until opts.Count is reached or ctx is cancelled and
// returns the summary. Cancellation is not an error.
func (p *Pinger) Run(ctx context.Context, opts Options) (*Result, error) {
	opts.setDefaults()
	res := &Result{Target: p.target}

	// Unblock a pending read as soon as ctx ends.
	stop := context.AfterFunc(ctx, func() { p.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 1500+opts.Size)
	for seq := uint16(1); opts.Count == 0 || res.Sent < opts.Count; seq++ {
		if ctx.Err() != nil {
			return res, nil
		}
		started := time.Now()

		reply, err := p.exchange(ctx, seq, opts, buf)
		res.Sent++
		switch {
		case err == nil:
			res.record(reply.RTT)
			if opts.OnReply != nil {
				opts.OnReply(reply)
			}
		case errors.Is(err, ErrPayloadMismatch):
			res.Corrupt++
		case errors.Is(err, ErrTimeout):
			if ctx.Err() != nil {
				res.Sent--
				return res, nil
			}
			if opts.OnTimeout != nil {
				opts.OnTimeout(seq)
			}
		default:
			return res, err
		}

		if opts.Count != 0 && res.Sent >= opts.Count {
			break
		}
		wait := opts.Interval - time.Since(started)
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return res, nil
			case <-t.C:
			}
		}
	}
	return res, nil
}

// exchange sends one request and waits for its reply.
func (p *Pinger) exchange(ctx context.Context, seq uint16, opts Options, buf []byte) (Reply, error) {
	payload := makePayload(opts.Size, seq)
	msg, err := marshalEcho(p.id, seq, payload)
	if err != nil {
		return Reply{}, err
	}

	sent := time.Now()
	deadline := sent.Add(opts.Timeout)
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return Reply{}, fmt.Errorf("set read deadline: %w", err)
	}
	if ctx.Err() != nil {
		return Reply{}, ErrTimeout
	}
	if _, err := p.conn.WriteTo(msg, p.dst); err != nil {
		return Reply{}, fmt.Errorf("send ICMP: %w", err)
	}

	for {
		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Reply{}, ErrTimeout
			}
			return Reply{}, fmt.Errorf("read ICMP: %w", err)
		}
		rtt := time.Since(sent)

		id, rseq, data, err := parseEchoReply(buf[:n])
		if err != nil || rseq != seq {
			// Not ours: other ICMP traffic, or a late reply.
			continue
		}
		// The kernel rewrites the identifier on unprivileged sockets.
		if p.privileged && id != p.id {
			continue
		}
		if !bytes.Equal(data, payload) {
			return Reply{}, ErrPayloadMismatch
		}

		return Reply{
			Seq:  rseq,
			Size: len(data),
			RTT:  rtt,
			From: addrOf(peer),
		}, nil
	}
}

// makePayload fills size bytes: the sequence number twice, then a
// repeating byte pattern.
func makePayload(size int, seq uint16) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[0:2], seq)
	binary.BigEndian.PutUint16(b[2:4], ^seq)
	for i := 4; i < size; i++ {
		b[i] = byte(i)
	}
	return b
}

func marshalEcho(id, seq uint16, payload []byte) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: payload,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal ICMP message: %w", err)
	}
	return b, nil
}

func parseEchoReply(b []byte) (id, seq uint16, data []byte, err error) {
	msg, err := icmp.ParseMessage(icmpv4ProtocolNumber, b)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("parse ICMP: %w", err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		return 0, 0, nil, fmt.Errorf("unexpected ICMP type: %v", msg.Type)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return 0, 0, nil, errors.New("invalid echo body")
	}
	return uint16(echo.ID), uint16(echo.Seq), echo.Data, nil
}

func addrOf(a net.Addr) netip.Addr {
	var ip net.IP
	switch addr := a.(type) {
	case *net.UDPAddr:
		ip = addr.IP
	case *net.IPAddr:
		ip = addr.IP
	}
	out, _ := netip.AddrFromSlice(ip)
	return out.Unmap()
}
