// Package loadtest drives an echo responder with a stream of echo requests
// and measures how many replies come back and how fast.
package loadtest

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/echotun/internal/checksum"
	"github.com/postalsys/echotun/internal/packet"
)

// PacketConn moves one whole IPv4 packet per call, like the peer side of a
// tun device.
type PacketConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// EchoMetrics contains metrics from an echo load run.
type EchoMetrics struct {
	Sent             int64
	Received         int64
	Invalid          int64
	SendErrors       int64
	AvgLatency       time.Duration
	MaxLatency       time.Duration
	MinLatency       time.Duration
	Duration         time.Duration
	PacketsPerSecond float64
}

// Lost returns requests that never got a matching reply.
func (m *EchoMetrics) Lost() int64 {
	return m.Sent - m.Received
}

// EchoLoadGenerator keeps up to window requests in flight against a
// responder for a fixed duration or request count.
type EchoLoadGenerator struct {
	window      int
	count       int
	duration    time.Duration
	payloadSize int
	src, dst    netip.Addr

	// ReplyWait bounds how long Run waits for outstanding replies once
	// sending stops.
	ReplyWait time.Duration

	metrics EchoMetrics
	mu      sync.Mutex
	sent    map[uint16]time.Time
	total   time.Duration
}

// NewEchoLoadGenerator creates a generator. count limits the number of
// requests (0 = until duration elapses); duration 0 means no time limit.
func NewEchoLoadGenerator(window, count, payloadSize int, duration time.Duration) *EchoLoadGenerator {
	if window < 1 {
		window = 1
	}
	return &EchoLoadGenerator{
		window:      window,
		count:       count,
		duration:    duration,
		payloadSize: payloadSize,
		src:         netip.AddrFrom4([4]byte{10, 0, 0, 2}),
		dst:         netip.AddrFrom4([4]byte{10, 0, 0, 1}),
		ReplyWait:   time.Second,
		metrics: EchoMetrics{
			MinLatency: time.Duration(math.MaxInt64),
		},
		sent: make(map[uint16]time.Time),
	}
}

// Run sends requests over conn and collects replies until every request
// is answered or ReplyWait passes after the last send. The reader
// goroutine may still be blocked in conn.Read when Run returns; closing
// conn releases it.
func (g *EchoLoadGenerator) Run(ctx context.Context, conn PacketConn) (*EchoMetrics, error) {
	if g.count == 0 && g.duration == 0 {
		return nil, errors.New("loadtest: need a request count or a duration")
	}
	if g.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.duration)
		defer cancel()
	}

	slots := make(chan struct{}, g.window)
	readerDone := make(chan struct{})
	var outstanding atomic.Int64

	go func() {
		defer close(readerDone)
		buf := make([]byte, 65535)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if g.record(buf[:n]) {
				outstanding.Add(-1)
				select {
				case <-slots:
				default:
				}
			}
		}
	}()

	startTime := time.Now()
	payload := make([]byte, g.payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var sent int
send:
	for seq := uint16(1); g.count == 0 || sent < g.count; seq++ {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break send
		case <-readerDone:
			break send
		}

		req := g.request(seq, payload)
		g.mu.Lock()
		g.sent[seq] = time.Now()
		g.metrics.Sent++
		g.mu.Unlock()
		outstanding.Add(1)
		sent++

		if _, err := conn.Write(req); err != nil {
			g.mu.Lock()
			g.metrics.SendErrors++
			delete(g.sent, seq)
			g.mu.Unlock()
			outstanding.Add(-1)
			<-slots
		}
	}
	sendDone := time.Now()

	g.awaitReplies(&outstanding, readerDone)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics.Duration = sendDone.Sub(startTime)
	if g.metrics.Duration > 0 {
		g.metrics.PacketsPerSecond = float64(g.metrics.Received) / g.metrics.Duration.Seconds()
	}
	if g.metrics.Received > 0 {
		g.metrics.AvgLatency = g.total / time.Duration(g.metrics.Received)
	} else {
		g.metrics.MinLatency = 0
	}
	m := g.metrics
	return &m, nil
}

func (g *EchoLoadGenerator) awaitReplies(outstanding *atomic.Int64, readerDone <-chan struct{}) {
	deadline := time.NewTimer(g.ReplyWait)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for outstanding.Load() > 0 {
		select {
		case <-readerDone:
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// record accounts for one packet read from the responder and reports
// whether it answered an outstanding request.
func (g *EchoLoadGenerator) record(b []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq, ok := g.parseReply(b)
	if !ok {
		g.metrics.Invalid++
		return false
	}
	sentAt, ok := g.sent[seq]
	if !ok {
		g.metrics.Invalid++
		return false
	}
	delete(g.sent, seq)

	latency := time.Since(sentAt)
	g.metrics.Received++
	g.total += latency
	if latency > g.metrics.MaxLatency {
		g.metrics.MaxLatency = latency
	}
	if latency < g.metrics.MinLatency {
		g.metrics.MinLatency = latency
	}
	return true
}

// parseReply returns the sequence number of a well-formed echo reply
// from dst to src.
func (g *EchoLoadGenerator) parseReply(b []byte) (uint16, bool) {
	ip, err := packet.ParseIPv4(b)
	if err != nil || !ip.HeaderValid() || ip.Src() != g.dst || ip.Dst() != g.src {
		return 0, false
	}
	seg, err := ip.Datagram()
	if err != nil {
		return 0, false
	}
	msg, err := packet.ParseICMP(seg)
	if err != nil || msg.Type() != packet.ICMPEchoReply || !msg.Valid() {
		return 0, false
	}
	return msg.Seq(), true
}

// request builds an IPv4 echo request from src to dst.
func (g *EchoLoadGenerator) request(seq uint16, payload []byte) []byte {
	b := make([]byte, packet.IPv4MinLen+packet.ICMPMinLen+len(payload))

	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	binary.BigEndian.PutUint16(b[4:6], seq)
	b[8] = 64
	b[9] = packet.ProtocolICMP
	src, dst := g.src.As4(), g.dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], checksum.Sum(b[:packet.IPv4MinLen]))

	icmp := b[packet.IPv4MinLen:]
	icmp[0] = byte(packet.ICMPEchoRequest)
	binary.BigEndian.PutUint16(icmp[4:6], 0x4554)
	binary.BigEndian.PutUint16(icmp[6:8], seq)
	copy(icmp[packet.ICMPMinLen:], payload)
	binary.BigEndian.PutUint16(icmp[2:4], checksum.Sum(icmp))

	return b
}
