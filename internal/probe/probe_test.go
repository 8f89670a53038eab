package probe

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// echoConn is an in-memory net.PacketConn that answers echo requests.
type echoConn struct {
	mu       sync.Mutex
	deadline time.Time
	changed  chan struct{}
	queue    chan []byte
	from     net.Addr

	// drop swallows requests with these sequence numbers.
	drop map[int]bool
	// mangle flips a payload byte in every reply.
	mangle bool
	// rewriteID replaces the identifier, as unprivileged sockets do.
	rewriteID int
	// noise is queued ahead of every reply.
	noise []byte
}

func newEchoConn() *echoConn {
	return &echoConn{
		changed:   make(chan struct{}),
		queue:     make(chan []byte, 16),
		from:      &net.UDPAddr{IP: net.IPv4(172, 32, 0, 1)},
		drop:      map[int]bool{},
		rewriteID: -1,
	}
}

func (c *echoConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	msg, err := icmp.ParseMessage(icmpv4ProtocolNumber, b)
	if err != nil {
		return 0, err
	}
	echo := msg.Body.(*icmp.Echo)
	if c.drop[echo.Seq] {
		return len(b), nil
	}

	data := append([]byte(nil), echo.Data...)
	if c.mangle {
		data[len(data)-1] ^= 0xFF
	}
	id := echo.ID
	if c.rewriteID >= 0 {
		id = c.rewriteID
	}
	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: id, Seq: echo.Seq, Data: data},
	}
	out, err := reply.Marshal(nil)
	if err != nil {
		return 0, err
	}
	if c.noise != nil {
		c.queue <- c.noise
	}
	c.queue <- out
	return len(b), nil
}

func (c *echoConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, changed := c.deadline, c.changed
		c.mu.Unlock()

		wait := time.Hour
		if !deadline.IsZero() {
			wait = time.Until(deadline)
		}
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(wait)
		select {
		case pkt := <-c.queue:
			t.Stop()
			return copy(b, pkt), c.from, nil
		case <-t.C:
			return 0, nil, os.ErrDeadlineExceeded
		case <-changed:
			t.Stop()
		}
	}
}

func (c *echoConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *echoConn) Close() error                     { return nil }
func (c *echoConn) LocalAddr() net.Addr              { return &net.UDPAddr{} }
func (c *echoConn) SetDeadline(t time.Time) error    { return c.SetReadDeadline(t) }
func (c *echoConn) SetWriteDeadline(time.Time) error { return nil }

var target = netip.MustParseAddr("172.32.0.1")

func TestPinger_Run(t *testing.T) {
	conn := newEchoConn()
	p := New(conn, target, false)

	var seqs []uint16
	res, err := p.Run(context.Background(), Options{
		Count:    3,
		Interval: time.Millisecond,
		Size:     32,
		OnReply:  func(r Reply) { seqs = append(seqs, r.Seq) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Sent != 3 || res.Received != 3 {
		t.Errorf("Sent/Received = %d/%d, want 3/3", res.Sent, res.Received)
	}
	if res.Loss() != 0 {
		t.Errorf("Loss() = %v, want 0", res.Loss())
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("reply seqs = %v, want [1 2 3]", seqs)
	}
	if res.MinRTT > res.MaxRTT || res.AvgRTT() < res.MinRTT || res.AvgRTT() > res.MaxRTT {
		t.Errorf("RTT min/avg/max = %v/%v/%v out of order", res.MinRTT, res.AvgRTT(), res.MaxRTT)
	}
}

func TestPinger_ReplyFields(t *testing.T) {
	conn := newEchoConn()
	p := New(conn, target, false)

	var got Reply
	_, err := p.Run(context.Background(), Options{
		Count:   1,
		Size:    100,
		OnReply: func(r Reply) { got = r },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Size != 100 {
		t.Errorf("Size = %d, want 100", got.Size)
	}
	if got.From != target {
		t.Errorf("From = %v, want %v", got.From, target)
	}
}

func TestPinger_Timeout(t *testing.T) {
	conn := newEchoConn()
	conn.drop[2] = true
	p := New(conn, target, false)

	var timedOut []uint16
	res, err := p.Run(context.Background(), Options{
		Count:     3,
		Interval:  time.Millisecond,
		Timeout:   20 * time.Millisecond,
		OnTimeout: func(seq uint16) { timedOut = append(timedOut, seq) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Sent != 3 || res.Received != 2 {
		t.Errorf("Sent/Received = %d/%d, want 3/2", res.Sent, res.Received)
	}
	if len(timedOut) != 1 || timedOut[0] != 2 {
		t.Errorf("timed out seqs = %v, want [2]", timedOut)
	}
	if loss := res.Loss(); loss < 0.33 || loss > 0.34 {
		t.Errorf("Loss() = %v, want 1/3", loss)
	}
}

func TestPinger_PayloadMismatch(t *testing.T) {
	conn := newEchoConn()
	conn.mangle = true
	p := New(conn, target, false)

	res, err := p.Run(context.Background(), Options{Count: 2, Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Corrupt != 2 || res.Received != 0 {
		t.Errorf("Corrupt/Received = %d/%d, want 2/0", res.Corrupt, res.Received)
	}
}

func TestPinger_SkipsUnrelatedMessages(t *testing.T) {
	conn := newEchoConn()
	unreachable, err := (&icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Body: &icmp.DstUnreach{Data: make([]byte, 28)},
	}).Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	conn.noise = unreachable
	p := New(conn, target, false)

	res, err := p.Run(context.Background(), Options{Count: 1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Received != 1 {
		t.Errorf("Received = %d, want 1", res.Received)
	}
}

func TestPinger_IdentifierCheck(t *testing.T) {
	tests := []struct {
		name         string
		privileged   bool
		wantReceived int
	}{
		// The kernel owns the identifier on unprivileged sockets.
		{"unprivileged accepts rewritten id", false, 1},
		{"privileged rejects foreign id", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newEchoConn()
			p := New(conn, target, tt.privileged)
			conn.rewriteID = int(p.id + 1)

			res, err := p.Run(context.Background(), Options{Count: 1, Timeout: 20 * time.Millisecond})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Received != tt.wantReceived {
				t.Errorf("Received = %d, want %d", res.Received, tt.wantReceived)
			}
		})
	}
}

func TestPinger_DestinationType(t *testing.T) {
	if _, ok := New(newEchoConn(), target, false).dst.(*net.UDPAddr); !ok {
		t.Error("unprivileged destination should be a *net.UDPAddr")
	}
	if _, ok := New(newEchoConn(), target, true).dst.(*net.IPAddr); !ok {
		t.Error("privileged destination should be a *net.IPAddr")
	}
}

func TestPinger_CancelStopsRun(t *testing.T) {
	conn := newEchoConn()
	conn.drop[1] = true
	p := New(conn, target, false)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	res, err := p.Run(ctx, Options{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v after cancel", elapsed)
	}
	if res.Sent != 0 {
		t.Errorf("Sent = %d, want interrupted request not counted", res.Sent)
	}
}

func TestMakePayload(t *testing.T) {
	b := makePayload(16, 0x0102)
	if len(b) != 16 {
		t.Fatalf("len = %d, want 16", len(b))
	}
	if b[0] != 0x01 || b[1] != 0x02 || b[2] != 0xFE || b[3] != 0xFD {
		t.Errorf("header = % x, want 01 02 fe fd", b[:4])
	}
	if b[15] != 15 {
		t.Errorf("b[15] = %d, want 15", b[15])
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	req, err := marshalEcho(0x1234, 7, []byte("hello"))
	if err != nil {
		t.Fatalf("marshalEcho() error = %v", err)
	}
	// Type 8, code 0.
	if req[0] != 8 || req[1] != 0 {
		t.Errorf("type/code = %d/%d, want 8/0", req[0], req[1])
	}

	// parseEchoReply only accepts replies.
	if _, _, _, err := parseEchoReply(req); err == nil {
		t.Error("parseEchoReply() accepted an echo request")
	}

	req[0] = 0
	id, seq, data, err := parseEchoReply(req)
	if err != nil {
		t.Fatalf("parseEchoReply() error = %v", err)
	}
	if id != 0x1234 || seq != 7 || string(data) != "hello" {
		t.Errorf("parseEchoReply() = %#x %d %q", id, seq, data)
	}

	if _, _, _, err := parseEchoReply([]byte{0}); err == nil {
		t.Error("parseEchoReply() accepted a truncated message")
	}
}

func TestResolve(t *testing.T) {
	addr, err := Resolve(context.Background(), "172.32.0.1")
	if err != nil || addr != target {
		t.Errorf("Resolve(172.32.0.1) = %v, %v", addr, err)
	}

	addr, err = Resolve(context.Background(), "::ffff:172.32.0.1")
	if err != nil || addr != target {
		t.Errorf("Resolve(mapped) = %v, %v", addr, err)
	}

	if _, err := Resolve(context.Background(), "fd00::1"); err == nil {
		t.Error("Resolve(fd00::1) should fail")
	}
}

func TestResult_Empty(t *testing.T) {
	var r Result
	if r.Loss() != 0 || r.AvgRTT() != 0 {
		t.Errorf("empty Result Loss/AvgRTT = %v/%v, want 0/0", r.Loss(), r.AvgRTT())
	}
}

func TestListen(t *testing.T) {
	conn, err := Listen(false)
	if err != nil {
		// Needs net.ipv4.ping_group_range to cover this user.
		t.Skipf("Listen(false) failed (may need sysctl configuration): %v", err)
	}
	conn.Close()
}
