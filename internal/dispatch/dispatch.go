// Package dispatch runs the read, decide, write cycle against a packet device.
//
// A Loop owns the device descriptor for the duration of Run. Readiness is
// reported by an edge-triggered epoll instance, so every wake-up drains the
// device until a read would block. Two topologies share that machinery:
//
//   - single: one goroutine reads, processes and writes each packet in turn.
//   - pipelined: an I/O goroutine reads and writes while a worker goroutine
//     processes. Buffers cross between them through two bounded Queues and
//     are owned by exactly one goroutine at a time. A full inbound queue
//     stops reading, which is the only backpressure towards the kernel.
//
// Would-block ends a drain quietly. Any other read or write error loses the
// packet in flight, is logged and counted, and the loop carries on. Run
// returns nil when its context is cancelled and an error only when polling
// itself fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/postalsys/echotun/internal/echo"
	"github.com/postalsys/echotun/internal/logging"
	"github.com/postalsys/echotun/internal/metrics"
	"github.com/postalsys/echotun/internal/packet"
)

// Device is the packet device a Loop drives. Read and Write move exactly one
// packet and, once the descriptor is non-blocking, report would-block as
// EAGAIN.
type Device interface {
	Fd() int
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// Processor decides what to do with one packet. See echo.Rewriter.Process.
type Processor interface {
	Process(b []byte) (echo.Verdict, []byte, error)
}

// Topology selects how the cycle is spread over goroutines.
type Topology string

const (
	TopologySingle    Topology = "single"
	TopologyPipelined Topology = "pipelined"
)

// ParseTopology converts a configuration string to a Topology.
func ParseTopology(s string) (Topology, error) {
	switch Topology(s) {
	case TopologySingle, "":
		return TopologySingle, nil
	case TopologyPipelined:
		return TopologyPipelined, nil
	default:
		return "", fmt.Errorf("unknown topology %q (expected single or pipelined)", s)
	}
}

const (
	// DefaultQueueDepth bounds in-flight buffers per queue in the pipeline.
	DefaultQueueDepth = 64

	// DefaultBufferSize is used when no MTU is known. It fits any IPv4 datagram.
	DefaultBufferSize = 65535

	// maxReadErrors ends a drain after this many consecutive failed reads so
	// a persistently failing descriptor cannot spin the loop.
	maxReadErrors = 8
)

// Config configures a Loop.
type Config struct {
	Topology   Topology
	QueueDepth int

	// BufferSize is the read buffer size; it should be at least the
	// device MTU. Zero selects DefaultBufferSize.
	BufferSize int

	// PacketTrace logs a decoded dump of every packet at debug level.
	PacketTrace bool
}

// DefaultConfig returns the single topology with default sizes.
func DefaultConfig() Config {
	return Config{
		Topology:   TopologySingle,
		QueueDepth: DefaultQueueDepth,
		BufferSize: DefaultBufferSize,
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	PacketsRead    uint64 `json:"packets_read"`
	PacketsWritten uint64 `json:"packets_written"`
	BytesRead      uint64 `json:"bytes_read"`
	BytesWritten   uint64 `json:"bytes_written"`
	Replies        uint64 `json:"replies"`
	Passed         uint64 `json:"passed"`
	Dropped        uint64 `json:"dropped"`
	ReadErrors     uint64 `json:"read_errors"`
	WriteErrors    uint64 `json:"write_errors"`
	ShortWrites    uint64 `json:"short_writes"`
}

// Loop drives a Device through a Processor.
type Loop struct {
	cfg     Config
	dev     Device
	proc    Processor
	logger  *slog.Logger
	metrics *metrics.Metrics

	running atomic.Bool

	packetsRead    atomic.Uint64
	packetsWritten atomic.Uint64
	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	replies        atomic.Uint64
	passed         atomic.Uint64
	dropped        atomic.Uint64
	readErrors     atomic.Uint64
	writeErrors    atomic.Uint64
	shortWrites    atomic.Uint64
}

// poller is the readiness source behind a Loop.
type poller interface {
	Wait() (readiness, error)
	Wake() error
	Close() error
}

type readiness struct {
	readable bool
	writable bool
	woken    bool
}

// New validates cfg and returns a Loop. A nil logger discards output and nil
// metrics register with a private registry.
func New(cfg Config, dev Device, proc Processor, logger *slog.Logger, m *metrics.Metrics) (*Loop, error) {
	if dev == nil {
		return nil, errors.New("dispatch: nil device")
	}
	if proc == nil {
		return nil, errors.New("dispatch: nil processor")
	}
	topo, err := ParseTopology(string(cfg.Topology))
	if err != nil {
		return nil, err
	}
	cfg.Topology = topo
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize < packet.IPv4MinLen {
		return nil, fmt.Errorf("dispatch: buffer size %d below minimum %d", cfg.BufferSize, packet.IPv4MinLen)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(nil)
	}

	return &Loop{
		cfg:     cfg,
		dev:     dev,
		proc:    proc,
		logger:  logger.With(logging.KeyComponent, "dispatch", logging.KeyTopology, string(topo)),
		metrics: m,
	}, nil
}

// Run drives the device until ctx is cancelled. The descriptor must already
// be non-blocking.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("dispatch: loop already running")
	}
	defer l.running.Store(false)

	p, err := newPoller(l.dev.Fd())
	if err != nil {
		return err
	}
	defer p.Close()

	l.logger.Info("dispatch loop started",
		"buffer_size", l.cfg.BufferSize,
		"queue_depth", l.cfg.QueueDepth)

	switch l.cfg.Topology {
	case TopologyPipelined:
		err = l.runPipelined(ctx, p)
	default:
		stop := context.AfterFunc(ctx, func() { p.Wake() })
		err = l.runSingle(ctx, p)
		stop()
	}

	l.logger.Info("dispatch loop stopped", logging.KeyError, err)
	return err
}

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.running.Load() }

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		PacketsRead:    l.packetsRead.Load(),
		PacketsWritten: l.packetsWritten.Load(),
		BytesRead:      l.bytesRead.Load(),
		BytesWritten:   l.bytesWritten.Load(),
		Replies:        l.replies.Load(),
		Passed:         l.passed.Load(),
		Dropped:        l.dropped.Load(),
		ReadErrors:     l.readErrors.Load(),
		WriteErrors:    l.writeErrors.Load(),
		ShortWrites:    l.shortWrites.Load(),
	}
}

// read performs one device read. ok is false when the drain should end:
// the device would block, returned nothing, or failed too often in a row.
func (l *Loop) read(buf []byte, failures *int) (n int, ok bool) {
	for {
		n, err := l.dev.Read(buf)
		switch {
		case err == nil && n > 0:
			*failures = 0
			l.packetsRead.Add(1)
			l.bytesRead.Add(uint64(n))
			l.metrics.RecordRead(n)
			return n, true
		case err == nil:
			return 0, false
		case isWouldBlock(err):
			return 0, false
		case isInterrupted(err):
			continue
		}

		l.readErrors.Add(1)
		l.metrics.RecordIOError(metrics.OpRead)
		l.logger.Warn("device read failed", logging.KeyError, err)
		*failures++
		if *failures >= maxReadErrors {
			return 0, false
		}
	}
}

// resume forces the next Wait to return after a drain that read errors
// cut short. The descriptor may still hold packets and an edge-triggered
// poller will not report it again.
func (l *Loop) resume(p poller, failures int) error {
	if failures < maxReadErrors {
		return nil
	}
	if err := p.Wake(); err != nil {
		return fmt.Errorf("dispatch: wake: %w", err)
	}
	return nil
}

// process runs the Processor on b and accounts for the verdict. It returns
// the bytes to write, or nil when nothing should be written.
func (l *Loop) process(b []byte) []byte {
	if l.cfg.PacketTrace && l.logger.Enabled(context.Background(), slog.LevelDebug) {
		l.logger.Debug("packet in", "dump", packet.Describe(b))
	}

	start := time.Now()
	v, out, err := l.proc.Process(b)
	l.metrics.ObserveProcess(time.Since(start))
	l.metrics.RecordVerdict(v.String())

	switch v {
	case echo.Reply:
		l.replies.Add(1)
	case echo.Pass:
		l.passed.Add(1)
	default:
		reason := echo.Reason(err)
		l.dropped.Add(1)
		l.metrics.RecordDrop(reason)
		l.logger.Debug("packet dropped",
			logging.KeyReason, reason,
			logging.KeyError, err,
			logging.KeyLength, len(b))
		return nil
	}

	if l.cfg.PacketTrace && v == echo.Reply && l.logger.Enabled(context.Background(), slog.LevelDebug) {
		l.logger.Debug("packet out", "dump", packet.Describe(out))
	}
	return out
}

// write sends one packet. Failures and short writes drop the packet; a tun
// write is a whole datagram, so there is nothing meaningful to retry.
func (l *Loop) write(b []byte) {
	for {
		n, err := l.dev.Write(b)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			l.writeErrors.Add(1)
			l.metrics.RecordIOError(metrics.OpWrite)
			l.logger.Warn("device write failed",
				logging.KeyError, err,
				logging.KeyLength, len(b))
			return
		}
		if n < len(b) {
			l.shortWrites.Add(1)
			l.metrics.RecordShortWrite()
			l.logger.Warn("device write truncated",
				"written", n,
				logging.KeyLength, len(b))
			return
		}
		l.packetsWritten.Add(1)
		l.bytesWritten.Add(uint64(n))
		l.metrics.RecordWrite(n)
		return
	}
}
