package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/echotun/internal/metrics"
	"github.com/postalsys/echotun/internal/recovery"
)

// pipeline is the state shared by the two stages of a pipelined run.
type pipeline struct {
	l   *Loop
	p   poller
	in  *Queue
	out *Queue

	bufs sync.Pool
}

func (l *Loop) runPipelined(ctx context.Context, p poller) error {
	pl := &pipeline{
		l:   l,
		p:   p,
		in:  NewQueue(l.cfg.QueueDepth),
		out: NewQueue(l.cfg.QueueDepth),
	}
	size := l.cfg.BufferSize
	pl.bufs.New = func() any {
		b := make([]byte, size)
		return &b
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { p.Wake() })
	defer stop()

	g.Go(func() (err error) {
		defer recovery.RecoverToError(l.logger, "dispatch-worker", &err)
		return pl.work(gctx)
	})
	g.Go(func() (err error) {
		defer recovery.RecoverToError(l.logger, "dispatch-io", &err)
		return pl.io(gctx)
	})
	return g.Wait()
}

// work is the processing stage. It only ever touches buffers it popped.
func (pl *pipeline) work(ctx context.Context) error {
	for {
		b, err := pl.in.Pop(ctx)
		if err != nil {
			return nil
		}
		pl.l.metrics.SetQueueDepth(metrics.QueueInbound, pl.in.Len())

		out := pl.l.process(b)
		if out == nil {
			pl.release(b)
			continue
		}
		if len(out) == 0 || &out[0] != &b[0] {
			// A reply replaces the request buffer.
			pl.release(b)
		}
		if err := pl.out.Push(ctx, out); err != nil {
			return nil
		}
		pl.l.metrics.SetQueueDepth(metrics.QueueOutbound, pl.out.Len())
		if err := pl.p.Wake(); err != nil {
			return fmt.Errorf("dispatch: wake: %w", err)
		}
	}
}

// io is the device stage: it alone reads from and writes to the device.
func (pl *pipeline) io(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := pl.p.Wait(); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		pl.flush()

		failures := 0
		for {
			buf := pl.acquire()
			n, ok := pl.l.read(buf, &failures)
			if !ok {
				pl.release(buf)
				if err := pl.l.resume(pl.p, failures); err != nil {
					return err
				}
				break
			}
			if !pl.handoff(ctx, buf[:n]) {
				return nil
			}
		}

		pl.flush()
	}
}

// handoff pushes b to the worker. While the inbound queue is full it keeps
// writing finished packets, so a worker blocked on a full outbound queue can
// always make progress. It returns false when ctx is done.
func (pl *pipeline) handoff(ctx context.Context, b []byte) bool {
	for {
		select {
		case pl.in.ch <- b:
			pl.l.metrics.SetQueueDepth(metrics.QueueInbound, pl.in.Len())
			return true
		case res := <-pl.out.ch:
			pl.writeAndRelease(res)
		case <-ctx.Done():
			return false
		}
	}
}

// flush writes every finished packet currently queued.
func (pl *pipeline) flush() {
	for {
		res, ok := pl.out.TryPop()
		if !ok {
			pl.l.metrics.SetQueueDepth(metrics.QueueOutbound, 0)
			return
		}
		pl.writeAndRelease(res)
	}
}

func (pl *pipeline) writeAndRelease(b []byte) {
	pl.l.write(b)
	pl.release(b)
}

func (pl *pipeline) acquire() []byte {
	return *pl.bufs.Get().(*[]byte)
}

// release returns read buffers to the pool. Replies have their own sizes
// and are left to the garbage collector.
func (pl *pipeline) release(b []byte) {
	if cap(b) != pl.l.cfg.BufferSize {
		return
	}
	b = b[:cap(b)]
	pl.bufs.Put(&b)
}
