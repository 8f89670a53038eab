package dispatch

import (
	"context"
	"fmt"
)

// runSingle alternates between waiting for readiness and draining the
// device on the calling goroutine.
func (l *Loop) runSingle(ctx context.Context, p poller) error {
	buf := make([]byte, l.cfg.BufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.Wait(); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		failures := 0
		for {
			n, ok := l.read(buf, &failures)
			if !ok {
				if err := l.resume(p, failures); err != nil {
					return err
				}
				break
			}
			if out := l.process(buf[:n]); out != nil {
				l.write(out)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}
