//go:build linux

package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller waits for edge-triggered readiness on one descriptor. An
// eventfd registered alongside it lets other goroutines interrupt Wait.
type epollPoller struct {
	epfd int
	evfd int
	fd   int

	events [8]unix.EpollEvent

	mu     sync.Mutex
	closed bool
}

func newPoller(fd int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &epollPoller{epfd: epfd, evfd: evfd, fd: fd}

	dev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &dev); err != nil {
		p.Close()
		return nil, fmt.Errorf("epoll_ctl device fd %d: %w", fd, err)
	}
	wake := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &wake); err != nil {
		p.Close()
		return nil, fmt.Errorf("epoll_ctl eventfd: %w", err)
	}
	return p, nil
}

func (p *epollPoller) Wait() (readiness, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events[:], -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return readiness{}, fmt.Errorf("epoll_wait: %w", err)
		}

		var r readiness
		for _, ev := range p.events[:n] {
			if int(ev.Fd) == p.evfd {
				var buf [8]byte
				unix.Read(p.evfd, buf[:])
				r.woken = true
				continue
			}
			if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				r.readable = true
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				r.writable = true
			}
		}
		return r, nil
	}
}

func (p *epollPoller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.evfd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated; a wake-up is already pending.
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(unix.Close(p.evfd), unix.Close(p.epfd))
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
