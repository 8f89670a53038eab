//go:build linux

package tun

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is an open tun interface.
type Device struct {
	fd   int
	name string

	closeOnce sync.Once
	closeErr  error
}

// Open opens the control device and attaches a tun interface in
// IFF_TUN|IFF_NO_PI mode. The descriptor starts out blocking.
func Open(cfg Config) (*Device, error) {
	req, err := newIfreq(cfg.Name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(cfg.path(), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", cfg.path(), err, ErrOpen)
	}

	req.setFlags(iffTun | iffNoPI)
	if err := ioctl(fd, tunSetIff, req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %v: %w", cfg.Name, err, ErrOpen)
	}

	return &Device{fd: fd, name: req.name()}, nil
}

// Name returns the interface name assigned by the kernel.
func (d *Device) Name() string { return d.name }

// Fd returns the raw descriptor for readiness polling.
func (d *Device) Fd() int { return d.fd }

// MTU queries the interface MTU with SIOCGIFMTU over a throwaway socket.
func (d *Device) MTU() (int, error) {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open control socket: %w", err)
	}
	defer unix.Close(s)

	req, err := newIfreq(d.name)
	if err != nil {
		return 0, err
	}
	if err := ioctl(s, siocGIfMTU, req); err != nil {
		return 0, fmt.Errorf("SIOCGIFMTU %s: %w", d.name, err)
	}
	return req.mtu(), nil
}

// SetNonblocking puts the descriptor into O_NONBLOCK mode.
func (d *Device) SetNonblocking() error {
	if err := unix.SetNonblock(d.fd, true); err != nil {
		return fmt.Errorf("failed to set %s non-blocking: %w", d.name, err)
	}
	return nil
}

// Read reads one datagram. On a non-blocking descriptor it returns
// unix.EAGAIN when nothing is queued.
func (d *Device) Read(b []byte) (int, error) {
	n, err := unix.Read(d.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write writes one datagram. A count smaller than len(b) is returned as is;
// the caller decides what a short write means.
func (d *Device) Write(b []byte) (int, error) {
	n, err := unix.Write(d.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close releases the descriptor. The kernel removes a non-persistent
// interface once its last descriptor is closed. Close is idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = unix.Close(d.fd)
	})
	return d.closeErr
}

// ioctl issues a request whose argument is an ifreq record. This is the only
// place where a Go pointer is handed to the kernel.
func ioctl(fd int, req uintptr, r *ifreq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(r)))
	if errno != 0 {
		return errno
	}
	return nil
}
