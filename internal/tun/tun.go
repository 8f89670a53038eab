// Package tun opens and drives a Linux TUN interface.
//
// The device is used in IFF_TUN|IFF_NO_PI mode, so every Read returns exactly
// one raw IP datagram and every Write injects exactly one. Reads and writes go
// straight to the file descriptor rather than through os.File so that a
// non-blocking descriptor reports EAGAIN to the caller, which the epoll-based
// dispatch loop depends on.
package tun

import "errors"

// DefaultPath is the tun control device.
const DefaultPath = "/dev/net/tun"

var (
	// ErrNameTooLong is returned when an interface name does not fit IFNAMSIZ.
	ErrNameTooLong = errors.New("tun: interface name too long")

	// ErrOpen wraps failures to open the control device or attach an interface.
	ErrOpen = errors.New("tun: cannot open device")

	// ErrUnsupported is returned on platforms without a tun driver.
	ErrUnsupported = errors.New("tun: unsupported platform")
)

// Config selects the interface to create or attach to.
type Config struct {
	// Name is the requested interface name. Empty lets the kernel pick one
	// (tun0, tun1, ...); the chosen name is available from Device.Name.
	Name string

	// Path is the control device. Defaults to DefaultPath.
	Path string
}

func (c Config) path() string {
	if c.Path == "" {
		return DefaultPath
	}
	return c.Path
}
