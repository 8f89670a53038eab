//go:build !linux

package tun

// Device is unavailable on this platform.
type Device struct{}

// Open always fails with ErrUnsupported.
func Open(cfg Config) (*Device, error) {
	if _, err := newIfreq(cfg.Name); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (d *Device) Name() string { return "" }

func (d *Device) Fd() int { return -1 }

func (d *Device) MTU() (int, error) { return 0, ErrUnsupported }

func (d *Device) SetNonblocking() error { return ErrUnsupported }

func (d *Device) Read(b []byte) (int, error) { return 0, ErrUnsupported }

func (d *Device) Write(b []byte) (int, error) { return 0, ErrUnsupported }

func (d *Device) Close() error { return nil }
