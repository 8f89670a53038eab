// Package chaos injects faults into packet device I/O.
//
// Device wraps anything with the Fd/Read/Write shape of a tun device and,
// driven by a FaultInjector, makes individual reads and writes fail, stall,
// panic or accept only part of a packet. It is used to check that the
// dispatch loop survives I/O trouble without losing its place.
package chaos

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultError makes the operation return ErrInjected without touching
	// the underlying device.
	FaultError FaultType = iota
	// FaultDelay sleeps before performing the operation.
	FaultDelay
	// FaultPanic panics inside the operation.
	FaultPanic
	// FaultShortWrite writes only half of the packet. Reads are unaffected.
	FaultShortWrite
)

func (t FaultType) String() string {
	switch t {
	case FaultError:
		return "error"
	case FaultDelay:
		return "delay"
	case FaultPanic:
		return "panic"
	case FaultShortWrite:
		return "short_write"
	default:
		return "unknown"
	}
}

// Op selects which device operations a fault applies to.
type Op int

const (
	OpAny Op = iota
	OpRead
	OpWrite
)

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Op restricts the fault to reads or writes.
	Op Op

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

type scripted struct {
	op    Op
	fault FaultType
	left  int
}

// FaultInjector decides which operations fail.
type FaultInjector struct {
	configs   []FaultConfig
	script    []scripted
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector seeded from the clock.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates a fault injector with a fixed seed so a
// run can be reproduced.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection. Scripted faults stay queued.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// FailNext forces the next n operations matching op to suffer fault,
// regardless of probabilities.
func (f *FaultInjector) FailNext(op Op, fault FaultType, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scripted{op: op, fault: fault, left: n})
}

// next returns the fault to apply to one operation, if any, and the delay
// for FaultDelay.
func (f *FaultInjector) next(op Op) (FaultType, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return 0, 0, false
	}

	for i := range f.script {
		s := &f.script[i]
		if s.left > 0 && (s.op == OpAny || s.op == op) {
			s.left--
			f.faultHits[s.fault]++
			return s.fault, 0, true
		}
	}

	for _, c := range f.configs {
		if c.Op != OpAny && c.Op != op {
			continue
		}
		if f.rng.Float64() < c.Probability {
			f.faultHits[c.Type]++
			return c.Type, f.randomDelay(c.MinDelay, c.MaxDelay), true
		}
	}
	return 0, 0, false
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64)
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears statistics and any remaining scripted faults.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
	f.script = nil
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := max - min
	return min + time.Duration(f.rng.Int63n(int64(delta)))
}

// PacketDevice is the device shape Device wraps.
type PacketDevice interface {
	Fd() int
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// Device is a PacketDevice with faults injected into Read and Write.
type Device struct {
	dev PacketDevice
	inj *FaultInjector
}

// NewDevice wraps dev.
func NewDevice(dev PacketDevice, inj *FaultInjector) *Device {
	return &Device{dev: dev, inj: inj}
}

func (d *Device) Fd() int { return d.dev.Fd() }

func (d *Device) Read(b []byte) (int, error) {
	fault, delay, ok := d.inj.next(OpRead)
	if ok {
		switch fault {
		case FaultError:
			return 0, ErrInjected
		case FaultDelay:
			time.Sleep(delay)
		case FaultPanic:
			panic("chaos: injected panic in read")
		}
	}
	return d.dev.Read(b)
}

func (d *Device) Write(b []byte) (int, error) {
	fault, delay, ok := d.inj.next(OpWrite)
	if ok {
		switch fault {
		case FaultError:
			return 0, ErrInjected
		case FaultDelay:
			time.Sleep(delay)
		case FaultPanic:
			panic("chaos: injected panic in write")
		case FaultShortWrite:
			return d.dev.Write(b[:len(b)/2])
		}
	}
	return d.dev.Write(b)
}
