package chaos

import (
	"errors"
	"testing"
	"time"
)

// memDevice records writes and serves queued reads.
type memDevice struct {
	reads  [][]byte
	writes [][]byte
}

func (m *memDevice) Fd() int { return 42 }

func (m *memDevice) Read(b []byte) (int, error) {
	if len(m.reads) == 0 {
		return 0, errors.New("empty")
	}
	n := copy(b, m.reads[0])
	m.reads = m.reads[1:]
	return n, nil
}

func (m *memDevice) Write(b []byte) (int, error) {
	m.writes = append(m.writes, append([]byte(nil), b...))
	return len(b), nil
}

func TestFaultInjector_Basic(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultError,
		Probability: 1.0,
	})

	if _, _, ok := injector.next(OpRead); !ok {
		t.Error("expected error fault to be injected")
	}

	stats := injector.GetStats()
	if stats[FaultError] != 1 {
		t.Errorf("stats[FaultError] = %d, want 1", stats[FaultError])
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultError,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}
	if _, _, ok := injector.next(OpWrite); ok {
		t.Error("expected no fault when disabled")
	}

	injector.Enable()
	if _, _, ok := injector.next(OpWrite); !ok {
		t.Error("expected fault after Enable")
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	injector := NewFaultInjectorWithSeed(1, FaultConfig{
		Type:        FaultError,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if _, _, ok := injector.next(OpAny); ok {
			t.Fatal("expected no fault with 0% probability")
		}
	}
}

func TestFaultInjector_OpFilter(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultError,
		Probability: 1.0,
		Op:          OpWrite,
	})

	if _, _, ok := injector.next(OpRead); ok {
		t.Error("write-only fault applied to read")
	}
	if _, _, ok := injector.next(OpWrite); !ok {
		t.Error("write-only fault not applied to write")
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	fault, delay, ok := injector.next(OpRead)
	if !ok || fault != FaultDelay {
		t.Fatalf("next() = %v, %v, want delay fault", fault, ok)
	}
	if delay < 10*time.Millisecond || delay > 20*time.Millisecond {
		t.Errorf("delay %v outside expected range [10ms, 20ms]", delay)
	}
}

func TestFaultInjector_FailNext(t *testing.T) {
	injector := NewFaultInjector()
	injector.FailNext(OpWrite, FaultShortWrite, 2)

	if _, _, ok := injector.next(OpRead); ok {
		t.Error("scripted write fault applied to read")
	}
	for i := 0; i < 2; i++ {
		fault, _, ok := injector.next(OpWrite)
		if !ok || fault != FaultShortWrite {
			t.Errorf("write %d: next() = %v, %v, want short write", i, fault, ok)
		}
	}
	if _, _, ok := injector.next(OpWrite); ok {
		t.Error("scripted fault outlived its count")
	}
}

func TestFaultInjector_Reset(t *testing.T) {
	injector := NewFaultInjector()
	injector.FailNext(OpAny, FaultError, 5)
	injector.next(OpRead)
	injector.Reset()

	if got := injector.GetStats()[FaultError]; got != 0 {
		t.Errorf("expected 0 hits after reset, got %d", got)
	}
	if _, _, ok := injector.next(OpRead); ok {
		t.Error("scripted fault survived Reset")
	}
}

func TestDevice_Faults(t *testing.T) {
	mem := &memDevice{reads: [][]byte{[]byte("abcd")}}
	injector := NewFaultInjector()
	dev := NewDevice(mem, injector)

	if dev.Fd() != 42 {
		t.Errorf("Fd() = %d, want 42", dev.Fd())
	}

	injector.FailNext(OpRead, FaultError, 1)
	if _, err := dev.Read(make([]byte, 8)); !errors.Is(err, ErrInjected) {
		t.Errorf("Read() error = %v, want ErrInjected", err)
	}
	buf := make([]byte, 8)
	if n, err := dev.Read(buf); err != nil || string(buf[:n]) != "abcd" {
		t.Errorf("Read() = %q, %v, want abcd", buf[:n], err)
	}

	injector.FailNext(OpWrite, FaultShortWrite, 1)
	if n, err := dev.Write([]byte("12345678")); err != nil || n != 4 {
		t.Errorf("short Write() = %d, %v, want 4, nil", n, err)
	}
	injector.FailNext(OpWrite, FaultError, 1)
	if _, err := dev.Write([]byte("x")); !errors.Is(err, ErrInjected) {
		t.Errorf("Write() error = %v, want ErrInjected", err)
	}
	if len(mem.writes) != 1 || string(mem.writes[0]) != "1234" {
		t.Errorf("underlying writes = %q, want [1234]", mem.writes)
	}
}

func TestDevice_Panic(t *testing.T) {
	injector := NewFaultInjector()
	injector.FailNext(OpWrite, FaultPanic, 1)
	dev := NewDevice(&memDevice{}, injector)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic to be triggered")
		}
	}()
	dev.Write([]byte("boom"))
}

func TestFaultType_String(t *testing.T) {
	tests := []struct {
		ft   FaultType
		want string
	}{
		{FaultError, "error"},
		{FaultDelay, "delay"},
		{FaultPanic, "panic"},
		{FaultShortWrite, "short_write"},
		{FaultType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.ft.String(); got != tt.want {
			t.Errorf("FaultType(%d).String() = %q, want %q", int(tt.ft), got, tt.want)
		}
	}
}
