package i2cslave

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestPair wires a configured driver to a simulated bus master
// sharing the same register block.
func newTestPair(t *testing.T, cfg Config) (*Driver, *BusMaster) {
	t.Helper()
	desc := NewDescriptor(1, 2, 3, 4)
	d := New(desc, testLogger())
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return d, NewBusMaster(desc)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitPhase blocks until the driver reaches the wanted phase.
func waitPhase(t *testing.T, d *Driver, want Phase) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for d.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("phase never reached %v, stuck at %v", want, d.Phase())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigureAddressValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"seven bit max", Config{Addr: 0x7F}, true},
		{"seven bit overflow", Config{Addr: 0x80}, false},
		{"ten bit max", Config{Addr: 0x3FF, TenBit: true}, true},
		{"ten bit overflow", Config{Addr: 0x400, TenBit: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New(NewDescriptor(1, 2, 3, 4), testLogger())
			err := d.Configure(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("Configure: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrAddressInvalid) {
				t.Fatalf("err = %v, want ErrAddressInvalid", err)
			}
		})
	}
}

func TestZeroLengthBuffers(t *testing.T) {
	d, _ := newTestPair(t, Config{Addr: 0x42})
	if _, err := d.Read(testCtx(t), nil); !errors.Is(err, ErrZeroLengthInvalid) {
		t.Fatalf("read err = %v", err)
	}
	if _, err := d.Write(testCtx(t), nil); !errors.Is(err, ErrZeroLengthInvalid) {
		t.Fatalf("write err = %v", err)
	}
}

func TestEcho(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42})
	msg := []byte{0x01, 0xAA, 0xBB, 0xCC}

	if err := m.Write(msg); err != nil {
		t.Fatalf("master write: %v", err)
	}
	buf := make([]byte, 8)
	n, err := d.Read(testCtx(t), buf)
	if err != nil {
		t.Fatalf("slave read: %v", err)
	}
	if n != len(msg) || !bytes.Equal(buf[:n], msg) {
		t.Fatalf("slave read %d bytes % x, want % x", n, buf[:n], msg)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := d.Write(testCtx(t), buf[:n])
		errc <- err
	}()
	got, err := m.Read(len(msg))
	if err != nil {
		t.Fatalf("master read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("slave write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("master read % x, want % x", got, msg)
	}
}

func TestWriteFifoBoundary(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42})

	full := make([]byte, FifoDepth)
	for i := range full {
		full[i] = byte(i)
	}
	errc := make(chan error, 1)
	var n int
	go func() {
		var err error
		n, err = d.Write(testCtx(t), full)
		errc <- err
	}()
	got, err := m.Read(FifoDepth)
	if err != nil {
		t.Fatalf("master read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write of %d bytes: %v", FifoDepth, err)
	}
	if n != FifoDepth || !bytes.Equal(got, full) {
		t.Fatalf("transferred %d bytes, master saw % x", n, got)
	}

	if _, err := d.Write(testCtx(t), make([]byte, FifoDepth+1)); !errors.Is(err, ErrFifoExceeded) {
		t.Fatalf("write of %d bytes: err = %v, want ErrFifoExceeded", FifoDepth+1, err)
	}
}

func TestRepeatedStartWriteRead(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42, RegisterMode: true})

	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		if _, err := d.Read(testCtx(t), buf); err != nil {
			errc <- err
			return
		}
		if buf[0] != 0x20 {
			errc <- errors.New("unexpected register byte")
			return
		}
		_, err := d.Write(testCtx(t), []byte{0x43})
		errc <- err
	}()

	out, err := m.WriteRead([]byte{0x20}, 1)
	if err != nil {
		t.Fatalf("master write-read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("slave side: %v", err)
	}
	if len(out) != 1 || out[0] != 0x43 {
		t.Fatalf("master read % x, want 43", out)
	}
	if m.Stops() != 1 {
		t.Fatalf("stop conditions = %d, want 1 for repeated start", m.Stops())
	}
}

func TestReadDeadline(t *testing.T) {
	d, _ := newTestPair(t, Config{Addr: 0x42})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := d.Read(ctx, make([]byte, 4))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n != 0 {
		t.Fatalf("n = %d", n)
	}
	if d.Phase() != PhaseIdle {
		t.Fatalf("phase after timeout = %v", d.Phase())
	}
}

func TestArbitrationLostWakesReader(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42})
	errc := make(chan error, 1)
	go func() {
		_, err := d.Read(testCtx(t), make([]byte, 4))
		errc <- err
	}()
	waitPhase(t, d, PhaseReceiving)
	m.InjectArbitrationLost()
	if err := <-errc; !errors.Is(err, ErrArbitrationLost) {
		t.Fatalf("err = %v, want ErrArbitrationLost", err)
	}
}

func TestNackAbortsTransaction(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42})
	errc := make(chan error, 1)
	go func() {
		_, err := d.Read(testCtx(t), make([]byte, 4))
		errc <- err
	}()
	waitPhase(t, d, PhaseReceiving)
	m.AbortNack()
	if err := <-errc; !errors.Is(err, ErrAcknowledgeCheckFailed) {
		t.Fatalf("err = %v, want ErrAcknowledgeCheckFailed", err)
	}

	// The sticky status bit must not leak into the next transaction.
	if err := m.Write([]byte{0x55}); err != nil {
		t.Fatalf("master write: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := d.Read(testCtx(t), buf); err != nil {
		t.Fatalf("read after nack: %v", err)
	}
}

func TestMasterOutrunsRxFifo(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42})
	errc := make(chan error, 1)
	var n int
	go func() {
		var err error
		n, err = d.Read(testCtx(t), make([]byte, 64))
		errc <- err
	}()
	waitPhase(t, d, PhaseReceiving)

	if err := m.Write(make([]byte, FifoDepth+1)); !errors.Is(err, ErrTxFifoOverflow) {
		t.Fatalf("master err = %v, want ErrTxFifoOverflow", err)
	}
	if err := <-errc; !errors.Is(err, ErrTxFifoOverflow) {
		t.Fatalf("slave err = %v, want ErrTxFifoOverflow", err)
	}
	if n != FifoDepth {
		t.Fatalf("slave salvaged %d bytes, want %d", n, FifoDepth)
	}
}

func TestClockStretchRelease(t *testing.T) {
	d, m := newTestPair(t, Config{Addr: 0x42, ClockStretch: true})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Write(testCtx(t), []byte{0xDE, 0xAD})
		errc <- err
	}()
	got, err := m.Read(2)
	if err != nil {
		t.Fatalf("master read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("slave write: %v", err)
	}
	if !bytes.Equal(got, []byte{0xDE, 0xAD}) {
		t.Fatalf("master read % x", got)
	}
	if d.desc.Regs.Status.Load()&StatusStretchActive != 0 {
		t.Fatal("stretch still active after release")
	}
}

func TestRecoverBus(t *testing.T) {
	d, _ := newTestPair(t, Config{Addr: 0x42, ClockStretch: true})
	d.desc.Regs.Status.Or(StatusStretchActive)
	d.RecoverBus()
	regs := d.desc.Regs
	if regs.Status.Load()&StatusStretchActive != 0 {
		t.Fatal("stretch active after recovery")
	}
	if regs.Ctrl.Load()&CtrlStretchEn == 0 {
		t.Fatal("stretch enable not restored")
	}
}
