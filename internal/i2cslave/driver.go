package i2cslave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// stretchSettleCycles is how long the hardware state machine needs to
// latch a stretch-clear command before the configuration pulse.
const stretchSettleCycles = 50

// Default FIFO watermarks, applied when the config leaves them zero.
const (
	defaultRxWatermark = 1
	defaultTxWatermark = 4
)

// Config selects the slave address and the peripheral options.
type Config struct {
	Addr   uint16 // 7-bit in 0..0x7F, 10-bit in 0..0x3FF
	TenBit bool

	ClockStretch    bool // hold SCL after TX load until released
	FilterEnable    bool
	FilterThreshold uint8 // pulse width in clock cycles
	RegisterMode    bool  // first written byte addresses a register

	RxWatermark uint8
	TxWatermark uint8
}

// Driver is the slave-mode facade over one peripheral instance. It
// exclusively owns the transaction state and the wake slots; callers
// must not issue concurrent operations in the same direction.
type Driver struct {
	desc   *Descriptor
	state  *xferState
	cfg    Config
	logger *slog.Logger
}

// New binds a driver to a peripheral descriptor.
func New(desc *Descriptor, logger *slog.Logger) *Driver {
	return &Driver{
		desc:   desc,
		state:  newXferState(),
		logger: logger.With("component", "i2cslave"),
	}
}

// Configure programs the address, filter, watermarks and mode bits,
// installs the interrupt handler and enables the peripheral.
func (d *Driver) Configure(cfg Config) error {
	limit := uint16(0x7F)
	if cfg.TenBit {
		limit = 0x3FF
	}
	if cfg.Addr > limit {
		return fmt.Errorf("i2cslave: address %#x: %w", cfg.Addr, ErrAddressInvalid)
	}
	if cfg.RxWatermark == 0 {
		cfg.RxWatermark = defaultRxWatermark
	}
	if cfg.TxWatermark == 0 {
		cfg.TxWatermark = defaultTxWatermark
	}

	regs := d.desc.Regs
	slave := uint32(cfg.Addr)
	ctrl := uint32(0)
	if cfg.TenBit {
		slave |= 1 << 15
		ctrl |= CtrlAddr10Bit
	}
	if cfg.ClockStretch {
		ctrl |= CtrlStretchEn
	}
	if cfg.FilterEnable {
		ctrl |= CtrlFilterEn
		regs.Filter.Store(uint32(cfg.FilterThreshold))
	} else {
		regs.Filter.Store(0)
	}
	if cfg.RegisterMode {
		ctrl |= CtrlRegisterMode
	}
	regs.Slave.Store(slave)
	regs.Watermark.Store(uint32(cfg.RxWatermark) | uint32(cfg.TxWatermark)<<8)

	d.desc.IRQ = d.irq
	regs.IntEna.Store(uint32(evErrors | EvTransComplete))

	regs.Ctrl.Store(ctrl | CtrlEnable)
	d.pulseConfUpdate()

	d.cfg = cfg
	d.logger.Debug("configured", "addr", cfg.Addr, "ten_bit", cfg.TenBit, "stretch", cfg.ClockStretch)
	return nil
}

// Phase reports the current transaction phase, for diagnostics.
func (d *Driver) Phase() Phase {
	p, _ := d.state.snapshot()
	return p
}

// Read blocks until the master has written at least one byte, drains
// the RX FIFO into buf and returns the number of bytes transferred. The
// call returns when the master ends the transaction or buf fills up.
func (d *Driver) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("i2cslave: read: %w", ErrZeroLengthInvalid)
	}
	if err := d.state.begin(PhaseReceiving, 0); err != nil {
		return 0, fmt.Errorf("i2cslave: read: %w", err)
	}
	regs := d.desc.Regs
	regs.Status.And(^uint32(StatusAckFailed))
	// Re-arm the error enables a previous fault interrupt cleared.
	regs.IntEna.Or(uint32(evErrors | EvRxWatermark | EvByteReceived | EvStopDetect))
	defer regs.IntEna.And(^uint32(EvRxWatermark | EvByteReceived | EvStopDetect))

	n := 0
	for {
		if k := drainRX(regs, buf[n:]); k > 0 {
			n += k
			d.state.advance(k)
		}

		phase, _ := d.state.snapshot()
		switch {
		case phase == PhaseError:
			err := d.state.takeError()
			if err == nil {
				err = ErrExecutionIncomplete
			}
			d.state.settle()
			resetRxFifo(regs)
			return n, fmt.Errorf("i2cslave: read: %w", err)
		case phase == PhaseComplete:
			n += drainRX(regs, buf[n:])
			d.state.settle()
			return n, nil
		case n == len(buf):
			d.state.settle()
			return n, nil
		case n > 0 && regs.Status.Load()&StatusBusBusy == 0:
			// The master finished before we started waiting.
			d.state.settle()
			return n, nil
		}

		select {
		case <-d.state.rxWake:
		case <-ctx.Done():
			d.state.settle()
			resetRxFifo(regs)
			return n, fmt.Errorf("i2cslave: read: %w", deadlineError(ctx))
		}
	}
}

// Write loads data into the TX FIFO for the master to read and blocks
// until the transaction completes. Buffers beyond the FIFO depth fail
// with FifoExceeded; streaming larger payloads is StartWrite territory.
func (d *Driver) Write(ctx context.Context, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("i2cslave: write: %w", ErrZeroLengthInvalid)
	}
	if len(data) > FifoDepth {
		return 0, fmt.Errorf("i2cslave: write %d bytes: %w", len(data), ErrFifoExceeded)
	}
	if err := d.state.begin(PhaseTransmitting, 0); err != nil {
		return 0, fmt.Errorf("i2cslave: write: %w", err)
	}
	regs := d.desc.Regs
	regs.Status.And(^uint32(StatusAckFailed))
	regs.IntEna.Or(uint32(evErrors))

	resetTxFifo(regs)
	loaded := loadTX(regs, data)
	if loaded < len(data) {
		d.state.settle()
		resetTxFifo(regs)
		return 0, fmt.Errorf("i2cslave: write: %w", ErrTxFifoOverflow)
	}
	d.state.advance(loaded)

	regs.IntEna.Or(uint32(EvTxWatermark | EvByteSent))
	defer regs.IntEna.And(^uint32(EvTxWatermark | EvByteSent))

	if d.cfg.ClockStretch {
		// The hardware holds SCL once TX is loaded; release it.
		regs.Status.Or(StatusStretchActive)
		d.releaseStretch()
	}

	for {
		phase, _ := d.state.snapshot()
		switch phase {
		case PhaseError:
			err := d.state.takeError()
			if err == nil {
				err = ErrExecutionIncomplete
			}
			d.state.settle()
			resetTxFifo(regs)
			return 0, fmt.Errorf("i2cslave: write: %w", err)
		case PhaseComplete:
			left := regs.TX.Level()
			n := d.state.settle()
			if left > 0 {
				resetTxFifo(regs)
				return n - left, fmt.Errorf("i2cslave: write: %w", ErrExecutionIncomplete)
			}
			return n, nil
		}

		select {
		case <-d.state.txWake:
		case <-ctx.Done():
			d.state.settle()
			resetTxFifo(regs)
			return 0, fmt.Errorf("i2cslave: write: %w", deadlineError(ctx))
		}
	}
}

// releaseStretch lets go of SCL after a TX load: set the clear bit,
// give the hardware state machine time to latch, then pulse the
// configuration update so the new line state takes effect.
func (d *Driver) releaseStretch() {
	regs := d.desc.Regs
	regs.Ctrl.Or(CtrlStretchClear)
	d.settleDelay()
	d.pulseConfUpdate()
	regs.Ctrl.And(^uint32(CtrlStretchClear))
	regs.Status.And(^uint32(StatusStretchActive))
}

// RecoverBus is the emergency variant for a hung bus: cycle the
// stretch-enable bit off and on, then latch the configuration.
func (d *Driver) RecoverBus() {
	regs := d.desc.Regs
	regs.Ctrl.And(^uint32(CtrlStretchEn))
	d.settleDelay()
	if d.cfg.ClockStretch {
		regs.Ctrl.Or(CtrlStretchEn)
	}
	d.pulseConfUpdate()
	regs.Status.And(^uint32(StatusStretchActive))
	d.logger.Warn("bus recovery cycle issued")
}

func (d *Driver) pulseConfUpdate() {
	d.desc.Regs.Ctrl.Or(CtrlConfUpdate)
	d.desc.Regs.Ctrl.And(^uint32(CtrlConfUpdate))
}

func (d *Driver) settleDelay() {
	for i := 0; i < stretchSettleCycles; i++ {
		_ = d.desc.Regs.Status.Load()
	}
}

// deadlineError maps context expiry onto the driver taxonomy: a missed
// deadline is a transaction timeout, a plain cancel passes through.
func deadlineError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
