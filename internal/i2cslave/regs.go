// Package i2cslave drives a memory-mapped I²C peripheral in slave mode:
// master-initiated transactions are serviced through a 32-byte FIFO per
// direction, with clock-stretch handshaking and interrupt-driven wakeup.
// The register block is a live model of the peripheral; in host builds
// the bus master is simulated against the same block.
package i2cslave

import "sync/atomic"

// FifoDepth is the hardware buffer size in each direction.
const FifoDepth = 32

// Control register bits.
const (
	CtrlEnable       = 1 << 0 // slave mode enabled
	CtrlAddr10Bit    = 1 << 1 // 10-bit addressing
	CtrlStretchEn    = 1 << 2 // SCL stretch while TX pending
	CtrlStretchClear = 1 << 3 // release an active stretch
	CtrlFilterEn     = 1 << 4 // SDA/SCL digital input filter
	CtrlRegisterMode = 1 << 5 // first written byte addresses a register
	CtrlConfUpdate   = 1 << 6 // configuration-latch pulse
	CtrlRxFifoReset  = 1 << 7 // RX FIFO reset pulse
	CtrlTxFifoReset  = 1 << 8 // TX FIFO reset pulse
)

// Status register bits.
const (
	StatusBusBusy       = 1 << 0 // transaction in flight
	StatusStretchActive = 1 << 1 // SCL held low by the slave
	StatusAckFailed     = 1 << 2 // sticky, latched on a missing ACK
)

// Registers models the memory-mapped peripheral. Control, status and
// interrupt words go through 32-bit atomic loads and stores so the
// driver and the bus master can race the way software and hardware do.
// The FIFO windows are single-producer single-consumer rings: the master
// fills RX and drains TX, the driver does the opposite.
type Registers struct {
	Ctrl      atomic.Uint32
	Slave     atomic.Uint32 // programmed address; bit 15 mirrors CtrlAddr10Bit
	Filter    atomic.Uint32 // pulse-width threshold in clock cycles
	Timeout   atomic.Uint32 // transaction timeout in clock cycles, 0 disables
	Watermark atomic.Uint32 // RX level in bits 0..7, TX level in bits 8..15
	IntRaw    atomic.Uint32
	IntEna    atomic.Uint32
	Status    atomic.Uint32

	RX fifo // master to slave
	TX fifo // slave to master
}

// Raise latches raw interrupt bits and delivers the IRQ when any of
// them is enabled.
func (r *Registers) Raise(ev Events) {
	r.IntRaw.Or(uint32(ev))
}

// ClearInterrupt acknowledges raw interrupt bits, write-1-to-clear.
func (r *Registers) ClearInterrupt(ev Events) {
	r.IntRaw.And(^uint32(ev))
}

// Pending returns the enabled subset of the raw interrupt word.
func (r *Registers) Pending() Events {
	return Events(r.IntRaw.Load() & r.IntEna.Load())
}

// RxWatermark returns the programmed RX fill-level threshold.
func (r *Registers) RxWatermark() uint32 { return r.Watermark.Load() & 0xFF }

// TxWatermark returns the programmed TX fill-level threshold.
func (r *Registers) TxWatermark() uint32 { return (r.Watermark.Load() >> 8) & 0xFF }

// Signal identifies a pad routing entry for one bus line direction.
type Signal uint8

// Descriptor is the static per-instance record of one physical
// peripheral: the register block, the pad signals for both directions
// of each line, and the interrupt entry point. Descriptors are
// address-stable for the life of the program.
type Descriptor struct {
	Regs          *Registers
	SDAIn, SDAOut Signal
	SCLIn, SCLOut Signal
	IRQ           func() // installed by the driver, invoked by the hardware
}

// NewDescriptor allocates the register block for one peripheral
// instance. On hardware this would be a fixed MMIO address.
func NewDescriptor(sdaIn, sdaOut, sclIn, sclOut Signal) *Descriptor {
	return &Descriptor{
		Regs:   &Registers{},
		SDAIn:  sdaIn,
		SDAOut: sdaOut,
		SCLIn:  sclIn,
		SCLOut: sclOut,
	}
}
