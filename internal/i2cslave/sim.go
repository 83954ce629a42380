package i2cslave

import (
	"fmt"
	"time"
)

// BusMaster drives the register block the way a bus master would: bytes
// written end up in the slave's RX FIFO, reads drain the TX FIFO, and
// every bus condition latches the matching interrupt bits and asserts
// the IRQ line. It is the hardware in host builds, used by tests and
// the demo command.
type BusMaster struct {
	desc *Descriptor

	// ReadTimeout bounds how long a read phase waits for the slave to
	// load TX and release the stretch.
	ReadTimeout time.Duration

	stops int
}

// NewBusMaster attaches a simulated master to a peripheral instance.
func NewBusMaster(desc *Descriptor) *BusMaster {
	return &BusMaster{desc: desc, ReadTimeout: 2 * time.Second}
}

// Stops reports how many STOP conditions the master has issued.
func (m *BusMaster) Stops() int { return m.stops }

// Write performs an addressed write: START, data bytes, STOP.
func (m *BusMaster) Write(data []byte) error {
	m.startCondition()
	err := m.pushBytes(data)
	m.stopCondition()
	return err
}

// Read performs an addressed read of n bytes: START, clock out, STOP.
func (m *BusMaster) Read(n int) ([]byte, error) {
	m.startCondition()
	out, err := m.popBytes(n)
	m.stopCondition()
	return out, err
}

// WriteRead writes data, issues a repeated START and reads n bytes.
// No STOP condition separates the two phases.
func (m *BusMaster) WriteRead(data []byte, n int) ([]byte, error) {
	m.startCondition()
	if err := m.pushBytes(data); err != nil {
		m.stopCondition()
		return nil, err
	}
	m.restartCondition()
	out, err := m.popBytes(n)
	m.stopCondition()
	return out, err
}

// InjectArbitrationLost simulates losing the bus to another master.
func (m *BusMaster) InjectArbitrationLost() {
	m.desc.Regs.Raise(EvArbitrationLost)
	m.irq()
}

// InjectTimeout simulates the transaction-timeout counter expiring.
func (m *BusMaster) InjectTimeout() {
	m.desc.Regs.Raise(EvTimeout)
	m.irq()
}

// AbortNack ends the transaction with a missing acknowledge: the sticky
// status bit is latched before the completion interrupt fires.
func (m *BusMaster) AbortNack() {
	m.desc.Regs.Status.Or(StatusAckFailed)
	m.stopCondition()
}

func (m *BusMaster) startCondition() {
	regs := m.desc.Regs
	regs.Status.Or(StatusBusBusy)
	regs.Raise(EvStartDetect)
	m.irq()
}

func (m *BusMaster) restartCondition() {
	regs := m.desc.Regs
	regs.Raise(EvStartDetect | EvTransComplete)
	m.irq()
}

func (m *BusMaster) stopCondition() {
	regs := m.desc.Regs
	regs.Status.And(^uint32(StatusBusBusy))
	regs.Raise(EvStopDetect | EvTransComplete)
	m.stops++
	m.irq()
}

// pushBytes clocks data into the RX FIFO. Events accumulate in the raw
// word and the IRQ asserts once per burst, like a coalesced interrupt.
func (m *BusMaster) pushBytes(data []byte) error {
	regs := m.desc.Regs
	for i, b := range data {
		if !regs.RX.Push(b) {
			regs.Raise(EvRxOverflow)
			m.irq()
			return fmt.Errorf("i2cslave: master write byte %d: %w", i, ErrTxFifoOverflow)
		}
		regs.Raise(EvByteReceived)
		if uint32(regs.RX.Level()) >= regs.RxWatermark() {
			regs.Raise(EvRxWatermark)
		}
	}
	m.irq()
	return nil
}

// popBytes clocks n bytes out of the TX FIFO, honoring an active SCL
// stretch. A slave that never loads data is reported as an underflow.
func (m *BusMaster) popBytes(n int) ([]byte, error) {
	regs := m.desc.Regs
	out := make([]byte, 0, n)
	deadline := time.Now().Add(m.ReadTimeout)
	for len(out) < n {
		if regs.Status.Load()&StatusStretchActive != 0 || regs.TX.Level() == 0 {
			if time.Now().After(deadline) {
				regs.Raise(EvTxUnderflow)
				m.irq()
				return out, fmt.Errorf("i2cslave: master read byte %d: %w", len(out), ErrRxFifoUnderflow)
			}
			time.Sleep(50 * time.Microsecond)
			continue
		}
		b, ok := regs.TX.Pop()
		if !ok {
			continue
		}
		out = append(out, b)
		regs.Raise(EvByteSent)
		if uint32(regs.TX.Level()) <= regs.TxWatermark() {
			regs.Raise(EvTxWatermark)
		}
	}
	m.irq()
	return out, nil
}

// irq asserts the interrupt line. The handler decides what is pending.
func (m *BusMaster) irq() {
	if m.desc.IRQ != nil {
		m.desc.IRQ()
	}
}
