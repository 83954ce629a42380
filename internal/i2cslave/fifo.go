package i2cslave

import "sync/atomic"

// fifo is one direction of the 32-byte hardware buffer, modelled as a
// single-producer single-consumer ring with free-running indices. Only
// the producing side may Push and only the consuming side may Pop;
// Reset is legal only while no transaction is in flight.
type fifo struct {
	data [FifoDepth]byte
	rd   atomic.Uint32
	wr   atomic.Uint32
}

// Level returns the current fill level.
func (f *fifo) Level() int {
	return int(f.wr.Load() - f.rd.Load())
}

// Push appends one byte. Returns false when the FIFO is full.
func (f *fifo) Push(b byte) bool {
	wr := f.wr.Load()
	if wr-f.rd.Load() >= FifoDepth {
		return false
	}
	f.data[wr&(FifoDepth-1)] = b
	f.wr.Store(wr + 1)
	return true
}

// Pop removes the oldest byte. Returns false when the FIFO is empty.
func (f *fifo) Pop() (byte, bool) {
	rd := f.rd.Load()
	if rd == f.wr.Load() {
		return 0, false
	}
	b := f.data[rd&(FifoDepth-1)]
	f.rd.Store(rd + 1)
	return b, true
}

// Reset discards all buffered bytes.
func (f *fifo) Reset() {
	f.rd.Store(f.wr.Load())
}

// drainRX moves buffered master bytes into buf, returning the count.
func drainRX(regs *Registers, buf []byte) int {
	n := 0
	for n < len(buf) {
		b, ok := regs.RX.Pop()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n
}

// loadTX copies data into the TX FIFO, returning how many bytes fit.
func loadTX(regs *Registers, data []byte) int {
	n := 0
	for n < len(data) {
		if !regs.TX.Push(data[n]) {
			break
		}
		n++
	}
	return n
}

// resetRxFifo issues the RX reset pulse and empties the window.
func resetRxFifo(regs *Registers) {
	regs.Ctrl.Or(CtrlRxFifoReset)
	regs.RX.Reset()
	regs.Ctrl.And(^uint32(CtrlRxFifoReset))
}

// resetTxFifo issues the TX reset pulse and empties the window.
func resetTxFifo(regs *Registers) {
	regs.Ctrl.Or(CtrlTxFifoReset)
	regs.TX.Reset()
	regs.Ctrl.And(^uint32(CtrlTxFifoReset))
}
