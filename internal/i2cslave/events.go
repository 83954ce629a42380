package i2cslave

import "strings"

// Events is the decoded raw-interrupt status word.
type Events uint32

const (
	EvRxWatermark Events = 1 << iota
	EvTxWatermark
	EvByteReceived
	EvByteSent
	EvTransComplete
	EvStartDetect
	EvStopDetect
	EvArbitrationLost
	EvTimeout
	EvRxOverflow  // master outran the RX FIFO
	EvTxUnderflow // master read with the TX FIFO empty
)

const evErrors = EvArbitrationLost | EvTimeout | EvRxOverflow | EvTxUnderflow

var eventNames = []struct {
	bit  Events
	name string
}{
	{EvRxWatermark, "rx_watermark"},
	{EvTxWatermark, "tx_watermark"},
	{EvByteReceived, "byte_received"},
	{EvByteSent, "byte_sent"},
	{EvTransComplete, "trans_complete"},
	{EvStartDetect, "start_detect"},
	{EvStopDetect, "stop_detect"},
	{EvArbitrationLost, "arbitration_lost"},
	{EvTimeout, "timeout"},
	{EvRxOverflow, "rx_overflow"},
	{EvTxUnderflow, "tx_underflow"},
}

// Has reports whether any of the given bits is set.
func (e Events) Has(bits Events) bool { return e&bits != 0 }

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for _, en := range eventNames {
		if e.Has(en.bit) {
			names = append(names, en.name)
		}
	}
	return strings.Join(names, "|")
}

// irq is the interrupt entry point. It reads the raw status word once,
// classifies errors into the transaction state, resolves completion and
// wakes the waiters. It never touches the FIFO; drainage happens when
// the awoken task next runs.
func (d *Driver) irq() {
	ev := d.desc.Regs.Pending()
	if ev == 0 {
		return
	}

	if ev.Has(evErrors) {
		d.desc.Regs.IntEna.And(^uint32(ev & evErrors))
		d.state.fail(errorFor(ev, d.desc.Regs.Status.Load()))
	} else if ev.Has(EvTransComplete) {
		if d.desc.Regs.Status.Load()&StatusAckFailed != 0 {
			d.state.fail(ErrAcknowledgeCheckFailed)
		} else {
			d.state.complete()
		}
	}

	if ev.Has(EvRxWatermark | EvByteReceived | EvStopDetect) {
		d.state.wakeRx()
	}
	if ev.Has(EvTxWatermark | EvByteSent) {
		d.state.wakeTx()
	}

	d.desc.Regs.ClearInterrupt(ev)
}

// errorFor maps an error interrupt to its taxonomy entry. Priority
// follows the hardware: arbitration beats timeout beats FIFO faults.
func errorFor(ev Events, status uint32) error {
	switch {
	case ev.Has(EvArbitrationLost):
		return ErrArbitrationLost
	case ev.Has(EvTimeout):
		return ErrTimeout
	case ev.Has(EvRxOverflow):
		return ErrTxFifoOverflow
	case ev.Has(EvTxUnderflow):
		return ErrRxFifoUnderflow
	case status&StatusAckFailed != 0:
		return ErrAcknowledgeCheckFailed
	default:
		return ErrExecutionIncomplete
	}
}
