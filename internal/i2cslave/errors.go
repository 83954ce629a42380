package i2cslave

import "errors"

// Error taxonomy of the slave controller. Overflow and underflow are
// named from the wire's point of view: the transmitting side outrunning
// the 32-byte FIFO is a TX overflow, a read pulling from an empty FIFO
// is an RX underflow.
var (
	ErrFifoExceeded           = errors.New("buffer exceeds fifo depth")
	ErrAcknowledgeCheckFailed = errors.New("acknowledge check failed")
	ErrTimeout                = errors.New("transaction timeout")
	ErrArbitrationLost        = errors.New("bus arbitration lost")
	ErrExecutionIncomplete    = errors.New("transaction ended before completion")
	ErrZeroLengthInvalid      = errors.New("zero-length buffer")
	ErrAddressInvalid         = errors.New("slave address out of range")
	ErrBusBusy                = errors.New("bus busy")
	ErrTxFifoOverflow         = errors.New("tx fifo overflow")
	ErrRxFifoUnderflow        = errors.New("rx fifo underflow")
)
