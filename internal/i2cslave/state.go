package i2cslave

import "sync"

// Phase is the transaction state tag.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseReceiving
	PhaseTransmitting
	PhaseComplete
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReceiving:
		return "receiving"
	case PhaseTransmitting:
		return "transmitting"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// xferState is the transaction state shared between the user path and
// the interrupt router. The mutex stands in for the interrupt-masking
// critical section of the hardware build. Only the interrupt router
// transitions out of Receiving/Transmitting; only the user APIs enter
// them. The wake slots are 1-buffered: at most one waiter per direction
// by caller contract.
type xferState struct {
	mu    sync.Mutex
	phase Phase
	count int   // bytes moved in the current transaction
	err   error // take-once error slot

	rxWake chan struct{}
	txWake chan struct{}
}

func newXferState() *xferState {
	return &xferState{
		rxWake: make(chan struct{}, 1),
		txWake: make(chan struct{}, 1),
	}
}

// begin enters Receiving or Transmitting from a settled phase. The
// error slot and any stale wakeups from the previous transaction are
// discarded so the new waiter starts clean.
func (s *xferState) begin(phase Phase, initial int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseReceiving, PhaseTransmitting:
		return ErrBusBusy
	}
	s.phase = phase
	s.count = initial
	s.err = nil
	select {
	case <-s.rxWake:
	default:
	}
	select {
	case <-s.txWake:
	default:
	}
	return nil
}

// advance credits bytes moved by the user path during the transaction.
func (s *xferState) advance(k int) {
	s.mu.Lock()
	if s.phase == PhaseReceiving || s.phase == PhaseTransmitting {
		s.count += k
	}
	s.mu.Unlock()
}

// complete resolves the active transaction. Interrupt router only.
func (s *xferState) complete() {
	s.mu.Lock()
	if s.phase == PhaseReceiving || s.phase == PhaseTransmitting {
		s.phase = PhaseComplete
	}
	s.mu.Unlock()
	s.wakeRx()
	s.wakeTx()
}

// fail records an error and wakes all waiters. The first waiter to call
// takeError consumes it; later waiters see the default wait behavior.
func (s *xferState) fail(err error) {
	s.mu.Lock()
	s.phase = PhaseError
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wakeRx()
	s.wakeTx()
}

// takeError consumes the error slot.
func (s *xferState) takeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// settle returns the state machine to Idle after the user path has
// observed a terminal phase, and reports the final byte count.
func (s *xferState) settle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.count
	s.phase = PhaseIdle
	s.count = 0
	return n
}

func (s *xferState) snapshot() (Phase, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.count
}

func (s *xferState) wakeRx() {
	select {
	case s.rxWake <- struct{}{}:
	default:
	}
}

func (s *xferState) wakeTx() {
	select {
	case s.txWake <- struct{}{}:
	default:
	}
}
