package aps

import (
	"sync"
	"sync/atomic"

	"espzb/internal/zigbee"
)

// Counter hands out the free-running 8-bit APS counter.
type Counter struct {
	v atomic.Uint32
}

// Next returns the next counter value, wrapping at 255.
func (c *Counter) Next() uint8 {
	return uint8(c.v.Add(1) - 1)
}

// Retransmission parameters for acknowledged delivery.
const (
	MaxRetries      = 3
	RetryIntervalMs = 500
)

type ackKey struct {
	dst     zigbee.ShortAddr
	counter uint8
	block   uint8
}

type pendingAck struct {
	done    chan error
	retries uint8
}

// AckTracker correlates acknowledgements with outstanding transmissions.
// One entry exists per (destination, counter, block) while an acked
// frame is in flight.
type AckTracker struct {
	mu      sync.Mutex
	pending map[ackKey]*pendingAck
}

// NewAckTracker creates an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{pending: make(map[ackKey]*pendingAck)}
}

// Register records an in-flight frame and returns the channel its
// outcome is delivered on.
func (t *AckTracker) Register(dst zigbee.ShortAddr, counter, block uint8) <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKey{dst: dst, counter: counter, block: block}
	p := &pendingAck{done: make(chan error, 1)}
	t.pending[key] = p
	return p.done
}

// Resolve completes an in-flight frame with the given outcome. It
// reports whether a matching entry existed.
func (t *AckTracker) Resolve(dst zigbee.ShortAddr, counter, block uint8, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[ackKey{dst: dst, counter: counter, block: block}]
	delete(t.pending, ackKey{dst: dst, counter: counter, block: block})
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- err
	return true
}

// HandleAck resolves the entry matching a received acknowledgement.
func (t *AckTracker) HandleAck(src zigbee.ShortAddr, ack *Frame) bool {
	var block uint8
	if ack.Ext != nil {
		block = ack.Ext.BlockNumber
	}
	return t.Resolve(src, ack.Counter, block, nil)
}

// Retry bumps the retry count for an in-flight frame. It returns false
// once the frame has exhausted its retries, in which case the entry is
// gone and the caller should fail the send.
func (t *AckTracker) Retry(dst zigbee.ShortAddr, counter, block uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKey{dst: dst, counter: counter, block: block}
	p, ok := t.pending[key]
	if !ok {
		return false
	}
	if p.retries >= MaxRetries {
		delete(t.pending, key)
		p.done <- zigbee.ErrTransmissionFailed
		return false
	}
	p.retries++
	return true
}

// InFlight reports the number of outstanding acked frames.
func (t *AckTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
