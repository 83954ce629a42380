package aps

import (
	"fmt"
	"sync"

	"espzb/internal/zigbee"
)

// Fragmentation limits. A payload larger than one block is split into at
// most MaxFragments blocks of MaxFragmentPayload bytes.
const (
	MaxFragmentPayload = 82
	MaxFragments       = 16
	MaxMessageSize     = MaxFragmentPayload * MaxFragments

	// ReassemblyTimeout is how long a partial message may wait for its
	// missing blocks, in seconds.
	ReassemblyTimeout = 10
)

// Split breaks payload into fragment blocks. A payload that fits in one
// block comes back as a single element with no fragmentation needed.
func Split(payload []byte) ([][]byte, error) {
	if len(payload) <= MaxFragmentPayload {
		return [][]byte{payload}, nil
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("aps: payload %d bytes exceeds %d: %w",
			len(payload), MaxMessageSize, zigbee.ErrInvalidParameter)
	}
	var blocks [][]byte
	for off := 0; off < len(payload); off += MaxFragmentPayload {
		end := off + MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		blocks = append(blocks, payload[off:end])
	}
	return blocks, nil
}

// FragmentFrames wraps the blocks of a split payload in frames derived
// from base. The first fragment's block number carries the total count.
func FragmentFrames(base Frame, blocks [][]byte) []*Frame {
	if len(blocks) == 1 {
		f := base
		f.Payload = blocks[0]
		return []*Frame{&f}
	}
	frames := make([]*Frame, len(blocks))
	for i, b := range blocks {
		f := base
		f.Payload = b
		if i == 0 {
			f.Ext = &ExtHeader{Fragmentation: FragFirst, BlockNumber: uint8(len(blocks))}
		} else {
			f.Ext = &ExtHeader{Fragmentation: FragPart, BlockNumber: uint8(i)}
		}
		frames[i] = &f
	}
	return frames
}

type reassemblyKey struct {
	src     zigbee.ShortAddr
	counter uint8
}

type reassembly struct {
	total    uint8
	received uint16 // bitmask over block indexes
	blocks   [MaxFragments][]byte
	started  uint32 // seconds
}

func (r *reassembly) complete() bool {
	return r.total != 0 && r.received == uint16(1)<<r.total-1
}

func (r *reassembly) assemble() []byte {
	var out []byte
	for i := uint8(0); i < r.total; i++ {
		out = append(out, r.blocks[i]...)
	}
	return out
}

// Reassembler rebuilds fragmented messages. Partial messages are keyed
// by (source, APS counter) and dropped after the reassembly timeout.
type Reassembler struct {
	mu      sync.Mutex
	pending map[reassemblyKey]*reassembly
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[reassemblyKey]*reassembly)}
}

// Accept feeds a received frame in. It returns the whole message once
// every block has arrived; done is false while blocks are missing.
// Unfragmented frames pass straight through. Blocks may arrive in any
// order and duplicates are ignored.
func (ra *Reassembler) Accept(src zigbee.ShortAddr, f *Frame, now uint32) (msg []byte, done bool, err error) {
	if f.Ext == nil || f.Ext.Fragmentation == FragNone {
		return f.Payload, true, nil
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	key := reassemblyKey{src: src, counter: f.Counter}
	r, ok := ra.pending[key]
	if !ok {
		r = &reassembly{started: now}
		ra.pending[key] = r
	}

	var index uint8
	switch f.Ext.Fragmentation {
	case FragFirst:
		total := f.Ext.BlockNumber
		if total == 0 || total > MaxFragments {
			delete(ra.pending, key)
			return nil, false, fmt.Errorf("aps: fragment count %d: %w", total, zigbee.ErrInvalidParameter)
		}
		r.total = total
		index = 0
	case FragPart:
		index = f.Ext.BlockNumber
		if index >= MaxFragments {
			return nil, false, fmt.Errorf("aps: block number %d: %w", index, zigbee.ErrInvalidParameter)
		}
	}

	if r.received&(1<<index) == 0 {
		r.received |= 1 << index
		r.blocks[index] = append([]byte(nil), f.Payload...)
	}

	if !r.complete() {
		return nil, false, nil
	}
	delete(ra.pending, key)
	return r.assemble(), true, nil
}

// Reap drops partial messages older than the reassembly timeout and
// returns how many were dropped.
func (ra *Reassembler) Reap(now uint32) int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	dropped := 0
	for key, r := range ra.pending {
		if now-r.started > ReassemblyTimeout {
			delete(ra.pending, key)
			dropped++
		}
	}
	return dropped
}

// PendingCount reports the number of partial messages being held.
func (ra *Reassembler) PendingCount() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return len(ra.pending)
}
