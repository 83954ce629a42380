package aps

import (
	"encoding/binary"
	"fmt"
	"sync"

	"espzb/internal/zigbee"
)

// DefaultBindingCapacity bounds the binding table.
const DefaultBindingCapacity = 64

// Binding routes traffic from a local (endpoint, cluster) pair to either
// a unicast destination or a group. Unicast destinations are identified
// by IEEE address: short addresses change when a device rejoins, and the
// binding must survive that.
type Binding struct {
	SrcEndpoint uint8
	Cluster     uint16

	IsGroup     bool
	Group       zigbee.GroupID
	DstIEEE     zigbee.IEEEAddr
	DstEndpoint uint8
}

// BindingTable holds the device's bindings. Adding an existing binding
// is a no-op, matching remove of a missing one.
type BindingTable struct {
	mu       sync.Mutex
	entries  []Binding
	capacity int
}

// NewBindingTable creates a table with the given capacity; zero selects
// the default.
func NewBindingTable(capacity int) *BindingTable {
	if capacity <= 0 {
		capacity = DefaultBindingCapacity
	}
	return &BindingTable{capacity: capacity}
}

// Add inserts a binding.
func (t *BindingTable) Add(b Binding) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e == b {
			return nil
		}
	}
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("aps: binding table full (%d entries): %w", t.capacity, zigbee.ErrBindingFailed)
	}
	t.entries = append(t.entries, b)
	return nil
}

// Remove deletes a binding. Removing a binding that does not exist is
// not an error.
func (t *BindingTable) Remove(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e == b {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Find returns the bindings for a local endpoint and cluster.
func (t *BindingTable) Find(srcEndpoint uint8, cluster uint16) []Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Binding
	for _, e := range t.entries {
		if e.SrcEndpoint == srcEndpoint && e.Cluster == cluster {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a snapshot of the table.
func (t *BindingTable) Entries() []Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Binding, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len reports the number of bindings.
func (t *BindingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Binding persistence record: srcEP(1) cluster(2) flags(1) dst(8) dstEP(1).
// Group destinations use the low 16 bits of the dst field.
const bindingRecordSize = 13

const bindingFlagGroup = 0x01

// Marshal serializes the table for the persistent store.
func (t *BindingTable) Marshal() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, 0, 1+bindingRecordSize*len(t.entries))
	out = append(out, uint8(len(t.entries)))
	for _, e := range t.entries {
		out = append(out, e.SrcEndpoint)
		out = binary.LittleEndian.AppendUint16(out, e.Cluster)
		if e.IsGroup {
			out = append(out, bindingFlagGroup)
			out = binary.LittleEndian.AppendUint64(out, uint64(e.Group))
			out = append(out, 0)
		} else {
			out = append(out, 0)
			out = binary.LittleEndian.AppendUint64(out, uint64(e.DstIEEE))
			out = append(out, e.DstEndpoint)
		}
	}
	return out
}

// Unmarshal replaces the table contents from a persistence record.
func (t *BindingTable) Unmarshal(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("aps: binding record empty")
	}
	count := int(data[0])
	if len(data) < 1+bindingRecordSize*count {
		return fmt.Errorf("aps: binding record truncated")
	}
	entries := make([]Binding, 0, count)
	for i := 0; i < count; i++ {
		rec := data[1+bindingRecordSize*i:]
		b := Binding{
			SrcEndpoint: rec[0],
			Cluster:     binary.LittleEndian.Uint16(rec[1:3]),
		}
		if rec[3]&bindingFlagGroup != 0 {
			b.IsGroup = true
			b.Group = zigbee.GroupID(binary.LittleEndian.Uint64(rec[4:12]))
		} else {
			b.DstIEEE = zigbee.IEEEAddr(binary.LittleEndian.Uint64(rec[4:12]))
			b.DstEndpoint = rec[12]
		}
		entries = append(entries, b)
	}
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}
