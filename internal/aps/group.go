package aps

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"espzb/internal/zigbee"
)

// GroupTable maps multicast groups to the local endpoints subscribed to
// them.
type GroupTable struct {
	mu     sync.Mutex
	groups map[zigbee.GroupID]map[uint8]bool
}

// NewGroupTable creates an empty group table.
func NewGroupTable() *GroupTable {
	return &GroupTable{groups: make(map[zigbee.GroupID]map[uint8]bool)}
}

// Add subscribes an endpoint to a group. Re-adding is a no-op.
func (t *GroupTable) Add(group zigbee.GroupID, endpoint uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eps, ok := t.groups[group]
	if !ok {
		eps = make(map[uint8]bool)
		t.groups[group] = eps
	}
	eps[endpoint] = true
}

// Remove unsubscribes an endpoint from a group. The group disappears
// with its last endpoint.
func (t *GroupTable) Remove(group zigbee.GroupID, endpoint uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eps, ok := t.groups[group]
	if !ok {
		return
	}
	delete(eps, endpoint)
	if len(eps) == 0 {
		delete(t.groups, group)
	}
}

// Member reports whether any local endpoint belongs to the group, which
// decides whether a group-addressed frame is delivered locally.
func (t *GroupTable) Member(group zigbee.GroupID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups[group]) > 0
}

// Endpoints returns the endpoints subscribed to the group, sorted.
func (t *GroupTable) Endpoints(group zigbee.GroupID) []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	eps := make([]uint8, 0, len(t.groups[group]))
	for ep := range t.groups[group] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

// Groups returns every group with at least one endpoint, sorted.
func (t *GroupTable) Groups() []zigbee.GroupID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]zigbee.GroupID, 0, len(t.groups))
	for g := range t.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Marshal serializes the table for the persistent store: per group a
// 2-byte id, an endpoint count and the endpoints.
func (t *GroupTable) Marshal() []byte {
	groups := t.Groups()
	out := []byte{uint8(len(groups))}
	for _, g := range groups {
		eps := t.Endpoints(g)
		out = binary.LittleEndian.AppendUint16(out, uint16(g))
		out = append(out, uint8(len(eps)))
		out = append(out, eps...)
	}
	return out
}

// Unmarshal replaces the table contents from a persistence record.
func (t *GroupTable) Unmarshal(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("aps: group record empty")
	}
	groups := make(map[zigbee.GroupID]map[uint8]bool)
	off := 1
	for i := 0; i < int(data[0]); i++ {
		if len(data) < off+3 {
			return fmt.Errorf("aps: group record truncated")
		}
		g := zigbee.GroupID(binary.LittleEndian.Uint16(data[off:]))
		n := int(data[off+2])
		off += 3
		if len(data) < off+n {
			return fmt.Errorf("aps: group record truncated")
		}
		eps := make(map[uint8]bool, n)
		for _, ep := range data[off : off+n] {
			eps[ep] = true
		}
		groups[g] = eps
		off += n
	}
	t.mu.Lock()
	t.groups = groups
	t.mu.Unlock()
	return nil
}
