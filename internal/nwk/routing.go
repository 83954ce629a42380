package nwk

import (
	"sync"

	"espzb/internal/zigbee"
)

// RouteStatus is the lifecycle state of a routing table entry.
type RouteStatus uint8

const (
	RouteActive RouteStatus = iota
	RouteDiscoveryUnderway
	RouteDiscoveryFailed
	RouteInactive
	RouteValidationUnderway
)

func (s RouteStatus) String() string {
	switch s {
	case RouteActive:
		return "active"
	case RouteDiscoveryUnderway:
		return "discovery_underway"
	case RouteDiscoveryFailed:
		return "discovery_failed"
	case RouteInactive:
		return "inactive"
	default:
		return "validation_underway"
	}
}

// Route maintenance parameters.
const (
	DefaultMaxRouteAge  = 300 // seconds before an unused route goes inactive
	MaxRouteFailures    = 3
	DiscoveryTimeout    = 10 // seconds a discovery-table entry may live
)

// RouteEntry is one row of the routing table.
type RouteEntry struct {
	Destination zigbee.ShortAddr
	NextHop     zigbee.ShortAddr
	Status      RouteStatus
	Cost        uint8
	Age         uint32 // seconds since last refresh
	Failures    uint8
}

// RoutingTable maps destinations to next hops. Entries are unique per
// destination; a new AddRoute overwrites and resets the failure count.
type RoutingTable struct {
	mu      sync.Mutex
	entries []RouteEntry
	maxAge  uint32
}

// NewRoutingTable creates a table with the default aging limit.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{maxAge: DefaultMaxRouteAge}
}

// AddRoute inserts or refreshes the route to dst.
func (t *RoutingTable) AddRoute(dst, nextHop zigbee.ShortAddr, cost uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination == dst {
			t.entries[i] = RouteEntry{
				Destination: dst, NextHop: nextHop, Status: RouteActive, Cost: cost,
			}
			return
		}
	}
	t.entries = append(t.entries, RouteEntry{
		Destination: dst, NextHop: nextHop, Status: RouteActive, Cost: cost,
	})
}

// MarkDiscovering records that discovery is underway for dst.
func (t *RoutingTable) MarkDiscovering(dst zigbee.ShortAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination == dst {
			t.entries[i].Status = RouteDiscoveryUnderway
			return
		}
	}
	t.entries = append(t.entries, RouteEntry{
		Destination: dst, NextHop: zigbee.ReservedAddr, Status: RouteDiscoveryUnderway,
	})
}

// FindRoute returns the active route to dst.
func (t *RoutingTable) FindRoute(dst zigbee.ShortAddr) (RouteEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination == dst && t.entries[i].Status == RouteActive {
			return t.entries[i], true
		}
	}
	return RouteEntry{}, false
}

// MarkFailed counts a delivery failure over the route to dst. The third
// consecutive failure forces the route to DiscoveryFailed.
func (t *RoutingTable) MarkFailed(dst zigbee.ShortAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination != dst {
			continue
		}
		t.entries[i].Failures++
		if t.entries[i].Failures >= MaxRouteFailures {
			t.entries[i].Status = RouteDiscoveryFailed
		}
		return
	}
}

// HandleStatus applies a network-status command from a peer to the route
// for dst.
func (t *RoutingTable) HandleStatus(dst zigbee.ShortAddr, status uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination != dst {
			continue
		}
		switch status {
		case StatusNoRouteAvailable, StatusTreeLinkFailure, StatusNonTreeLinkFailure:
			t.entries[i].Status = RouteDiscoveryFailed
		case StatusSourceRouteFailure:
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
		}
		return
	}
}

// Remove deletes the route to dst.
func (t *RoutingTable) Remove(dst zigbee.ShortAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination == dst {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Tick ages every entry by the elapsed seconds. Routes past the aging
// limit go inactive and are reaped.
func (t *RoutingTable) Tick(seconds uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, e := range t.entries {
		e.Age += seconds
		if e.Age > t.maxAge {
			e.Status = RouteInactive
			continue // reaped
		}
		kept = append(kept, e)
	}
	t.entries = kept
}

// Touch resets the age of the route to dst, keeping traffic-bearing
// routes alive.
func (t *RoutingTable) Touch(dst zigbee.ShortAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Destination == dst {
			t.entries[i].Age = 0
			return
		}
	}
}

// Entries returns a snapshot of the table for diagnostics.
func (t *RoutingTable) Entries() []RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RouteEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// discoveryKey deduplicates route requests.
type discoveryKey struct {
	requestID uint8
	source    zigbee.ShortAddr
}

// DiscoveryEntry is one row of the route-discovery table.
type DiscoveryEntry struct {
	RequestID    uint8
	Source       zigbee.ShortAddr
	Sender       zigbee.ShortAddr
	ForwardCost  uint8
	ResidualCost uint8
	Timestamp    uint32 // seconds
}

// DiscoveryTable tracks in-flight route requests by (request id, source).
type DiscoveryTable struct {
	mu      sync.Mutex
	entries map[discoveryKey]*DiscoveryEntry
	timeout uint32
}

// NewDiscoveryTable creates a table with the default discovery timeout.
func NewDiscoveryTable() *DiscoveryTable {
	return &DiscoveryTable{
		entries: make(map[discoveryKey]*DiscoveryEntry),
		timeout: DiscoveryTimeout,
	}
}

// Insert records a route request. Returns false if the (id, source) pair
// was already seen, in which case the request is a duplicate.
func (t *DiscoveryTable) Insert(e DiscoveryEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := discoveryKey{requestID: e.RequestID, source: e.Source}
	if _, dup := t.entries[key]; dup {
		return false
	}
	copied := e
	t.entries[key] = &copied
	return true
}

// Lookup returns the discovery entry for (id, source).
func (t *DiscoveryTable) Lookup(requestID uint8, source zigbee.ShortAddr) (DiscoveryEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[discoveryKey{requestID: requestID, source: source}]
	if !ok {
		return DiscoveryEntry{}, false
	}
	return *e, true
}

// Expire drops entries older than the discovery timeout. now is in
// seconds on the same clock as the entry timestamps.
func (t *DiscoveryTable) Expire(now uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if now-e.Timestamp > t.timeout {
			delete(t.entries, key)
		}
	}
}

// Len reports the number of live entries.
func (t *DiscoveryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
