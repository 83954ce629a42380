package nwk

import (
	"fmt"
	"sync"

	"espzb/internal/zigbee"
)

// Tree topology parameters for distributed address assignment. The
// stack profile values keep every Cskip block inside the 16-bit address
// space.
const (
	MaxChildren  = 20 // Cm
	MaxRouters   = 6  // Rm
	MaxTreeDepth = 5  // Lm
)

// Cskip returns the address block size a router at the given depth hands
// to each router child.
func Cskip(depth uint8) uint16 {
	if depth >= MaxTreeDepth {
		return 0
	}
	if MaxRouters == 1 {
		return uint16(1 + MaxChildren*(MaxTreeDepth-int(depth)-1))
	}
	// (1 + Cm - Rm - Cm*Rm^(Lm-d-1)) / (1 - Rm)
	num := 1 + MaxChildren - MaxRouters - MaxChildren*powInt(MaxRouters, MaxTreeDepth-int(depth)-1)
	return uint16(num / (1 - MaxRouters))
}

func powInt(base, exp int) int {
	out := 1
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// TreeAllocator assigns short addresses from the Cskip block of a parent
// router. Allocation is idempotent per IEEE address: a child that
// rejoins gets the address it already holds instead of a fresh slot.
type TreeAllocator struct {
	mu         sync.Mutex
	parent     zigbee.ShortAddr
	depth      uint8
	routers    uint8
	endDevices uint8
	children   map[zigbee.IEEEAddr]zigbee.ShortAddr
}

// NewTreeAllocator creates an allocator for a router with the given
// address and tree depth.
func NewTreeAllocator(parent zigbee.ShortAddr, depth uint8) *TreeAllocator {
	return &TreeAllocator{
		parent:   parent,
		depth:    depth,
		children: make(map[zigbee.IEEEAddr]zigbee.ShortAddr),
	}
}

// NextRouter allocates the address of a router child:
// parent + (k-1)*Cskip(d) + 1 for the k-th router child.
func (a *TreeAllocator) NextRouter(ieee zigbee.IEEEAddr) (zigbee.ShortAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr, ok := a.children[ieee]; ok {
		return addr, nil
	}
	if a.routers >= MaxRouters {
		return 0, fmt.Errorf("nwk: router capacity (%d) reached: %w", MaxRouters, zigbee.ErrJoinFailed)
	}
	skip := Cskip(a.depth)
	if skip == 0 {
		return 0, fmt.Errorf("nwk: tree depth %d cannot parent routers: %w", a.depth, zigbee.ErrJoinFailed)
	}
	a.routers++
	addr := zigbee.ShortAddr(uint16(a.parent) + uint16(a.routers-1)*skip + 1)
	a.children[ieee] = addr
	return addr, nil
}

// NextEndDevice allocates the address of an end-device child:
// parent + Rm*Cskip(d) + n for the n-th end device.
func (a *TreeAllocator) NextEndDevice(ieee zigbee.IEEEAddr) (zigbee.ShortAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr, ok := a.children[ieee]; ok {
		return addr, nil
	}
	if int(a.endDevices) >= MaxChildren-MaxRouters {
		return 0, fmt.Errorf("nwk: end-device capacity (%d) reached: %w", MaxChildren-MaxRouters, zigbee.ErrJoinFailed)
	}
	skip := Cskip(a.depth)
	a.endDevices++
	addr := zigbee.ShortAddr(uint16(a.parent) + MaxRouters*skip + uint16(a.endDevices))
	a.children[ieee] = addr
	return addr, nil
}
