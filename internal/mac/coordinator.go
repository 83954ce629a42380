package mac

import (
	"fmt"
	"log/slog"
	"sync"

	"espzb/internal/phy"
	"espzb/internal/zigbee"
)

// DefaultMaxDevices is the default association capacity of a coordinator.
const DefaultMaxDevices = 50

// JoinedFunc is called when a device completes association.
type JoinedFunc func(short zigbee.ShortAddr, ieee zigbee.IEEEAddr, cap Capability)

type pendingAssoc struct {
	short  zigbee.ShortAddr
	cap    Capability
	status uint8
}

// Coordinator serves association requests: it allocates short addresses,
// parks the response, and delivers it when the device polls with a data
// request.
type Coordinator struct {
	mu         sync.Mutex
	pan        zigbee.PANID
	maxDevices int
	nextShort  zigbee.ShortAddr
	pending    map[zigbee.IEEEAddr]pendingAssoc
	allocated  map[zigbee.IEEEAddr]zigbee.ShortAddr
	inUse      map[zigbee.ShortAddr]zigbee.IEEEAddr
	seq        uint8
	send       Sender
	onJoined   JoinedFunc
	logger     *slog.Logger
}

// NewCoordinator creates an association manager for the given PAN.
// maxDevices <= 0 selects the default capacity.
func NewCoordinator(pan zigbee.PANID, maxDevices int, send Sender, logger *slog.Logger) *Coordinator {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	return &Coordinator{
		pan:        pan,
		maxDevices: maxDevices,
		nextShort:  0x0001,
		pending:    make(map[zigbee.IEEEAddr]pendingAssoc),
		allocated:  make(map[zigbee.IEEEAddr]zigbee.ShortAddr),
		inUse:      make(map[zigbee.ShortAddr]zigbee.IEEEAddr),
		send:       send,
		logger:     logger.With("component", "mac-coord"),
	}
}

// OnJoined installs the callback fired when a device picks up a successful
// association response.
func (c *Coordinator) OnJoined(fn JoinedFunc) {
	c.mu.Lock()
	c.onJoined = fn
	c.mu.Unlock()
}

// DeviceCount reports how many devices hold allocated addresses.
func (c *Coordinator) DeviceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}

// Lookup returns the short address allocated to an extended address.
func (c *Coordinator) Lookup(ieee zigbee.IEEEAddr) (zigbee.ShortAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	short, ok := c.allocated[ieee]
	return short, ok
}

// LookupShort returns the extended address holding a short address.
func (c *Coordinator) LookupShort(short zigbee.ShortAddr) (zigbee.IEEEAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ieee, ok := c.inUse[short]
	return ieee, ok
}

// Remove frees the allocation of a device that left the network.
func (c *Coordinator) Remove(ieee zigbee.IEEEAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if short, ok := c.allocated[ieee]; ok {
		delete(c.inUse, short)
		delete(c.allocated, ieee)
	}
	delete(c.pending, ieee)
}

// HandleFrame processes association requests and data-request polls from
// joining devices. Returns true if the frame was consumed.
func (c *Coordinator) HandleFrame(f *phy.Frame) bool {
	if f.Type != phy.FrameCommand || len(f.Payload) == 0 {
		return false
	}
	switch f.Payload[0] {
	case CmdAssociationRequest:
		if f.SrcMode != phy.AddrExtended {
			return false // requests must carry the extended source address
		}
		c.handleRequest(f.SrcExt, f.Payload)
		return true
	case CmdDataRequest:
		if f.SrcMode != phy.AddrExtended {
			return false
		}
		return c.handlePoll(f.SrcExt)
	}
	return false
}

func (c *Coordinator) handleRequest(ieee zigbee.IEEEAddr, payload []byte) {
	cap, err := DecodeAssociationRequest(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Idempotent per IEEE: a retransmitted request reuses the earlier
	// allocation.
	if short, ok := c.allocated[ieee]; ok {
		c.pending[ieee] = pendingAssoc{short: short, cap: cap, status: AssocStatusSuccess}
		return
	}
	if len(c.allocated) >= c.maxDevices {
		c.logger.Warn("association rejected, pan at capacity", "ieee", ieee)
		c.pending[ieee] = pendingAssoc{short: zigbee.BroadcastAll, status: AssocStatusPanAtCapacity}
		return
	}
	short, err := c.allocateLocked()
	if err != nil {
		c.pending[ieee] = pendingAssoc{short: zigbee.BroadcastAll, status: AssocStatusPanAtCapacity}
		return
	}
	c.allocated[ieee] = short
	c.inUse[short] = ieee
	c.pending[ieee] = pendingAssoc{short: short, cap: cap, status: AssocStatusSuccess}
	c.logger.Debug("association pending", "ieee", ieee, "short", short)
}

// allocateLocked hands out the next free assignable short address,
// wrapping within the assignable space.
func (c *Coordinator) allocateLocked() (zigbee.ShortAddr, error) {
	for tries := 0; tries < int(zigbee.BroadcastRxOn); tries++ {
		short := c.nextShort
		c.nextShort++
		if !c.nextShort.IsAssignable() {
			c.nextShort = 0x0001
		}
		if !short.IsAssignable() {
			continue
		}
		if _, taken := c.inUse[short]; !taken {
			return short, nil
		}
	}
	return 0, fmt.Errorf("mac: address space exhausted: %w", zigbee.ErrPanAtCapacity)
}

func (c *Coordinator) handlePoll(ieee zigbee.IEEEAddr) bool {
	c.mu.Lock()
	pa, ok := c.pending[ieee]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, ieee)
	c.seq++
	f := &phy.Frame{
		Type:        phy.FrameCommand,
		Seq:         c.seq,
		DstMode:     phy.AddrExtended,
		DstPAN:      c.pan,
		DstExt:      ieee,
		SrcMode:     phy.AddrShort,
		SrcPAN:      c.pan,
		SrcShort:    zigbee.CoordinatorAddr,
		PANCompress: true,
		Payload:     EncodeAssociationResponse(pa.short, pa.status),
	}
	send := c.send
	onJoined := c.onJoined
	c.mu.Unlock()

	if err := send(f); err != nil {
		c.logger.Error("send association response", "err", err)
		return true
	}
	if pa.status == AssocStatusSuccess && onJoined != nil {
		onJoined(pa.short, ieee, pa.cap)
	}
	return true
}
