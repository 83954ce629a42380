// Package stack is the Zigbee engine facade: it owns the radio, the MAC
// association machines, the network and APS tables, the timer service,
// key material and the persistent store, and exposes the form/join/send
// operations and the event bus.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"espzb/internal/aps"
	"espzb/internal/flashstore"
	"espzb/internal/mac"
	"espzb/internal/nwk"
	"espzb/internal/phy"
	"espzb/internal/security"
	"espzb/internal/timer"
	"espzb/internal/zigbee"
)

// DefaultRadius is the hop budget of originated network frames.
const DefaultRadius = 10

// tickInterval drives the timer service.
const tickInterval = 10 * time.Millisecond

// Config selects the device role and network parameters.
type Config struct {
	Role        zigbee.Role
	IEEE        zigbee.IEEEAddr
	PANID       zigbee.PANID
	ExtendedPAN uint64
	Channel     uint8
	MaxDevices  int

	// NetworkKey pre-commissions the network key on every node. The
	// coordinator generates one when left nil.
	NetworkKey *[16]byte

	// Security applies CCM* protection (ENC-MIC-32) to network payloads.
	Security bool
}

type rxItem struct {
	frame *phy.Frame
	lq    zigbee.LinkQuality
}

type timerCallback struct {
	fn       func()
	periodic bool
}

// Stack is one node's Zigbee engine.
type Stack struct {
	cfg    Config
	radio  phy.Radio
	store  *flashstore.Store // nil when running without persistence
	logger *slog.Logger

	timers *timer.Service
	bus    *EventBus
	keys   *security.KeyStore

	macCoord *mac.Coordinator // coordinator role
	macDev   *mac.Device      // router and end-device roles

	routes   *nwk.RoutingTable
	disc     *nwk.DiscoveryTable
	routeMgr *nwk.Manager
	permit   *nwk.PermitJoin

	bindings *aps.BindingTable
	groups   *aps.GroupTable
	reasm    *aps.Reassembler
	acks     *aps.AckTracker

	mu         sync.Mutex
	info       zigbee.NetworkInfo
	onNetwork  bool
	addrs      map[zigbee.IEEEAddr]zigbee.ShortAddr // learned from joins
	macSeq     uint8
	nwkSeq     uint8
	apsCounter aps.Counter
	joinDone   chan error
	callbacks  map[timer.ID]timerCallback
	btt        map[bttKey]uint32 // broadcast transaction table

	rx        chan rxItem
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type bttKey struct {
	src zigbee.ShortAddr
	seq uint8
}

// New assembles a stack around the given radio. store may be nil to run
// without persistence.
func New(cfg Config, radio phy.Radio, store *flashstore.Store, logger *slog.Logger) (*Stack, error) {
	if cfg.IEEE == 0 {
		return nil, fmt.Errorf("stack: ieee address required: %w", zigbee.ErrInvalidParameter)
	}
	s := &Stack{
		cfg:       cfg,
		radio:     radio,
		store:     store,
		logger:    logger.With("component", "stack"),
		timers:    timer.New(),
		bus:       NewEventBus(logger),
		keys:      security.NewKeyStore(),
		routes:    nwk.NewRoutingTable(),
		disc:      nwk.NewDiscoveryTable(),
		permit:    &nwk.PermitJoin{},
		bindings:  aps.NewBindingTable(0),
		groups:    aps.NewGroupTable(),
		reasm:     aps.NewReassembler(),
		acks:      aps.NewAckTracker(),
		callbacks: make(map[timer.ID]timerCallback),
		btt:       make(map[bttKey]uint32),
		addrs:     make(map[zigbee.IEEEAddr]zigbee.ShortAddr),
		rx:        make(chan rxItem, 64),
		done:      make(chan struct{}),
	}
	s.routeMgr = nwk.NewManager(s.routes, s.disc, s.sendNWKCommand, s.nowSeconds, logger)
	if cfg.NetworkKey != nil {
		s.keys.SetNetworkKey(*cfg.NetworkKey, 0)
	}
	if store != nil {
		if err := s.restoreState(); err != nil {
			return nil, err
		}
		s.keys.OnPersistCounter(s.writeFrameCounter)
	}
	return s, nil
}

// Events returns the stack's event bus.
func (s *Stack) Events() *EventBus { return s.bus }

// NetworkInfo returns the current network parameters. ok is false while
// the device is not on a network.
func (s *Stack) NetworkInfo() (zigbee.NetworkInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.onNetwork
}

// Routes exposes the routing table snapshot for diagnostics.
func (s *Stack) Routes() []nwk.RouteEntry { return s.routes.Entries() }

// Bindings exposes the binding table snapshot for diagnostics.
func (s *Stack) Bindings() []aps.Binding { return s.bindings.Entries() }

// Groups exposes the group list for diagnostics.
func (s *Stack) Groups() []zigbee.GroupID { return s.groups.Groups() }

// Start attaches the stack to the radio and starts its run loop. The
// receive path and all timers run on that single goroutine; the tables
// are never touched from the radio's delivery goroutine.
func (s *Stack) Start() {
	s.radio.SetReceiver(func(f *phy.Frame, lq zigbee.LinkQuality) {
		select {
		case s.rx <- rxItem{frame: f, lq: lq}:
		case <-s.done:
		}
	})

	s.schedulePeriodic(time.Second, timer.ReasonRouteAging, s.maintenanceTick)

	s.wg.Add(1)
	go s.run()
}

// Close stops the run loop, persists the frame counter and closes the
// radio.
func (s *Stack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.writeFrameCounter(s.keys.FrameCounter())
		err = s.radio.Close()
	})
	return err
}

func (s *Stack) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case item := <-s.rx:
			s.handleFrame(item.frame, item.lq)
		case now := <-ticker.C:
			for _, e := range s.timers.Update(now) {
				s.dispatchTimer(e)
			}
		}
	}
}

func (s *Stack) dispatchTimer(e timer.Expired) {
	s.mu.Lock()
	cb, ok := s.callbacks[e.ID]
	if ok && !cb.periodic {
		delete(s.callbacks, e.ID)
	}
	s.mu.Unlock()
	if ok {
		cb.fn()
	}
}

// scheduleOneShot arms a timer whose callback runs on the stack goroutine.
func (s *Stack) scheduleOneShot(d time.Duration, reason timer.Reason, fn func()) timer.ID {
	id := s.timers.ScheduleOneShot(d, reason)
	s.mu.Lock()
	s.callbacks[id] = timerCallback{fn: fn}
	s.mu.Unlock()
	return id
}

func (s *Stack) schedulePeriodic(d time.Duration, reason timer.Reason, fn func()) timer.ID {
	id := s.timers.SchedulePeriodic(d, reason)
	s.mu.Lock()
	s.callbacks[id] = timerCallback{fn: fn, periodic: true}
	s.mu.Unlock()
	return id
}

func (s *Stack) cancelTimer(id timer.ID) {
	s.timers.Cancel(id)
	s.mu.Lock()
	delete(s.callbacks, id)
	s.mu.Unlock()
}

// nowSeconds is the seconds clock shared with the nwk and aps tables.
func (s *Stack) nowSeconds() uint32 {
	return s.timers.Now() / 1000
}

// maintenanceTick runs once per second: route aging, discovery and
// reassembly reaping, the permit-join window and the broadcast table.
func (s *Stack) maintenanceTick() {
	now := s.nowSeconds()
	s.routes.Tick(1)
	s.disc.Expire(now)
	if dropped := s.reasm.Reap(now); dropped > 0 {
		s.logger.Debug("partial messages reaped", "count", dropped)
	}
	if s.permit.Tick(1) {
		s.bus.Emit(Event{Type: EventPermitJoin, Data: false})
	}

	s.mu.Lock()
	for key, seen := range s.btt {
		if now-seen > 9 {
			delete(s.btt, key)
		}
	}
	s.mu.Unlock()
}

func (s *Stack) nextMacSeq() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.macSeq++
	return s.macSeq
}

func (s *Stack) nextNwkSeq() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nwkSeq++
	return s.nwkSeq
}

// lookupShort resolves an IEEE address to the short address it joined
// with. The local address resolves to itself.
func (s *Stack) lookupShort(ieee zigbee.IEEEAddr) (zigbee.ShortAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ieee == s.cfg.IEEE && s.onNetwork {
		return s.info.ShortAddr, true
	}
	short, ok := s.addrs[ieee]
	return short, ok
}

func (s *Stack) shortAddr() zigbee.ShortAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.onNetwork {
		return zigbee.ReservedAddr
	}
	return s.info.ShortAddr
}

// transmitMAC sends a raw MAC frame.
func (s *Stack) transmitMAC(f *phy.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.radio.Transmit(ctx, f)
}

// sendNWKFrame wraps an encoded NWK frame in a single-hop MAC frame to
// macDst and transmits it.
func (s *Stack) sendNWKFrame(macDst zigbee.ShortAddr, nwkFrame []byte) error {
	s.mu.Lock()
	pan := s.info.PANID
	src := s.info.ShortAddr
	s.mu.Unlock()

	f := &phy.Frame{
		Type:        phy.FrameData,
		Seq:         s.nextMacSeq(),
		DstMode:     phy.AddrShort,
		DstPAN:      pan,
		DstShort:    macDst,
		SrcMode:     phy.AddrShort,
		SrcPAN:      pan,
		SrcShort:    src,
		PANCompress: true,
		Payload:     nwkFrame,
	}
	return s.transmitMAC(f)
}

// buildNWKFrame assembles and, when enabled, protects a network frame.
func (s *Stack) buildNWKFrame(hdr *nwk.Header, payload []byte) ([]byte, error) {
	if !s.cfg.Security {
		return append(hdr.Encode(nil), payload...), nil
	}
	hdr.Security = true
	headerBytes := hdr.Encode(nil)

	key, seq, err := s.keys.NetworkKey()
	if err != nil {
		return nil, fmt.Errorf("stack: protect frame: %w", err)
	}
	aux := &security.Header{
		Level:         security.LevelEncMIC32,
		KeyID:         security.KeyIDNetwork,
		ExtendedNonce: true,
		FrameCounter:  s.keys.NextFrameCounter(),
		SrcIEEE:       uint64(s.cfg.IEEE),
		KeySeq:        seq,
	}
	auxBytes := aux.Encode(nil)
	nonce := security.Nonce(aux.SrcIEEE, aux.FrameCounter, aux.Control())
	aad := append(append([]byte(nil), headerBytes...), auxBytes...)
	ct, mic, err := security.Encrypt(key, nonce, aad, payload, aux.Level.MICLength())
	if err != nil {
		return nil, fmt.Errorf("stack: encrypt frame: %w", err)
	}

	out := append(headerBytes, auxBytes...)
	out = append(out, ct...)
	return append(out, mic...), nil
}

// openNWKPayload verifies and decrypts a received protected payload. The
// headerBytes are the raw NWK header as received, which form the AAD
// together with the auxiliary header.
func (s *Stack) openNWKPayload(headerBytes, payload []byte) ([]byte, error) {
	aux, n, err := security.DecodeHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("stack: %w: %v", zigbee.ErrSecurityFailure, err)
	}
	key, _, err := s.keys.NetworkKey()
	if err != nil {
		return nil, fmt.Errorf("stack: %w: %v", zigbee.ErrSecurityFailure, err)
	}
	micLen := aux.Level.MICLength()
	if micLen == 0 || len(payload) < n+micLen {
		return nil, fmt.Errorf("stack: %w: malformed protected payload", zigbee.ErrSecurityFailure)
	}
	body := payload[n : len(payload)-micLen]
	mic := payload[len(payload)-micLen:]
	nonce := security.Nonce(aux.SrcIEEE, aux.FrameCounter, aux.Control())
	aad := append(append([]byte(nil), headerBytes...), payload[:n]...)
	pt, err := security.Decrypt(key, nonce, aad, body, mic)
	if err != nil {
		return nil, fmt.Errorf("stack: %w: %v", zigbee.ErrSecurityFailure, err)
	}
	return pt, nil
}

// sendNWKCommand is the route manager's transmit hook. dst may be a
// broadcast address; src differs from the local address for forwarded
// commands.
func (s *Stack) sendNWKCommand(dst, src zigbee.ShortAddr, payload []byte) error {
	hdr := &nwk.Header{
		Type:     nwk.FrameCommand,
		DstShort: dst,
		SrcShort: src,
		Radius:   DefaultRadius,
		Seq:      s.nextNwkSeq(),
	}
	frame, err := s.buildNWKFrame(hdr, payload)
	if err != nil {
		return err
	}
	return s.sendNWKFrame(dst, frame)
}
