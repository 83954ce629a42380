package nwk

import (
	"fmt"
	"log/slog"
	"sync"

	"espzb/internal/zigbee"
)

// Sender transmits a NWK command payload. dst may be a broadcast address;
// src is the network source the header must carry, which differs from the
// local address when a command is forwarded on behalf of its originator.
type Sender func(dst, src zigbee.ShortAddr, payload []byte) error

type discovery struct {
	requestID uint8
	waiters   []chan error
}

// Manager runs AODV route discovery: it originates route requests,
// processes and forwards requests and replies on behalf of other nodes,
// and maintains the routing table.
type Manager struct {
	mu         sync.Mutex
	self       zigbee.ShortAddr
	routes     *RoutingTable
	disc       *DiscoveryTable
	inProgress map[zigbee.ShortAddr]*discovery
	nextID     uint8
	manyToOne  ManyToOne
	send       Sender
	now        func() uint32 // seconds clock
	logger     *slog.Logger
}

// NewManager creates a route manager around the given tables. now supplies
// a seconds clock for discovery-table timestamps.
func NewManager(routes *RoutingTable, disc *DiscoveryTable, send Sender, now func() uint32, logger *slog.Logger) *Manager {
	return &Manager{
		self:       zigbee.ReservedAddr,
		routes:     routes,
		disc:       disc,
		inProgress: make(map[zigbee.ShortAddr]*discovery),
		send:       send,
		now:        now,
		logger:     logger.With("component", "nwk"),
	}
}

// SetSelf installs the local short address once the device has joined.
func (m *Manager) SetSelf(addr zigbee.ShortAddr) {
	m.mu.Lock()
	m.self = addr
	m.mu.Unlock()
}

// SetManyToOne selects the many-to-one policy for originated requests.
func (m *Manager) SetManyToOne(mode ManyToOne) {
	m.mu.Lock()
	m.manyToOne = mode
	m.mu.Unlock()
}

// Routes exposes the routing table for maintenance ticks and diagnostics.
func (m *Manager) Routes() *RoutingTable { return m.routes }

// Discover starts route discovery toward dst and returns a channel that
// resolves when the route is established or discovery fails. Discovery to
// self or over an existing active route completes immediately without a
// wire exchange. A discovery already underway for dst gets an additional
// waiter on the same exchange.
func (m *Manager) Discover(dst zigbee.ShortAddr) (<-chan error, error) {
	done := make(chan error, 1)

	m.mu.Lock()
	if dst == m.self {
		m.mu.Unlock()
		done <- nil
		return done, nil
	}
	if _, ok := m.routes.FindRoute(dst); ok {
		m.mu.Unlock()
		done <- nil
		return done, nil
	}
	if d, ok := m.inProgress[dst]; ok {
		d.waiters = append(d.waiters, done)
		m.mu.Unlock()
		return done, nil
	}

	m.nextID++
	id := m.nextID
	m.inProgress[dst] = &discovery{requestID: id, waiters: []chan error{done}}
	m.routes.MarkDiscovering(dst)
	mto := m.manyToOne
	self := m.self
	m.mu.Unlock()

	rreq := &RouteRequest{ManyToOne: mto, RequestID: id, Destination: dst, PathCost: 0}
	m.disc.Insert(DiscoveryEntry{
		RequestID: id, Source: self, Sender: self, Timestamp: m.now(),
	})
	if err := m.send(zigbee.BroadcastRxOn, self, rreq.Encode()); err != nil {
		m.resolve(dst, fmt.Errorf("nwk: broadcast route request: %w", err))
		return done, nil
	}
	m.logger.Debug("route discovery started", "dst", dst, "id", id)
	return done, nil
}

// FailDiscovery aborts an in-progress discovery, typically from the
// discovery timeout.
func (m *Manager) FailDiscovery(dst zigbee.ShortAddr) {
	m.routes.HandleStatus(dst, StatusNoRouteAvailable)
	m.resolve(dst, fmt.Errorf("route to %v: %w", dst, zigbee.ErrRouteDiscoveryFailed))
}

func (m *Manager) resolve(dst zigbee.ShortAddr, err error) {
	m.mu.Lock()
	d, ok := m.inProgress[dst]
	delete(m.inProgress, dst)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range d.waiters {
		w <- err
	}
}

// HandleRouteRequest processes a RREQ heard from sender. source is the
// network-layer originator of the request.
func (m *Manager) HandleRouteRequest(source, sender zigbee.ShortAddr, lqi uint8, payload []byte) {
	rreq, err := DecodeRouteRequest(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	if source == self {
		return // our own broadcast echoed back
	}

	linkCost := LinkCostFromLQI(lqi)
	cost := rreq.PathCost + linkCost

	// Dedupe by (request id, originator).
	if !m.disc.Insert(DiscoveryEntry{
		RequestID:   rreq.RequestID,
		Source:      source,
		Sender:      sender,
		ForwardCost: cost,
		Timestamp:   m.now(),
	}) {
		return
	}

	// Reverse route back to the originator through whoever relayed the
	// request to us.
	m.routes.AddRoute(source, sender, linkCost)

	switch {
	case rreq.Destination == self:
		rrep := &RouteReply{
			RequestID:  rreq.RequestID,
			Originator: source,
			Responder:  self,
			PathCost:   cost,
		}
		if err := m.send(sender, self, rrep.Encode()); err != nil {
			m.logger.Warn("send route reply", "err", err)
		}
	case m.hasRouteTo(rreq.Destination):
		route, _ := m.routes.FindRoute(rreq.Destination)
		rrep := &RouteReply{
			RequestID:  rreq.RequestID,
			Originator: source,
			Responder:  rreq.Destination,
			PathCost:   cost + route.Cost,
		}
		if err := m.send(sender, self, rrep.Encode()); err != nil {
			m.logger.Warn("send route reply", "err", err)
		}
	default:
		fwd := &RouteRequest{
			ManyToOne:   rreq.ManyToOne,
			RequestID:   rreq.RequestID,
			Destination: rreq.Destination,
			PathCost:    cost,
		}
		if err := m.send(zigbee.BroadcastRxOn, source, fwd.Encode()); err != nil {
			m.logger.Warn("forward route request", "err", err)
		}
	}
}

func (m *Manager) hasRouteTo(dst zigbee.ShortAddr) bool {
	_, ok := m.routes.FindRoute(dst)
	return ok
}

// HandleRouteReply processes a RREP heard from sender.
func (m *Manager) HandleRouteReply(sender zigbee.ShortAddr, lqi uint8, payload []byte) {
	rrep, err := DecodeRouteReply(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()

	// Forward route to the responder through whoever relayed the reply.
	m.routes.AddRoute(rrep.Responder, sender, rrep.PathCost)

	if rrep.Originator == self {
		m.logger.Debug("route established", "dst", rrep.Responder, "cost", rrep.PathCost)
		m.resolve(rrep.Responder, nil)
		return
	}

	// Relay toward the originator along the reverse route recorded when
	// the request passed through.
	entry, ok := m.disc.Lookup(rrep.RequestID, rrep.Originator)
	if !ok {
		m.logger.Debug("route reply without discovery entry", "id", rrep.RequestID, "orig", rrep.Originator)
		return
	}
	if err := m.send(entry.Sender, rrep.Responder, payload); err != nil {
		m.logger.Warn("forward route reply", "err", err)
	}
}

// HandleNetworkStatus applies a peer's network-status command.
func (m *Manager) HandleNetworkStatus(payload []byte) {
	ns, err := DecodeNetworkStatus(payload)
	if err != nil {
		return
	}
	m.logger.Debug("network status", "status", ns.Status, "dst", ns.Destination)
	m.routes.HandleStatus(ns.Destination, ns.Status)
}

// NextHop resolves the forwarding address for dst and refreshes the
// route's age.
func (m *Manager) NextHop(dst zigbee.ShortAddr) (zigbee.ShortAddr, bool) {
	route, ok := m.routes.FindRoute(dst)
	if !ok {
		return 0, false
	}
	m.routes.Touch(dst)
	return route.NextHop, true
}
