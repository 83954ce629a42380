package stack

import (
	"espzb/internal/aps"
	"espzb/internal/mac"
	"espzb/internal/nwk"
	"espzb/internal/phy"
	"espzb/internal/zigbee"
)

// handleFrame is the single entry point of the receive path. It runs on
// the stack goroutine only.
func (s *Stack) handleFrame(f *phy.Frame, lq zigbee.LinkQuality) {
	s.maybeAck(f)

	s.mu.Lock()
	coord := s.macCoord
	dev := s.macDev
	s.mu.Unlock()

	if coord != nil && f.Type == phy.FrameCommand {
		if len(f.Payload) > 0 && f.Payload[0] == mac.CmdAssociationRequest && !s.permit.Allowed() {
			s.logger.Debug("association request ignored, joining not permitted", "ieee", f.SrcExt)
			return
		}
		if coord.HandleFrame(f) {
			return
		}
	}
	if dev != nil && dev.HandleFrame(f) {
		switch dev.State() {
		case mac.StateAssociated:
			s.finishJoin(nil)
		case mac.StateFailed:
			s.finishJoin(zigbee.ErrAssociationFailed)
		}
		return
	}

	if f.Type == phy.FrameData {
		s.handleNWK(f, lq)
	}
}

// maybeAck answers the MAC-level acknowledgement for frames addressed to
// this node.
func (s *Stack) maybeAck(f *phy.Frame) {
	if !f.AckRequest {
		return
	}
	switch f.DstMode {
	case phy.AddrShort:
		if f.DstShort.IsBroadcast() || f.DstShort != s.shortAddr() {
			return
		}
	case phy.AddrExtended:
		if f.DstExt != s.cfg.IEEE {
			return
		}
	default:
		return
	}
	ack := &phy.Frame{Type: phy.FrameAck, Seq: f.Seq}
	if err := s.transmitMAC(ack); err != nil {
		s.logger.Warn("send mac ack", "err", err)
	}
}

func (s *Stack) handleNWK(f *phy.Frame, lq zigbee.LinkQuality) {
	// MAC destination filter: the radio hears everything in range.
	if f.DstMode == phy.AddrShort && !f.DstShort.IsBroadcast() && f.DstShort != s.shortAddr() {
		return
	}

	hdr, n, err := nwk.DecodeHeader(f.Payload)
	if err != nil {
		s.logger.Debug("malformed network frame", "err", err)
		return
	}
	headerBytes := f.Payload[:n]
	payload := f.Payload[n:]

	if hdr.Security {
		payload, err = s.openNWKPayload(headerBytes, payload)
		if err != nil {
			s.logger.Warn("frame rejected", "src", hdr.SrcShort, "err", err)
			s.bus.Emit(Event{Type: EventNetworkError, Data: NetworkErrorData{Op: "decrypt", Err: err.Error()}})
			return
		}
	} else if s.cfg.Security && hdr.Type == nwk.FrameData {
		s.logger.Warn("unprotected data frame dropped", "src", hdr.SrcShort)
		return
	}

	self := s.shortAddr()
	if hdr.SrcShort == self {
		return // our own transmission relayed back
	}

	broadcast := hdr.DstShort.IsBroadcast()
	if broadcast && !s.bttInsert(hdr.SrcShort, hdr.Seq) {
		return // already seen this broadcast
	}

	if hdr.Type == nwk.FrameCommand {
		s.handleNWKCommand(hdr, f.SrcShort, lq, payload)
		return
	}

	if !broadcast && hdr.DstShort != self {
		s.forwardData(hdr, payload)
		return
	}

	// Relay broadcasts onward while delivering locally.
	if broadcast && hdr.Radius > 1 && s.cfg.Role != zigbee.RoleEndDevice {
		s.relayBroadcast(hdr, payload)
	}

	s.deliverAPS(hdr, payload, lq)
}

func (s *Stack) handleNWKCommand(hdr *nwk.Header, macSrc zigbee.ShortAddr, lq zigbee.LinkQuality, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case nwk.CmdRouteRequest:
		s.routeMgr.HandleRouteRequest(hdr.SrcShort, macSrc, lq.LQI, payload)
	case nwk.CmdRouteReply:
		s.routeMgr.HandleRouteReply(macSrc, lq.LQI, payload)
	case nwk.CmdNetworkStatus:
		s.routeMgr.HandleNetworkStatus(payload)
	case nwk.CmdLeave:
		s.handleLeave(hdr.SrcShort)
	}
}

func (s *Stack) handleLeave(src zigbee.ShortAddr) {
	s.logger.Info("device left", "short", src)
	s.routes.Remove(src)
	s.mu.Lock()
	coord := s.macCoord
	s.mu.Unlock()
	if coord != nil {
		if ieee, ok := coord.LookupShort(src); ok {
			coord.Remove(ieee)
		}
	}
	s.bus.Emit(Event{Type: EventDeviceLeft, Data: DeviceLeftData{Short: src}})
}

// bttInsert records a broadcast in the transaction table. Returns false
// for a duplicate.
func (s *Stack) bttInsert(src zigbee.ShortAddr, seq uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bttKey{src: src, seq: seq}
	if _, dup := s.btt[key]; dup {
		return false
	}
	s.btt[key] = s.timers.Now() / 1000
	return true
}

// forwardData relays a unicast frame toward its destination.
func (s *Stack) forwardData(hdr *nwk.Header, payload []byte) {
	if s.cfg.Role == zigbee.RoleEndDevice {
		return // end devices do not route
	}
	if hdr.Radius <= 1 {
		s.logger.Debug("frame expired in flight", "dst", hdr.DstShort)
		return
	}
	nextHop, ok := s.routeMgr.NextHop(hdr.DstShort)
	if !ok {
		// Tell the originator the path broke here.
		ns := &nwk.NetworkStatus{Status: nwk.StatusNoRouteAvailable, Destination: hdr.DstShort}
		if err := s.sendNWKCommand(hdr.SrcShort, s.shortAddr(), ns.Encode()); err != nil {
			s.logger.Warn("send network status", "err", err)
		}
		return
	}

	fwd := *hdr
	fwd.Radius--
	fwd.Security = false
	frame, err := s.buildNWKFrame(&fwd, payload)
	if err != nil {
		s.logger.Warn("re-protect forwarded frame", "err", err)
		return
	}
	if err := s.sendNWKFrame(nextHop, frame); err != nil {
		s.routes.MarkFailed(hdr.DstShort)
		s.logger.Warn("forward frame", "dst", hdr.DstShort, "next_hop", nextHop, "err", err)
	}
}

func (s *Stack) relayBroadcast(hdr *nwk.Header, payload []byte) {
	fwd := *hdr
	fwd.Radius--
	fwd.Security = false
	frame, err := s.buildNWKFrame(&fwd, payload)
	if err != nil {
		return
	}
	if err := s.sendNWKFrame(fwd.DstShort, frame); err != nil {
		s.logger.Warn("relay broadcast", "err", err)
	}
}

// deliverAPS runs the APS receive side: acknowledgement matching, group
// filtering, ack generation, reassembly, and event emission.
func (s *Stack) deliverAPS(hdr *nwk.Header, payload []byte, lq zigbee.LinkQuality) {
	apsf, err := aps.Decode(payload)
	if err != nil {
		s.logger.Debug("malformed aps frame", "src", hdr.SrcShort, "err", err)
		return
	}

	switch apsf.Type {
	case aps.FrameAck:
		s.acks.HandleAck(hdr.SrcShort, apsf)
		return
	case aps.FrameData:
	default:
		return
	}

	if apsf.Delivery == aps.DeliveryGroup && !s.groups.Member(apsf.Group) {
		return // not subscribed; the frame was relayed above if needed
	}

	if apsf.AckRequest {
		if err := s.sendAPS(hdr.SrcShort, aps.AckFor(apsf)); err != nil {
			s.logger.Warn("send aps ack", "dst", hdr.SrcShort, "err", err)
		}
	}

	msg, done, err := s.reasm.Accept(hdr.SrcShort, apsf, s.nowSeconds())
	if err != nil {
		s.logger.Debug("reassembly rejected", "src", hdr.SrcShort, "err", err)
		return
	}
	if !done {
		return
	}

	s.bus.Emit(Event{Type: EventLinkQuality, Data: LinkQualityData{
		Addr: hdr.SrcShort, LQI: lq.LQI, RSSI: lq.RSSI,
	}})
	s.bus.Emit(Event{Type: EventDataReceived, Data: DataReceivedData{
		Src:         hdr.SrcShort,
		SrcEndpoint: apsf.SrcEndpoint,
		DstEndpoint: apsf.DstEndpoint,
		Cluster:     apsf.Cluster,
		Profile:     apsf.Profile,
		Group:       apsf.Group,
		Data:        msg,
		LQI:         lq.LQI,
	}})

	if apsf.Profile == ProfileHomeAutomation {
		if zh, body, err := parseZclHeader(msg); err == nil {
			s.bus.Emit(Event{Type: EventZclCommand, Data: ZclCommandData{
				Src:         hdr.SrcShort,
				SrcEndpoint: apsf.SrcEndpoint,
				Cluster:     apsf.Cluster,
				ClusterName: ClusterName(apsf.Cluster),
				Command:     zh.command,
				Seq:         zh.seq,
				Payload:     body,
			}})
		}
	}
}
