package stack

import (
	"context"
	"fmt"
	"time"

	"espzb/internal/aps"
	"espzb/internal/nwk"
	"espzb/internal/timer"
	"espzb/internal/zigbee"
)

// SendRequest describes one outgoing APS message.
type SendRequest struct {
	// Dst is the unicast destination. Ignored for group sends; a
	// broadcast address selects broadcast delivery.
	Dst zigbee.ShortAddr
	// Group selects group delivery when non-zero.
	Group zigbee.GroupID

	DstEndpoint uint8
	SrcEndpoint uint8
	Cluster     uint16
	Profile     uint16

	// Ack requests end-to-end APS acknowledgement. Unicast only; the
	// frame is retransmitted up to aps.MaxRetries times before the send
	// fails.
	Ack bool

	Payload []byte
}

// Send transmits an APS message, fragmenting payloads that exceed one
// block. With Ack set the call blocks until every block is acknowledged,
// the retries are exhausted, or ctx expires.
func (s *Stack) Send(ctx context.Context, req SendRequest) error {
	s.mu.Lock()
	onNetwork := s.onNetwork
	s.mu.Unlock()
	if !onNetwork {
		return fmt.Errorf("stack: not on a network: %w", zigbee.ErrInvalidState)
	}

	delivery := aps.DeliveryUnicast
	nwkDst := req.Dst
	switch {
	case req.Group != 0:
		delivery = aps.DeliveryGroup
		nwkDst = zigbee.BroadcastRxOn
	case req.Dst.IsBroadcast():
		delivery = aps.DeliveryBroadcast
	}
	wantAck := req.Ack && delivery == aps.DeliveryUnicast

	blocks, err := aps.Split(req.Payload)
	if err != nil {
		return err
	}
	counter := s.apsCounter.Next()
	base := aps.Frame{
		Type:        aps.FrameData,
		Delivery:    delivery,
		AckRequest:  wantAck,
		DstEndpoint: req.DstEndpoint,
		Group:       req.Group,
		Cluster:     req.Cluster,
		Profile:     req.Profile,
		SrcEndpoint: req.SrcEndpoint,
		Counter:     counter,
	}
	frames := aps.FragmentFrames(base, blocks)

	var (
		waits    []<-chan error
		retryIDs []timer.ID
	)
	defer func() {
		for _, id := range retryIDs {
			s.cancelTimer(id)
		}
	}()

	for _, f := range frames {
		if wantAck {
			block := uint8(0)
			if f.Ext != nil {
				block = f.Ext.BlockNumber
			}
			waits = append(waits, s.acks.Register(nwkDst, counter, block))

			frame := f
			retryIDs = append(retryIDs, s.schedulePeriodic(
				aps.RetryIntervalMs*time.Millisecond, timer.ReasonGeneric, func() {
					if !s.acks.Retry(nwkDst, counter, block) {
						return // resolved or exhausted
					}
					if err := s.sendAPS(nwkDst, frame); err != nil {
						s.logger.Warn("retransmit", "dst", nwkDst, "err", err)
					}
				}))
		}
		if err := s.sendAPS(nwkDst, f); err != nil {
			return fmt.Errorf("stack: %w: %v", zigbee.ErrTransmissionFailed, err)
		}
	}

	for _, w := range waits {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stack: send: %w", ctx.Err())
		case err := <-w:
			if err != nil {
				return fmt.Errorf("stack: %w", err)
			}
		}
	}
	return nil
}

// SendBound transmits indirectly through the binding table: every
// binding of (srcEndpoint, cluster) receives the message.
func (s *Stack) SendBound(ctx context.Context, srcEndpoint uint8, cluster, profile uint16, payload []byte) error {
	bound := s.bindings.Find(srcEndpoint, cluster)
	if len(bound) == 0 {
		return fmt.Errorf("stack: no binding for endpoint %d cluster 0x%04X: %w",
			srcEndpoint, cluster, zigbee.ErrBindingFailed)
	}
	for _, b := range bound {
		req := SendRequest{
			SrcEndpoint: srcEndpoint,
			Cluster:     cluster,
			Profile:     profile,
			Payload:     payload,
		}
		if b.IsGroup {
			req.Group = b.Group
		} else {
			short, ok := s.lookupShort(b.DstIEEE)
			if !ok {
				return fmt.Errorf("stack: binding destination %s: %w", b.DstIEEE, zigbee.ErrDeviceNotFound)
			}
			req.Dst = short
			req.DstEndpoint = b.DstEndpoint
		}
		if err := s.Send(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// sendAPS wraps one APS frame in a network data frame and transmits it
// toward dst, using the routing table's next hop when one exists.
func (s *Stack) sendAPS(dst zigbee.ShortAddr, f *aps.Frame) error {
	hdr := &nwk.Header{
		Type:     nwk.FrameData,
		DstShort: dst,
		SrcShort: s.shortAddr(),
		Radius:   DefaultRadius,
		Seq:      s.nextNwkSeq(),
	}
	frame, err := s.buildNWKFrame(hdr, f.Encode())
	if err != nil {
		return err
	}
	macDst := dst
	if !dst.IsBroadcast() {
		if nextHop, ok := s.routeMgr.NextHop(dst); ok {
			macDst = nextHop
		}
	}
	return s.sendNWKFrame(macDst, frame)
}

// Bind adds a binding and persists the table.
func (s *Stack) Bind(b aps.Binding) error {
	if err := s.bindings.Add(b); err != nil {
		return err
	}
	return s.persistBindings()
}

// Unbind removes a binding and persists the table.
func (s *Stack) Unbind(b aps.Binding) error {
	s.bindings.Remove(b)
	return s.persistBindings()
}

// AddGroup subscribes a local endpoint to a group and persists the table.
func (s *Stack) AddGroup(group zigbee.GroupID, endpoint uint8) error {
	s.groups.Add(group, endpoint)
	return s.persistGroups()
}

// RemoveGroup unsubscribes a local endpoint from a group and persists the
// table.
func (s *Stack) RemoveGroup(group zigbee.GroupID, endpoint uint8) error {
	s.groups.Remove(group, endpoint)
	return s.persistGroups()
}
