package stack

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"espzb/internal/mac"
	"espzb/internal/nwk"
	"espzb/internal/timer"
	"espzb/internal/zigbee"
)

// FormNetwork starts a network with the configured parameters. A zero
// PAN ID is replaced with a random one; a missing network key is
// generated when security is enabled. Coordinator role only.
func (s *Stack) FormNetwork(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.Role != zigbee.RoleCoordinator {
		return fmt.Errorf("stack: form network as %v: %w", s.cfg.Role, zigbee.ErrInvalidState)
	}
	s.mu.Lock()
	if s.onNetwork {
		s.mu.Unlock()
		return fmt.Errorf("stack: already on a network: %w", zigbee.ErrInvalidState)
	}
	s.mu.Unlock()

	params, err := nwk.ResolveFormation(nwk.FormationParams{
		PANID:       s.cfg.PANID,
		ExtendedPAN: s.cfg.ExtendedPAN,
		Channel:     s.cfg.Channel,
	}, s.cfg.IEEE)
	if err != nil {
		return fmt.Errorf("stack: %w", err)
	}

	if s.cfg.Security && !s.keys.HasNetworkKey() {
		var key [16]byte
		if _, err := rand.Read(key[:]); err != nil {
			return fmt.Errorf("stack: generate network key: %w", err)
		}
		s.keys.SetNetworkKey(key, 0)
	}

	coord := s.newMACCoordinator(params.PANID)

	s.mu.Lock()
	s.macCoord = coord
	s.info = zigbee.NetworkInfo{
		PANID:     params.PANID,
		ExtPANID:  params.ExtendedPAN,
		Channel:   params.Channel,
		ShortAddr: zigbee.CoordinatorAddr,
	}
	s.onNetwork = true
	s.mu.Unlock()
	s.routeMgr.SetSelf(zigbee.CoordinatorAddr)

	if err := s.SaveNetworkConfig(); err != nil {
		s.logger.Warn("persist network config", "err", err)
	}
	s.logger.Info("network formed", "pan", params.PANID, "channel", params.Channel)
	s.bus.Emit(Event{Type: EventNetworkFormed, Data: s.info})
	return nil
}

func (s *Stack) newMACCoordinator(pan zigbee.PANID) *mac.Coordinator {
	coord := mac.NewCoordinator(pan, s.cfg.MaxDevices, s.transmitMAC, s.logger)
	coord.OnJoined(func(short zigbee.ShortAddr, ieee zigbee.IEEEAddr, _ mac.Capability) {
		s.mu.Lock()
		s.addrs[ieee] = short
		s.mu.Unlock()
		s.bus.Emit(Event{Type: EventDeviceJoined, Data: DeviceJoinedData{Short: short, IEEE: ieee}})
	})
	return coord
}

// JoinNetwork associates with the coordinator of the configured PAN.
// The association request, the response-wait window and the data-request
// polls are timer-driven; the call blocks until the device is associated,
// the attempt fails, or ctx expires.
func (s *Stack) JoinNetwork(ctx context.Context) error {
	if s.cfg.Role == zigbee.RoleCoordinator {
		return fmt.Errorf("stack: coordinator cannot join: %w", zigbee.ErrInvalidState)
	}
	if !zigbee.ValidChannel(s.cfg.Channel) {
		return fmt.Errorf("stack: channel %d: %w", s.cfg.Channel, zigbee.ErrInvalidParameter)
	}

	s.mu.Lock()
	if s.onNetwork {
		s.mu.Unlock()
		return fmt.Errorf("stack: already joined: %w", zigbee.ErrInvalidState)
	}
	if s.joinDone != nil {
		s.mu.Unlock()
		return zigbee.ErrAssociationInProgress
	}
	if s.macDev == nil {
		s.macDev = mac.NewDevice(s.cfg.IEEE, s.transmitMAC, s.logger)
	}
	s.macDev.Reset()
	done := make(chan error, 1)
	s.joinDone = done
	dev := s.macDev
	s.mu.Unlock()

	capability := mac.EndDeviceCapability()
	if s.cfg.Role == zigbee.RoleRouter {
		capability = mac.RouterCapability()
	}
	if err := dev.Start(s.cfg.PANID, zigbee.CoordinatorAddr, capability); err != nil {
		s.clearJoin()
		return err
	}

	ackID := s.scheduleOneShot(mac.AckTimeout, timer.ReasonAssociationTimeout, func() {
		dev.HandleAckTimeout()
		if dev.State() == mac.StateFailed {
			s.finishJoin(fmt.Errorf("stack: request not acknowledged: %w", zigbee.ErrAssociationFailed))
		}
	})
	pollStartID := s.scheduleOneShot(mac.ResponseWaitTime, timer.ReasonPollRate, func() {
		if err := dev.StartPolling(); err != nil {
			s.finishJoin(err)
		}
	})
	pollID := s.schedulePeriodic(mac.PollInterval, timer.ReasonPollRate, func() {
		if err := dev.PollTick(); err != nil {
			s.finishJoin(err)
		}
	})
	defer func() {
		s.cancelTimer(ackID)
		s.cancelTimer(pollStartID)
		s.cancelTimer(pollID)
	}()

	select {
	case <-ctx.Done():
		s.clearJoin()
		return fmt.Errorf("stack: join: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return err
		}
	}

	short := dev.ShortAddr()
	s.mu.Lock()
	s.info = zigbee.NetworkInfo{
		PANID:     s.cfg.PANID,
		ExtPANID:  s.cfg.ExtendedPAN,
		Channel:   s.cfg.Channel,
		ShortAddr: short,
	}
	s.onNetwork = true
	s.mu.Unlock()
	s.routeMgr.SetSelf(short)

	if err := s.SaveNetworkConfig(); err != nil {
		s.logger.Warn("persist network config", "err", err)
	}
	s.logger.Info("joined network", "pan", s.cfg.PANID, "short", short)
	s.bus.Emit(Event{Type: EventNetworkJoined, Data: s.info})
	return nil
}

// finishJoin resolves a blocked JoinNetwork call exactly once.
func (s *Stack) finishJoin(err error) {
	s.mu.Lock()
	done := s.joinDone
	s.joinDone = nil
	s.mu.Unlock()
	if done != nil {
		done <- err
	}
}

func (s *Stack) clearJoin() {
	s.mu.Lock()
	s.joinDone = nil
	s.mu.Unlock()
}

// PermitJoin opens the association window for the given number of
// seconds: 0 closes it, 0xFF leaves it open until closed.
func (s *Stack) PermitJoin(seconds uint8) error {
	s.mu.Lock()
	onNetwork := s.onNetwork
	s.mu.Unlock()
	if s.cfg.Role == zigbee.RoleEndDevice {
		return fmt.Errorf("stack: end device cannot permit joining: %w", zigbee.ErrInvalidState)
	}
	if !onNetwork {
		return fmt.Errorf("stack: not on a network: %w", zigbee.ErrInvalidState)
	}
	s.permit.Open(seconds)
	s.logger.Info("permit join", "seconds", seconds)
	s.bus.Emit(Event{Type: EventPermitJoin, Data: seconds != 0})
	return nil
}

// DiscoverRoute establishes a route to dst, blocking until discovery
// completes or times out. A route to self or an already-known route
// completes immediately.
func (s *Stack) DiscoverRoute(ctx context.Context, dst zigbee.ShortAddr) error {
	s.mu.Lock()
	onNetwork := s.onNetwork
	s.mu.Unlock()
	if !onNetwork {
		return fmt.Errorf("stack: not on a network: %w", zigbee.ErrInvalidState)
	}

	done, err := s.routeMgr.Discover(dst)
	if err != nil {
		return err
	}
	timeoutID := s.scheduleOneShot(nwk.DiscoveryTimeout*time.Second, timer.ReasonRouteDiscoveryTimeout, func() {
		s.routeMgr.FailDiscovery(dst)
	})
	defer s.cancelTimer(timeoutID)

	select {
	case <-ctx.Done():
		return fmt.Errorf("stack: route discovery: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

// Leave departs the network: a leave indication is broadcast, the
// network state is cleared, and tables tied to the network are dropped.
func (s *Stack) Leave(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.onNetwork {
		s.mu.Unlock()
		return fmt.Errorf("stack: not on a network: %w", zigbee.ErrInvalidState)
	}
	self := s.info.ShortAddr
	s.mu.Unlock()

	if err := s.sendNWKCommand(zigbee.BroadcastRxOn, self, nwk.EncodeLeave(0)); err != nil {
		s.logger.Warn("broadcast leave", "err", err)
	}

	s.mu.Lock()
	s.onNetwork = false
	s.info = zigbee.NetworkInfo{}
	if s.macDev != nil {
		s.macDev.Reset()
	}
	s.mu.Unlock()
	s.routeMgr.SetSelf(zigbee.ReservedAddr)

	s.logger.Info("left network")
	s.bus.Emit(Event{Type: EventNetworkLeft, Data: nil})
	return nil
}
