package mac

import (
	"log/slog"
	"testing"

	"espzb/internal/phy"
	"espzb/internal/zigbee"
)

func assocRequestFrame(ieee zigbee.IEEEAddr, cap Capability) *phy.Frame {
	return &phy.Frame{
		Type:    phy.FrameCommand,
		DstMode: phy.AddrShort,
		DstShort: zigbee.CoordinatorAddr,
		SrcMode: phy.AddrExtended,
		SrcExt:  ieee,
		Payload: EncodeAssociationRequest(cap),
	}
}

func pollFrame(ieee zigbee.IEEEAddr) *phy.Frame {
	return &phy.Frame{
		Type:    phy.FrameCommand,
		DstMode: phy.AddrShort,
		DstShort: zigbee.CoordinatorAddr,
		SrcMode: phy.AddrExtended,
		SrcExt:  ieee,
		Payload: EncodeDataRequest(),
	}
}

func TestCoordinatorAllocatesOnPoll(t *testing.T) {
	var sent frameLog
	c := NewCoordinator(0x1A62, 50, sent.send, slog.Default())

	var joinedShort zigbee.ShortAddr
	var joinedIEEE zigbee.IEEEAddr
	c.OnJoined(func(short zigbee.ShortAddr, ieee zigbee.IEEEAddr, _ Capability) {
		joinedShort, joinedIEEE = short, ieee
	})

	if !c.HandleFrame(assocRequestFrame(testIEEE, EndDeviceCapability())) {
		t.Fatal("request not consumed")
	}
	// The response is parked until the device polls.
	if sent.count() != 0 {
		t.Fatalf("response sent before poll")
	}

	if !c.HandleFrame(pollFrame(testIEEE)) {
		t.Fatal("poll not consumed")
	}
	resp := sent.last(t)
	if resp.DstMode != phy.AddrExtended || resp.DstExt != testIEEE {
		t.Errorf("response addressing: %+v", resp)
	}
	short, status, err := DecodeAssociationResponse(resp.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if status != AssocStatusSuccess || short != 0x0001 {
		t.Errorf("short = %v status = %d, want 0x0001/success", short, status)
	}
	if joinedShort != 0x0001 || joinedIEEE != testIEEE {
		t.Errorf("joined callback: short %v ieee %v", joinedShort, joinedIEEE)
	}

	// A second poll finds no pending entry.
	if c.HandleFrame(pollFrame(testIEEE)) {
		t.Error("poll consumed after entry was cleared")
	}
}

func TestCoordinatorIdempotentPerIEEE(t *testing.T) {
	var sent frameLog
	c := NewCoordinator(1, 50, sent.send, slog.Default())

	c.HandleFrame(assocRequestFrame(testIEEE, EndDeviceCapability()))
	c.HandleFrame(pollFrame(testIEEE))
	first, _, _ := DecodeAssociationResponse(sent.last(t).Payload)

	// Retransmitted request must reuse the same allocation.
	c.HandleFrame(assocRequestFrame(testIEEE, EndDeviceCapability()))
	c.HandleFrame(pollFrame(testIEEE))
	second, _, _ := DecodeAssociationResponse(sent.last(t).Payload)

	if first != second {
		t.Errorf("re-request allocated %v, first was %v", second, first)
	}
	if c.DeviceCount() != 1 {
		t.Errorf("device count = %d, want 1", c.DeviceCount())
	}
}

func TestCoordinatorNeverIssuesReservedAddresses(t *testing.T) {
	var sent frameLog
	c := NewCoordinator(1, 0xFFF0, sent.send, slog.Default())

	seen := make(map[zigbee.ShortAddr]bool)
	for i := 0; i < 300; i++ {
		ieee := zigbee.IEEEAddr(0x1000 + i)
		c.HandleFrame(assocRequestFrame(ieee, EndDeviceCapability()))
		c.HandleFrame(pollFrame(ieee))
		short, status, err := DecodeAssociationResponse(sent.last(t).Payload)
		if err != nil {
			t.Fatal(err)
		}
		if status != AssocStatusSuccess {
			t.Fatalf("device %d rejected with status %d", i, status)
		}
		switch short {
		case zigbee.CoordinatorAddr, zigbee.BroadcastAll, zigbee.ReservedAddr, zigbee.BroadcastRxOn:
			t.Fatalf("reserved address %v issued", short)
		}
		if seen[short] {
			t.Fatalf("address %v issued twice", short)
		}
		seen[short] = true
	}
}

func TestCoordinatorPanAtCapacity(t *testing.T) {
	var sent frameLog
	c := NewCoordinator(1, 2, sent.send, slog.Default())

	for i := 0; i < 2; i++ {
		ieee := zigbee.IEEEAddr(0x2000 + i)
		c.HandleFrame(assocRequestFrame(ieee, EndDeviceCapability()))
		c.HandleFrame(pollFrame(ieee))
	}

	full := zigbee.IEEEAddr(0x2FFF)
	c.HandleFrame(assocRequestFrame(full, EndDeviceCapability()))
	c.HandleFrame(pollFrame(full))
	_, status, err := DecodeAssociationResponse(sent.last(t).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if status != AssocStatusPanAtCapacity {
		t.Errorf("status = %d, want pan at capacity", status)
	}
}

func TestCoordinatorRemoveFreesAddress(t *testing.T) {
	var sent frameLog
	c := NewCoordinator(1, 1, sent.send, slog.Default())

	c.HandleFrame(assocRequestFrame(testIEEE, EndDeviceCapability()))
	c.HandleFrame(pollFrame(testIEEE))
	c.Remove(testIEEE)

	other := zigbee.IEEEAddr(0x3000)
	c.HandleFrame(assocRequestFrame(other, EndDeviceCapability()))
	c.HandleFrame(pollFrame(other))
	_, status, err := DecodeAssociationResponse(sent.last(t).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if status != AssocStatusSuccess {
		t.Errorf("status = %d, want success after capacity freed", status)
	}
}

func TestCapabilityEncoding(t *testing.T) {
	cases := []struct {
		cap  Capability
		ffd  bool
		rxOn bool
	}{
		{RouterCapability(), true, true},
		{EndDeviceCapability(), false, false},
	}
	for _, tc := range cases {
		if tc.cap.IsFFD() != tc.ffd {
			t.Errorf("cap 0x%02X: ffd = %v", tc.cap, tc.cap.IsFFD())
		}
		if tc.cap.RxOnWhenIdle() != tc.rxOn {
			t.Errorf("cap 0x%02X: rx-on = %v", tc.cap, tc.cap.RxOnWhenIdle())
		}
	}
	// Round-trip through the request codec.
	got, err := DecodeAssociationRequest(EncodeAssociationRequest(RouterCapability()))
	if err != nil {
		t.Fatal(err)
	}
	if got != RouterCapability() {
		t.Errorf("capability round trip = 0x%02X", got)
	}
}
