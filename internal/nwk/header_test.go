package nwk

import (
	"bytes"
	"testing"

	"espzb/internal/zigbee"
)

func roundTripHeader(t *testing.T, h *Header) *Header {
	t.Helper()
	wire := h.Encode(nil)
	got, n, err := DecodeHeader(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed %d of %d bytes", n, len(wire))
	}
	return got
}

func TestHeaderRoundTripMinimal(t *testing.T) {
	h := &Header{
		Type:     FrameData,
		DstShort: 0x1234,
		SrcShort: 0x5678,
		Radius:   30,
		Seq:      42,
	}
	got := roundTripHeader(t, h)
	if got.Type != FrameData || got.DstShort != 0x1234 || got.SrcShort != 0x5678 {
		t.Errorf("addressing mismatch: %+v", got)
	}
	if got.Version != ProtocolVersion {
		t.Errorf("version = %d, want %d", got.Version, ProtocolVersion)
	}
	if got.Radius != 30 || got.Seq != 42 {
		t.Errorf("radius/seq mismatch: %+v", got)
	}
	if got.DstIEEE != nil || got.SrcIEEE != nil || got.SourceRoute != nil {
		t.Errorf("unexpected optional fields: %+v", got)
	}
}

func TestHeaderRoundTripAllOptions(t *testing.T) {
	dstIEEE := zigbee.IEEEAddr(0x1122334455667788)
	srcIEEE := zigbee.IEEEAddr(0x8877665544332211)
	h := &Header{
		Type:          FrameCommand,
		DiscoverRoute: DiscoverEnable,
		Security:      true,
		Multicast:     true,
		DstShort:      zigbee.BroadcastRxOn,
		SrcShort:      0x0001,
		Radius:        5,
		Seq:           200,
		DstIEEE:       &dstIEEE,
		SrcIEEE:       &srcIEEE,
		MulticastControl: 0x07,
		SourceRoute: &SourceRoute{
			RelayIndex: 1,
			Relays:     []zigbee.ShortAddr{0x000A, 0x000B},
		},
	}
	got := roundTripHeader(t, h)
	if got.Type != FrameCommand || !got.Security || !got.Multicast {
		t.Errorf("flags mismatch: %+v", got)
	}
	if got.DiscoverRoute != DiscoverEnable {
		t.Errorf("discover route = %d", got.DiscoverRoute)
	}
	if got.DstIEEE == nil || *got.DstIEEE != dstIEEE {
		t.Errorf("dst IEEE = %v", got.DstIEEE)
	}
	if got.SrcIEEE == nil || *got.SrcIEEE != srcIEEE {
		t.Errorf("src IEEE = %v", got.SrcIEEE)
	}
	if got.MulticastControl != 0x07 {
		t.Errorf("multicast control = 0x%02X", got.MulticastControl)
	}
	if got.SourceRoute == nil || got.SourceRoute.RelayIndex != 1 ||
		len(got.SourceRoute.Relays) != 2 || got.SourceRoute.Relays[1] != 0x000B {
		t.Errorf("source route = %+v", got.SourceRoute)
	}
}

func TestHeaderDecodeTruncated(t *testing.T) {
	srcIEEE := zigbee.IEEEAddr(1)
	full := (&Header{Type: FrameData, SrcIEEE: &srcIEEE}).Encode(nil)
	for i := 0; i < len(full); i++ {
		if _, _, err := DecodeHeader(full[:i]); err == nil {
			t.Errorf("no error decoding %d of %d bytes", i, len(full))
		}
	}
}

func TestHeaderPayloadFollows(t *testing.T) {
	h := &Header{Type: FrameData, DstShort: 1, SrcShort: 2, Radius: 1, Seq: 1}
	wire := h.Encode(nil)
	wire = append(wire, 0xDE, 0xAD)
	_, n, err := DecodeHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire[n:], []byte{0xDE, 0xAD}) {
		t.Errorf("payload after header = % X", wire[n:])
	}
}
