// Package nwk implements the Zigbee network layer: the frame codec, AODV
// route discovery, the routing and discovery tables, tree address
// allocation (Cskip) and network formation state.
package nwk

import (
	"encoding/binary"
	"fmt"

	"espzb/internal/zigbee"
)

// FrameType is the NWK frame type from the frame control field.
type FrameType uint8

const (
	FrameData    FrameType = 0
	FrameCommand FrameType = 1
)

// ProtocolVersion is the Zigbee PRO protocol version carried in every
// frame.
const ProtocolVersion = 2

// DiscoverRoute values from the frame control field.
type DiscoverRoute uint8

const (
	DiscoverNone   DiscoverRoute = 0
	DiscoverEnable DiscoverRoute = 1
)

// Frame control bit layout (16 bits, little-endian on the wire):
// type(0-1), protocol version(2-5), discover-route(6-7), multicast(8),
// security(9), source-route(10), dst-IEEE(11), src-IEEE(12).
const (
	fcTypeMask        = 0x0003
	fcVersionShift    = 2
	fcVersionMask     = 0x003C
	fcDiscoverShift   = 6
	fcDiscoverMask    = 0x00C0
	fcMulticast       = 0x0100
	fcSecurity        = 0x0200
	fcSourceRoute     = 0x0400
	fcDstIEEEPresent  = 0x0800
	fcSrcIEEEPresent  = 0x1000
)

// SourceRoute is the optional relay subframe.
type SourceRoute struct {
	RelayIndex uint8
	Relays     []zigbee.ShortAddr
}

// Header is the NWK frame header.
type Header struct {
	Type          FrameType
	Version       uint8
	DiscoverRoute DiscoverRoute
	Multicast     bool
	Security      bool

	DstShort zigbee.ShortAddr
	SrcShort zigbee.ShortAddr
	Radius   uint8
	Seq      uint8

	DstIEEE *zigbee.IEEEAddr
	SrcIEEE *zigbee.IEEEAddr

	MulticastControl uint8 // present iff Multicast
	SourceRoute      *SourceRoute
}

// Encode appends the wire form of the header to dst.
func (h *Header) Encode(dst []byte) []byte {
	fc := uint16(h.Type) & fcTypeMask
	version := h.Version
	if version == 0 {
		version = ProtocolVersion
	}
	fc |= uint16(version) << fcVersionShift & fcVersionMask
	fc |= uint16(h.DiscoverRoute) << fcDiscoverShift & fcDiscoverMask
	if h.Multicast {
		fc |= fcMulticast
	}
	if h.Security {
		fc |= fcSecurity
	}
	if h.SourceRoute != nil {
		fc |= fcSourceRoute
	}
	if h.DstIEEE != nil {
		fc |= fcDstIEEEPresent
	}
	if h.SrcIEEE != nil {
		fc |= fcSrcIEEEPresent
	}

	dst = binary.LittleEndian.AppendUint16(dst, fc)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.DstShort))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.SrcShort))
	dst = append(dst, h.Radius, h.Seq)
	if h.DstIEEE != nil {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(*h.DstIEEE))
	}
	if h.SrcIEEE != nil {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(*h.SrcIEEE))
	}
	if h.Multicast {
		dst = append(dst, h.MulticastControl)
	}
	if h.SourceRoute != nil {
		dst = append(dst, uint8(len(h.SourceRoute.Relays)), h.SourceRoute.RelayIndex)
		for _, r := range h.SourceRoute.Relays {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(r))
		}
	}
	return dst
}

// DecodeHeader parses a NWK header and returns it with the number of
// bytes consumed.
func DecodeHeader(data []byte) (*Header, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("nwk: header truncated (%d bytes)", len(data))
	}
	fc := binary.LittleEndian.Uint16(data[0:2])
	h := &Header{
		Type:          FrameType(fc & fcTypeMask),
		Version:       uint8(fc & fcVersionMask >> fcVersionShift),
		DiscoverRoute: DiscoverRoute(fc & fcDiscoverMask >> fcDiscoverShift),
		Multicast:     fc&fcMulticast != 0,
		Security:      fc&fcSecurity != 0,
		DstShort:      zigbee.ShortAddr(binary.LittleEndian.Uint16(data[2:4])),
		SrcShort:      zigbee.ShortAddr(binary.LittleEndian.Uint16(data[4:6])),
		Radius:        data[6],
		Seq:           data[7],
	}
	off := 8
	if fc&fcDstIEEEPresent != 0 {
		if len(data) < off+8 {
			return nil, 0, fmt.Errorf("nwk: header missing destination IEEE")
		}
		addr := zigbee.IEEEAddr(binary.LittleEndian.Uint64(data[off:]))
		h.DstIEEE = &addr
		off += 8
	}
	if fc&fcSrcIEEEPresent != 0 {
		if len(data) < off+8 {
			return nil, 0, fmt.Errorf("nwk: header missing source IEEE")
		}
		addr := zigbee.IEEEAddr(binary.LittleEndian.Uint64(data[off:]))
		h.SrcIEEE = &addr
		off += 8
	}
	if h.Multicast {
		if len(data) < off+1 {
			return nil, 0, fmt.Errorf("nwk: header missing multicast control")
		}
		h.MulticastControl = data[off]
		off++
	}
	if fc&fcSourceRoute != 0 {
		if len(data) < off+2 {
			return nil, 0, fmt.Errorf("nwk: header missing source route")
		}
		count := int(data[off])
		sr := &SourceRoute{RelayIndex: data[off+1]}
		off += 2
		if len(data) < off+2*count {
			return nil, 0, fmt.Errorf("nwk: source route relay list truncated")
		}
		for i := 0; i < count; i++ {
			sr.Relays = append(sr.Relays, zigbee.ShortAddr(binary.LittleEndian.Uint16(data[off:])))
			off += 2
		}
		h.SourceRoute = sr
	}
	return h, off, nil
}
