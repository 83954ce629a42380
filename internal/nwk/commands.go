package nwk

import (
	"encoding/binary"
	"fmt"

	"espzb/internal/zigbee"
)

// NWK command identifiers.
const (
	CmdRouteRequest   uint8 = 0x01
	CmdRouteReply     uint8 = 0x02
	CmdNetworkStatus  uint8 = 0x03
	CmdLeave          uint8 = 0x04
	CmdRouteRecord    uint8 = 0x05
	CmdRejoinRequest  uint8 = 0x06
	CmdRejoinResponse uint8 = 0x07
	CmdLinkStatus     uint8 = 0x08
)

// Network status codes carried in a CmdNetworkStatus payload.
const (
	StatusNoRouteAvailable    uint8 = 0x00
	StatusTreeLinkFailure     uint8 = 0x01
	StatusNonTreeLinkFailure  uint8 = 0x02
	StatusSourceRouteFailure  uint8 = 0x0B
)

// Route request option bits.
const (
	rreqManyToOneShift = 3
	rreqManyToOneMask  = 0x18
)

// ManyToOne is the many-to-one mode of a route request.
type ManyToOne uint8

const (
	ManyToOneNone        ManyToOne = 0
	ManyToOneNoRecord    ManyToOne = 1
	ManyToOneRouteRecord ManyToOne = 2
)

// RouteRequest is the RREQ command payload.
type RouteRequest struct {
	ManyToOne   ManyToOne
	RequestID   uint8
	Destination zigbee.ShortAddr
	PathCost    uint8
}

// Encode serializes the RREQ with its command id.
func (r *RouteRequest) Encode() []byte {
	out := make([]byte, 6)
	out[0] = CmdRouteRequest
	out[1] = byte(r.ManyToOne) << rreqManyToOneShift & rreqManyToOneMask
	out[2] = r.RequestID
	binary.LittleEndian.PutUint16(out[3:5], uint16(r.Destination))
	out[5] = r.PathCost
	return out
}

// DecodeRouteRequest parses a RREQ payload.
func DecodeRouteRequest(payload []byte) (*RouteRequest, error) {
	if len(payload) < 6 || payload[0] != CmdRouteRequest {
		return nil, fmt.Errorf("nwk: not a route request")
	}
	return &RouteRequest{
		ManyToOne:   ManyToOne(payload[1] & rreqManyToOneMask >> rreqManyToOneShift),
		RequestID:   payload[2],
		Destination: zigbee.ShortAddr(binary.LittleEndian.Uint16(payload[3:5])),
		PathCost:    payload[5],
	}, nil
}

// RouteReply is the RREP command payload.
type RouteReply struct {
	RequestID  uint8
	Originator zigbee.ShortAddr
	Responder  zigbee.ShortAddr
	PathCost   uint8
}

// Encode serializes the RREP with its command id.
func (r *RouteReply) Encode() []byte {
	out := make([]byte, 8)
	out[0] = CmdRouteReply
	out[1] = 0 // options
	out[2] = r.RequestID
	binary.LittleEndian.PutUint16(out[3:5], uint16(r.Originator))
	binary.LittleEndian.PutUint16(out[5:7], uint16(r.Responder))
	out[7] = r.PathCost
	return out
}

// DecodeRouteReply parses a RREP payload.
func DecodeRouteReply(payload []byte) (*RouteReply, error) {
	if len(payload) < 8 || payload[0] != CmdRouteReply {
		return nil, fmt.Errorf("nwk: not a route reply")
	}
	return &RouteReply{
		RequestID:  payload[2],
		Originator: zigbee.ShortAddr(binary.LittleEndian.Uint16(payload[3:5])),
		Responder:  zigbee.ShortAddr(binary.LittleEndian.Uint16(payload[5:7])),
		PathCost:   payload[7],
	}, nil
}

// NetworkStatus is the network-status command payload.
type NetworkStatus struct {
	Status      uint8
	Destination zigbee.ShortAddr
}

// Encode serializes the network status with its command id.
func (n *NetworkStatus) Encode() []byte {
	out := make([]byte, 4)
	out[0] = CmdNetworkStatus
	out[1] = n.Status
	binary.LittleEndian.PutUint16(out[2:4], uint16(n.Destination))
	return out
}

// DecodeNetworkStatus parses a network-status payload.
func DecodeNetworkStatus(payload []byte) (*NetworkStatus, error) {
	if len(payload) < 4 || payload[0] != CmdNetworkStatus {
		return nil, fmt.Errorf("nwk: not a network status")
	}
	return &NetworkStatus{
		Status:      payload[1],
		Destination: zigbee.ShortAddr(binary.LittleEndian.Uint16(payload[2:4])),
	}, nil
}

// LinkStatusEntry is one neighbor in a link-status command.
type LinkStatusEntry struct {
	Neighbor zigbee.ShortAddr
	Cost     uint8 // incoming cost low nibble, outgoing cost high nibble
}

// EncodeLinkStatus builds a link-status payload. first and last flag the
// fragments of a long neighbor list.
func EncodeLinkStatus(entries []LinkStatusEntry, first, last bool) []byte {
	options := uint8(len(entries)) & 0x1F
	if first {
		options |= 0x20
	}
	if last {
		options |= 0x40
	}
	out := make([]byte, 0, 2+3*len(entries))
	out = append(out, CmdLinkStatus, options)
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint16(out, uint16(e.Neighbor))
		out = append(out, e.Cost)
	}
	return out
}

// DecodeLinkStatus parses a link-status payload.
func DecodeLinkStatus(payload []byte) ([]LinkStatusEntry, error) {
	if len(payload) < 2 || payload[0] != CmdLinkStatus {
		return nil, fmt.Errorf("nwk: not a link status")
	}
	count := int(payload[1] & 0x1F)
	if len(payload) < 2+3*count {
		return nil, fmt.Errorf("nwk: link status truncated")
	}
	entries := make([]LinkStatusEntry, 0, count)
	for i := 0; i < count; i++ {
		off := 2 + 3*i
		entries = append(entries, LinkStatusEntry{
			Neighbor: zigbee.ShortAddr(binary.LittleEndian.Uint16(payload[off : off+2])),
			Cost:     payload[off+2],
		})
	}
	return entries, nil
}

// Leave command option bits.
const (
	LeaveRejoin         uint8 = 0x20
	LeaveRequest        uint8 = 0x40
	LeaveRemoveChildren uint8 = 0x80
)

// EncodeLeave builds a leave command payload.
func EncodeLeave(options uint8) []byte {
	return []byte{CmdLeave, options}
}

// LinkCostFromLQI maps a link quality indicator to the 1..7 routing cost
// scale. Better links cost less.
func LinkCostFromLQI(lqi uint8) uint8 {
	switch {
	case lqi >= 200:
		return 1
	case lqi >= 150:
		return 2
	case lqi >= 100:
		return 3
	case lqi >= 60:
		return 4
	case lqi >= 30:
		return 5
	case lqi >= 10:
		return 6
	default:
		return 7
	}
}
