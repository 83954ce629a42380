// Package zigbee holds the address types, reserved values and error
// taxonomy shared by the MAC, network, APS and facade layers.
package zigbee

import "fmt"

// ShortAddr is the 16-bit network address assigned when a device joins.
type ShortAddr uint16

// Reserved short addresses.
const (
	CoordinatorAddr ShortAddr = 0x0000
	BroadcastRxOn   ShortAddr = 0xFFFD // broadcast to rx-on-when-idle devices
	ReservedAddr    ShortAddr = 0xFFFE // "address unknown" placeholder
	BroadcastAll    ShortAddr = 0xFFFF
)

// IsBroadcast reports whether the address is one of the broadcast values.
func (a ShortAddr) IsBroadcast() bool {
	return a >= BroadcastRxOn
}

// IsAssignable reports whether the address may be handed to a joining
// device.
func (a ShortAddr) IsAssignable() bool {
	return a != CoordinatorAddr && a < BroadcastRxOn
}

func (a ShortAddr) String() string { return fmt.Sprintf("0x%04X", uint16(a)) }

// IEEEAddr is the permanent 64-bit extended address of a device.
type IEEEAddr uint64

func (a IEEEAddr) String() string { return fmt.Sprintf("%016X", uint64(a)) }

// GroupID identifies an APS multicast group.
type GroupID uint16

func (g GroupID) String() string { return fmt.Sprintf("0x%04X", uint16(g)) }

// PANID identifies a personal area network.
type PANID uint16

func (p PANID) String() string { return fmt.Sprintf("0x%04X", uint16(p)) }

// Channel bounds for 802.15.4 in the 2.4 GHz band.
const (
	ChannelMin = 11
	ChannelMax = 26
)

// ValidChannel reports whether ch is a usable 2.4 GHz channel.
func ValidChannel(ch uint8) bool {
	return ch >= ChannelMin && ch <= ChannelMax
}

// NetworkInfo describes the joined or formed network. Present only while
// the device is on a network.
type NetworkInfo struct {
	PANID     PANID
	ExtPANID  uint64
	Channel   uint8
	ShortAddr ShortAddr
}

// Role is the device's place in the network.
type Role uint8

const (
	RoleCoordinator Role = iota
	RoleRouter
	RoleEndDevice
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleRouter:
		return "router"
	default:
		return "end_device"
	}
}

// LinkQuality carries the per-frame radio quality indicators.
type LinkQuality struct {
	LQI  uint8
	RSSI int8
}
