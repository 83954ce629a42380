package stack

import "fmt"

// ProfileHomeAutomation is the ZCL home automation profile. APS data on
// this profile is additionally surfaced as ZclCommand events.
const ProfileHomeAutomation = 0x0104

// Well-known cluster names for event consumers and diagnostics. Cluster
// behavior lives with the application, not here.
var clusterNames = map[uint16]string{
	0x0000: "basic",
	0x0001: "power_configuration",
	0x0003: "identify",
	0x0004: "groups",
	0x0005: "scenes",
	0x0006: "on_off",
	0x0008: "level_control",
	0x0019: "ota_upgrade",
	0x0101: "door_lock",
	0x0102: "window_covering",
	0x0201: "thermostat",
	0x0300: "color_control",
	0x0400: "illuminance",
	0x0402: "temperature",
	0x0403: "pressure",
	0x0405: "humidity",
	0x0406: "occupancy",
	0x0500: "ias_zone",
	0x0702: "metering",
	0x0B04: "electrical_measurement",
}

// ClusterName returns a human-readable name for a cluster id.
func ClusterName(cluster uint16) string {
	if name, ok := clusterNames[cluster]; ok {
		return name
	}
	return fmt.Sprintf("cluster_0x%04X", cluster)
}

// ZCL frame control bits.
const (
	zclFrameTypeMask        = 0x03
	zclManufacturerSpecific = 0x04
	zclDirectionServer      = 0x08
)

type zclHeader struct {
	frameControl uint8
	manufacturer uint16
	seq          uint8
	command      uint8
}

// parseZclHeader splits a ZCL payload into its header and body. Only the
// header shape is interpreted; command semantics stay with the consumer.
func parseZclHeader(data []byte) (zclHeader, []byte, error) {
	if len(data) < 3 {
		return zclHeader{}, nil, fmt.Errorf("stack: zcl frame truncated (%d bytes)", len(data))
	}
	h := zclHeader{frameControl: data[0]}
	off := 1
	if h.frameControl&zclManufacturerSpecific != 0 {
		if len(data) < 5 {
			return zclHeader{}, nil, fmt.Errorf("stack: zcl frame missing manufacturer code")
		}
		h.manufacturer = uint16(data[1]) | uint16(data[2])<<8
		off = 3
	}
	h.seq = data[off]
	h.command = data[off+1]
	return h, data[off+2:], nil
}
