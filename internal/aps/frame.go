// Package aps implements the Zigbee application support sublayer: the
// frame codec, fragmentation and reassembly, acknowledgements, and the
// binding and group tables.
package aps

import (
	"encoding/binary"
	"fmt"

	"espzb/internal/zigbee"
)

// FrameType from the APS frame control field.
type FrameType uint8

const (
	FrameData    FrameType = 0
	FrameCommand FrameType = 1
	FrameAck     FrameType = 2
)

// Delivery mode from the APS frame control field.
type Delivery uint8

const (
	DeliveryUnicast   Delivery = 0
	DeliveryBroadcast Delivery = 2
	DeliveryGroup     Delivery = 3
)

// Frame control bit layout: type(0-1), delivery mode(2-3), ack format(4),
// security(5), ack request(6), extended header present(7).
const (
	fcTypeMask      = 0x03
	fcDeliveryShift = 2
	fcDeliveryMask  = 0x0C
	fcAckFormat     = 0x10
	fcSecurity      = 0x20
	fcAckRequest    = 0x40
	fcExtHeader     = 0x80
)

// Fragmentation state carried in the extended header.
type Fragmentation uint8

const (
	FragNone  Fragmentation = 0
	FragFirst Fragmentation = 1
	FragPart  Fragmentation = 2
)

// ExtHeader is the optional extended header used by fragmented frames.
// The first fragment's BlockNumber carries the total fragment count;
// subsequent fragments carry their index.
type ExtHeader struct {
	Fragmentation Fragmentation
	BlockNumber   uint8
}

// Frame is an APS frame.
type Frame struct {
	Type       FrameType
	Delivery   Delivery
	Security   bool
	AckRequest bool

	DstEndpoint uint8
	Group       zigbee.GroupID // delivery == DeliveryGroup only
	Cluster     uint16
	Profile     uint16
	SrcEndpoint uint8
	Counter     uint8

	Ext     *ExtHeader
	Payload []byte
}

// Encode serializes the frame.
func (f *Frame) Encode() []byte {
	fc := uint8(f.Type) & fcTypeMask
	fc |= uint8(f.Delivery) << fcDeliveryShift & fcDeliveryMask
	if f.Type == FrameAck && f.Ext == nil {
		// Acks without a payload use the short ack format.
		fc |= fcAckFormat
	}
	if f.Security {
		fc |= fcSecurity
	}
	if f.AckRequest {
		fc |= fcAckRequest
	}
	if f.Ext != nil {
		fc |= fcExtHeader
	}

	out := make([]byte, 0, 10+len(f.Payload))
	out = append(out, fc)
	if f.Delivery == DeliveryGroup {
		out = binary.LittleEndian.AppendUint16(out, uint16(f.Group))
	} else {
		out = append(out, f.DstEndpoint)
	}
	out = binary.LittleEndian.AppendUint16(out, f.Cluster)
	out = binary.LittleEndian.AppendUint16(out, f.Profile)
	out = append(out, f.SrcEndpoint, f.Counter)
	if f.Ext != nil {
		out = append(out, uint8(f.Ext.Fragmentation)&0x03, f.Ext.BlockNumber)
	}
	return append(out, f.Payload...)
}

// Decode parses an APS frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("aps: frame truncated (%d bytes)", len(data))
	}
	fc := data[0]
	f := &Frame{
		Type:       FrameType(fc & fcTypeMask),
		Delivery:   Delivery(fc & fcDeliveryMask >> fcDeliveryShift),
		Security:   fc&fcSecurity != 0,
		AckRequest: fc&fcAckRequest != 0,
	}
	off := 1
	if f.Delivery == DeliveryGroup {
		if len(data) < off+2 {
			return nil, fmt.Errorf("aps: frame missing group address")
		}
		f.Group = zigbee.GroupID(binary.LittleEndian.Uint16(data[off:]))
		off += 2
	} else {
		f.DstEndpoint = data[off]
		off++
	}
	if len(data) < off+6 {
		return nil, fmt.Errorf("aps: frame truncated (%d bytes)", len(data))
	}
	f.Cluster = binary.LittleEndian.Uint16(data[off:])
	f.Profile = binary.LittleEndian.Uint16(data[off+2:])
	f.SrcEndpoint = data[off+4]
	f.Counter = data[off+5]
	off += 6
	if fc&fcExtHeader != 0 {
		if len(data) < off+2 {
			return nil, fmt.Errorf("aps: frame missing extended header")
		}
		f.Ext = &ExtHeader{
			Fragmentation: Fragmentation(data[off] & 0x03),
			BlockNumber:   data[off+1],
		}
		off += 2
	}
	if off < len(data) {
		f.Payload = append([]byte(nil), data[off:]...)
	}
	return f, nil
}

// AckFor builds the acknowledgement for a received frame. Fragmented
// frames are acked per block.
func AckFor(f *Frame) *Frame {
	ack := &Frame{
		Type:        FrameAck,
		Delivery:    DeliveryUnicast,
		DstEndpoint: f.SrcEndpoint,
		Cluster:     f.Cluster,
		Profile:     f.Profile,
		SrcEndpoint: f.DstEndpoint,
		Counter:     f.Counter,
	}
	if f.Ext != nil {
		ack.Ext = &ExtHeader{Fragmentation: f.Ext.Fragmentation, BlockNumber: f.Ext.BlockNumber}
	}
	return ack
}
