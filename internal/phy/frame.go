// Package phy adapts the stack's frame representation to the IEEE
// 802.15.4 radio: the MAC frame codec, the radio port interface, an
// in-memory medium for multi-node tests, and a serial transport to a
// radio co-processor.
package phy

import (
	"encoding/binary"
	"fmt"

	"espzb/internal/zigbee"
)

// FrameType is the 802.15.4 frame type from the frame control field.
type FrameType uint8

const (
	FrameBeacon  FrameType = 0
	FrameData    FrameType = 1
	FrameAck     FrameType = 2
	FrameCommand FrameType = 3
)

// AddrMode selects the addressing fields present in the MAC header.
type AddrMode uint8

const (
	AddrNone     AddrMode = 0
	AddrShort    AddrMode = 2
	AddrExtended AddrMode = 3
)

// Frame control field bit layout.
const (
	fcfTypeMask      = 0x0007
	fcfSecurity      = 0x0008
	fcfFramePending  = 0x0010
	fcfAckRequest    = 0x0020
	fcfPANCompress   = 0x0040
	fcfDstModeShift  = 10
	fcfVersionShift  = 12
	fcfSrcModeShift  = 14
	fcfFrameVersion  = 0x01 // 802.15.4-2006
)

// Frame is a decoded MAC frame. The FCS is appended and checked by the
// transport, not carried here.
type Frame struct {
	Type         FrameType
	Security     bool
	FramePending bool
	AckRequest   bool
	PANCompress  bool
	Seq          uint8

	DstMode  AddrMode
	DstPAN   zigbee.PANID
	DstShort zigbee.ShortAddr
	DstExt   zigbee.IEEEAddr

	SrcMode  AddrMode
	SrcPAN   zigbee.PANID
	SrcShort zigbee.ShortAddr
	SrcExt   zigbee.IEEEAddr

	Payload []byte
}

// Encode serializes the frame: frame control (2), sequence (1), addressing
// fields per the mode bits, payload. All fields little-endian.
func (f *Frame) Encode() []byte {
	fcf := uint16(f.Type) & fcfTypeMask
	if f.Security {
		fcf |= fcfSecurity
	}
	if f.FramePending {
		fcf |= fcfFramePending
	}
	if f.AckRequest {
		fcf |= fcfAckRequest
	}
	if f.PANCompress {
		fcf |= fcfPANCompress
	}
	fcf |= uint16(f.DstMode) << fcfDstModeShift
	fcf |= fcfFrameVersion << fcfVersionShift
	fcf |= uint16(f.SrcMode) << fcfSrcModeShift

	out := make([]byte, 0, 3+20+len(f.Payload))
	out = binary.LittleEndian.AppendUint16(out, fcf)
	out = append(out, f.Seq)

	if f.DstMode != AddrNone {
		out = binary.LittleEndian.AppendUint16(out, uint16(f.DstPAN))
		if f.DstMode == AddrShort {
			out = binary.LittleEndian.AppendUint16(out, uint16(f.DstShort))
		} else {
			out = binary.LittleEndian.AppendUint64(out, uint64(f.DstExt))
		}
	}
	if f.SrcMode != AddrNone {
		if !f.PANCompress {
			out = binary.LittleEndian.AppendUint16(out, uint16(f.SrcPAN))
		}
		if f.SrcMode == AddrShort {
			out = binary.LittleEndian.AppendUint16(out, uint16(f.SrcShort))
		} else {
			out = binary.LittleEndian.AppendUint64(out, uint64(f.SrcExt))
		}
	}
	return append(out, f.Payload...)
}

// DecodeFrame parses an encoded MAC frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("phy: frame truncated (%d bytes)", len(data))
	}
	fcf := binary.LittleEndian.Uint16(data[0:2])
	f := &Frame{
		Type:         FrameType(fcf & fcfTypeMask),
		Security:     fcf&fcfSecurity != 0,
		FramePending: fcf&fcfFramePending != 0,
		AckRequest:   fcf&fcfAckRequest != 0,
		PANCompress:  fcf&fcfPANCompress != 0,
		DstMode:      AddrMode(fcf >> fcfDstModeShift & 0x03),
		SrcMode:      AddrMode(fcf >> fcfSrcModeShift & 0x03),
		Seq:          data[2],
	}
	off := 3

	need := func(n int) error {
		if len(data) < off+n {
			return fmt.Errorf("phy: frame truncated in addressing fields")
		}
		return nil
	}

	if f.DstMode != AddrNone {
		if err := need(2); err != nil {
			return nil, err
		}
		f.DstPAN = zigbee.PANID(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if f.DstMode == AddrShort {
			if err := need(2); err != nil {
				return nil, err
			}
			f.DstShort = zigbee.ShortAddr(binary.LittleEndian.Uint16(data[off:]))
			off += 2
		} else {
			if err := need(8); err != nil {
				return nil, err
			}
			f.DstExt = zigbee.IEEEAddr(binary.LittleEndian.Uint64(data[off:]))
			off += 8
		}
	}
	if f.SrcMode != AddrNone {
		if f.PANCompress {
			f.SrcPAN = f.DstPAN
		} else {
			if err := need(2); err != nil {
				return nil, err
			}
			f.SrcPAN = zigbee.PANID(binary.LittleEndian.Uint16(data[off:]))
			off += 2
		}
		if f.SrcMode == AddrShort {
			if err := need(2); err != nil {
				return nil, err
			}
			f.SrcShort = zigbee.ShortAddr(binary.LittleEndian.Uint16(data[off:]))
			off += 2
		} else {
			if err := need(8); err != nil {
				return nil, err
			}
			f.SrcExt = zigbee.IEEEAddr(binary.LittleEndian.Uint64(data[off:]))
			off += 8
		}
	}
	f.Payload = append([]byte(nil), data[off:]...)
	return f, nil
}
