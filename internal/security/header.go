package security

import (
	"encoding/binary"
	"fmt"
)

// KeyID selects which key protects a frame, from bits 3-4 of the security
// control byte.
type KeyID uint8

const (
	KeyIDData         KeyID = 0x00 // link key
	KeyIDNetwork      KeyID = 0x01
	KeyIDKeyTransport KeyID = 0x02
	KeyIDKeyLoad      KeyID = 0x03
)

const (
	controlLevelMask   = 0x07
	controlKeyIDShift  = 3
	controlKeyIDMask   = 0x18
	controlExtNonceBit = 0x20
)

// Header is the auxiliary security header carried in front of a protected
// payload.
type Header struct {
	Level         Level
	KeyID         KeyID
	ExtendedNonce bool   // source IEEE present
	FrameCounter  uint32 // little-endian on the wire
	SrcIEEE       uint64 // present iff ExtendedNonce
	KeySeq        uint8  // present iff KeyID == KeyIDNetwork
}

// Control assembles the security control byte.
func (h *Header) Control() byte {
	c := byte(h.Level)&controlLevelMask | byte(h.KeyID)<<controlKeyIDShift
	if h.ExtendedNonce {
		c |= controlExtNonceBit
	}
	return c
}

// Encode appends the wire form of the header to dst.
func (h *Header) Encode(dst []byte) []byte {
	dst = append(dst, h.Control())
	dst = binary.LittleEndian.AppendUint32(dst, h.FrameCounter)
	if h.ExtendedNonce {
		dst = binary.LittleEndian.AppendUint64(dst, h.SrcIEEE)
	}
	if h.KeyID == KeyIDNetwork {
		dst = append(dst, h.KeySeq)
	}
	return dst
}

// DecodeHeader parses a security header and returns it with the number of
// bytes consumed.
func DecodeHeader(data []byte) (*Header, int, error) {
	if len(data) < 5 {
		return nil, 0, fmt.Errorf("security: header truncated (%d bytes)", len(data))
	}
	h := &Header{
		Level:         Level(data[0] & controlLevelMask),
		KeyID:         KeyID(data[0] & controlKeyIDMask >> controlKeyIDShift),
		ExtendedNonce: data[0]&controlExtNonceBit != 0,
		FrameCounter:  binary.LittleEndian.Uint32(data[1:5]),
	}
	n := 5
	if h.ExtendedNonce {
		if len(data) < n+8 {
			return nil, 0, fmt.Errorf("security: header missing source address")
		}
		h.SrcIEEE = binary.LittleEndian.Uint64(data[n : n+8])
		n += 8
	}
	if h.KeyID == KeyIDNetwork {
		if len(data) < n+1 {
			return nil, 0, fmt.Errorf("security: header missing key sequence")
		}
		h.KeySeq = data[n]
		n++
	}
	return h, n, nil
}
