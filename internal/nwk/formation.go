package nwk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"espzb/internal/zigbee"
)

// FormationParams are the requested network parameters. Zero values are
// filled in by ResolveFormation.
type FormationParams struct {
	PANID       zigbee.PANID
	ExtendedPAN uint64
	Channel     uint8
}

// ResolveFormation validates the requested parameters and fills unset
// ones: a zero PAN ID gets a random non-reserved value and a zero
// extended PAN ID defaults to the local IEEE address.
func ResolveFormation(p FormationParams, ieee zigbee.IEEEAddr) (FormationParams, error) {
	if !zigbee.ValidChannel(p.Channel) {
		return p, fmt.Errorf("channel %d: %w", p.Channel, zigbee.ErrInvalidParameter)
	}
	if p.PANID == 0 {
		pan, err := randomPAN()
		if err != nil {
			return p, fmt.Errorf("nwk: pick pan id: %w", err)
		}
		p.PANID = pan
	}
	if p.PANID == 0xFFFF {
		return p, fmt.Errorf("pan id 0xFFFF is reserved: %w", zigbee.ErrFormFailed)
	}
	if p.ExtendedPAN == 0 {
		p.ExtendedPAN = uint64(ieee)
	}
	return p, nil
}

func randomPAN() (zigbee.PANID, error) {
	var buf [2]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		pan := zigbee.PANID(binary.LittleEndian.Uint16(buf[:]))
		if pan != 0 && pan != 0xFFFF {
			return pan, nil
		}
	}
}

// PermitJoin tracks the association window of a coordinator or router.
// The window is driven by the owner's clock through Tick.
type PermitJoin struct {
	mu        sync.Mutex
	permanent bool
	remaining uint32 // seconds
}

// Open permits joining for the given number of seconds. Zero closes the
// window; 0xFF leaves it open until explicitly closed.
func (p *PermitJoin) Open(seconds uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch seconds {
	case 0:
		p.permanent = false
		p.remaining = 0
	case 0xFF:
		p.permanent = true
		p.remaining = 0
	default:
		p.permanent = false
		p.remaining = uint32(seconds)
	}
}

// Allowed reports whether association is currently permitted.
func (p *PermitJoin) Allowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permanent || p.remaining > 0
}

// Tick advances the window by the elapsed seconds and reports whether
// the window just closed.
func (p *PermitJoin) Tick(seconds uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permanent || p.remaining == 0 {
		return false
	}
	if seconds >= p.remaining {
		p.remaining = 0
		return true
	}
	p.remaining -= seconds
	return false
}
