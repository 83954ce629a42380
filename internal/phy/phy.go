package phy

import (
	"context"

	"espzb/internal/zigbee"
)

// Receiver is invoked for every frame heard on the medium. It runs on the
// radio's delivery goroutine; implementations must not block indefinitely.
type Receiver func(f *Frame, lq zigbee.LinkQuality)

// Radio is the transmit/receive port the MAC layer drives. Address
// filtering happens above this interface; a Radio delivers everything it
// hears.
type Radio interface {
	Transmit(ctx context.Context, f *Frame) error
	SetReceiver(r Receiver)
	Close() error
}
