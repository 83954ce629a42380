package mac

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"espzb/internal/phy"
	"espzb/internal/zigbee"
)

// DeviceState is the client-side association state.
type DeviceState uint8

const (
	StateIdle DeviceState = iota
	StateRequestSent
	StateWaitingForResponse
	StatePollingForResponse
	StateAssociated
	StateFailed
)

func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request_sent"
	case StateWaitingForResponse:
		return "waiting_for_response"
	case StatePollingForResponse:
		return "polling_for_response"
	case StateAssociated:
		return "associated"
	default:
		return "failed"
	}
}

// Association protocol timing.
const (
	AckTimeout       = time.Second            // MAC ACK of the request
	ResponseWaitTime = 500 * time.Millisecond // macResponseWaitTime before first poll
	PollInterval     = 500 * time.Millisecond
	MaxPolls         = 5
)

// Sender transmits an encoded MAC frame. The facade wires it to the radio.
type Sender func(f *phy.Frame) error

// Device runs the client side of association. The owner drives the
// timers: it calls HandleAckTimeout, StartPolling and PollTick from its
// timer loop and HandleFrame from its receive path.
type Device struct {
	mu     sync.Mutex
	state  DeviceState
	ieee   zigbee.IEEEAddr
	pan    zigbee.PANID
	parent zigbee.ShortAddr
	short  zigbee.ShortAddr
	reqSeq uint8
	seq    uint8
	polls  int
	send   Sender
	logger *slog.Logger
}

// NewDevice creates an idle association client for the given extended
// address.
func NewDevice(ieee zigbee.IEEEAddr, send Sender, logger *slog.Logger) *Device {
	return &Device{
		ieee:   ieee,
		short:  zigbee.ReservedAddr,
		send:   send,
		logger: logger.With("component", "mac"),
	}
}

// State returns the current association state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ShortAddr returns the assigned short address, valid once Associated.
func (d *Device) ShortAddr() zigbee.ShortAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.short
}

// Parent returns the short address of the device's parent.
func (d *Device) Parent() zigbee.ShortAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// Reset returns a Failed or Associated machine to Idle.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateIdle
	d.short = zigbee.ReservedAddr
	d.polls = 0
}

// Start sends the association request to the coordinator at parent on the
// given PAN. Fails with ErrAssociationInProgress unless the machine is
// Idle.
func (d *Device) Start(pan zigbee.PANID, parent zigbee.ShortAddr, cap Capability) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateIdle:
	case StateAssociated:
		return fmt.Errorf("mac: already associated: %w", zigbee.ErrInvalidState)
	default:
		return zigbee.ErrAssociationInProgress
	}

	d.pan = pan
	d.parent = parent
	d.seq++
	d.reqSeq = d.seq
	f := &phy.Frame{
		Type:       phy.FrameCommand,
		AckRequest: true,
		Seq:        d.reqSeq,
		DstMode:    phy.AddrShort,
		DstPAN:     pan,
		DstShort:   parent,
		SrcMode:    phy.AddrExtended,
		SrcPAN:     0xFFFF, // not yet on a PAN
		SrcExt:     d.ieee,
		Payload:    EncodeAssociationRequest(cap),
	}
	if err := d.send(f); err != nil {
		d.state = StateFailed
		return fmt.Errorf("mac: send association request: %w", err)
	}
	d.state = StateRequestSent
	d.logger.Debug("association request sent", "pan", pan, "parent", parent)
	return nil
}

// HandleAckTimeout fails the machine if the request was never acknowledged.
func (d *Device) HandleAckTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateRequestSent {
		d.logger.Warn("association request not acknowledged")
		d.state = StateFailed
	}
}

// StartPolling moves from WaitingForResponse to PollingForResponse and
// sends the first data request. Called once macResponseWaitTime elapses.
func (d *Device) StartPolling() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateWaitingForResponse {
		return nil
	}
	d.state = StatePollingForResponse
	d.polls = 0
	return d.pollLocked()
}

// PollTick sends the next data request. After MaxPolls without a response
// the machine fails.
func (d *Device) PollTick() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StatePollingForResponse {
		return nil
	}
	if d.polls >= MaxPolls {
		d.logger.Warn("association response never arrived", "polls", d.polls)
		d.state = StateFailed
		return zigbee.ErrAssociationFailed
	}
	return d.pollLocked()
}

func (d *Device) pollLocked() error {
	d.polls++
	d.seq++
	f := &phy.Frame{
		Type:       phy.FrameCommand,
		AckRequest: true,
		Seq:        d.seq,
		DstMode:    phy.AddrShort,
		DstPAN:     d.pan,
		DstShort:   d.parent,
		SrcMode:    phy.AddrExtended,
		SrcPAN:     d.pan,
		SrcExt:     d.ieee,
		Payload:    EncodeDataRequest(),
	}
	if err := d.send(f); err != nil {
		return fmt.Errorf("mac: send data request: %w", err)
	}
	return nil
}

// HandleFrame processes ACKs and association responses addressed to this
// device. Frames for other devices are ignored. Returns true once the
// machine reached a terminal state because of this frame.
func (d *Device) HandleFrame(f *phy.Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f.Type == phy.FrameAck {
		if d.state == StateRequestSent && f.Seq == d.reqSeq {
			d.state = StateWaitingForResponse
			d.logger.Debug("association request acknowledged")
		}
		return false
	}

	if f.Type != phy.FrameCommand || len(f.Payload) == 0 || f.Payload[0] != CmdAssociationResponse {
		return false
	}
	if f.DstMode == phy.AddrExtended && f.DstExt != d.ieee {
		return false
	}
	if d.state != StateWaitingForResponse && d.state != StatePollingForResponse {
		return false
	}

	short, status, err := DecodeAssociationResponse(f.Payload)
	if err != nil {
		return false
	}
	if status != AssocStatusSuccess {
		d.logger.Warn("association rejected", "status", status)
		d.state = StateFailed
		return true
	}
	d.short = short
	d.state = StateAssociated
	d.logger.Info("associated", "short", short)
	return true
}
