package phy

import (
	"context"
	"fmt"
	"sync"

	"espzb/internal/zigbee"
)

// Pipe is an in-memory radio medium. Radios joined to the pipe hear the
// transmissions of radios they are linked to, with a per-link LQI. Tests
// build multi-hop topologies with it; the demo binary uses it when no
// serial port is configured.
type Pipe struct {
	mu     sync.Mutex
	radios []*PipeRadio
}

// NewPipe creates an empty medium.
func NewPipe() *Pipe {
	return &Pipe{}
}

// Join adds a radio to the medium. The name is used in log output only.
func (p *Pipe) Join(name string) *PipeRadio {
	r := &PipeRadio{
		pipe:  p,
		name:  name,
		links: make(map[*PipeRadio]zigbee.LinkQuality),
		rx:    make(chan delivery, 64),
		done:  make(chan struct{}),
	}
	go r.deliverLoop()
	p.mu.Lock()
	p.radios = append(p.radios, r)
	p.mu.Unlock()
	return r
}

// Connect links two radios bidirectionally with the given LQI.
func (p *Pipe) Connect(a, b *PipeRadio, lqi uint8) {
	lq := zigbee.LinkQuality{LQI: lqi, RSSI: int8(int(lqi)/2 - 100)}
	a.mu.Lock()
	a.links[b] = lq
	a.mu.Unlock()
	b.mu.Lock()
	b.links[a] = lq
	b.mu.Unlock()
}

// Disconnect removes the link between two radios.
func (p *Pipe) Disconnect(a, b *PipeRadio) {
	a.mu.Lock()
	delete(a.links, b)
	a.mu.Unlock()
	b.mu.Lock()
	delete(b.links, a)
	b.mu.Unlock()
}

type delivery struct {
	raw []byte
	lq  zigbee.LinkQuality
}

// PipeRadio is one node's attachment to a Pipe.
type PipeRadio struct {
	pipe *Pipe
	name string

	mu       sync.Mutex
	links    map[*PipeRadio]zigbee.LinkQuality
	receiver Receiver

	rx        chan delivery
	done      chan struct{}
	closeOnce sync.Once
}

// Transmit encodes the frame and hands a copy to every linked radio.
// Delivery is asynchronous but ordered per receiver.
func (r *PipeRadio) Transmit(ctx context.Context, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw := f.Encode()

	r.mu.Lock()
	peers := make([]*PipeRadio, 0, len(r.links))
	quality := make([]zigbee.LinkQuality, 0, len(r.links))
	for peer, lq := range r.links {
		peers = append(peers, peer)
		quality = append(quality, lq)
	}
	r.mu.Unlock()

	for i, peer := range peers {
		d := delivery{raw: raw, lq: quality[i]}
		select {
		case peer.rx <- d:
		case <-peer.done:
		case <-ctx.Done():
			return fmt.Errorf("pipe radio %s: %w", r.name, ctx.Err())
		}
	}
	return nil
}

// SetReceiver installs the upcall for received frames.
func (r *PipeRadio) SetReceiver(recv Receiver) {
	r.mu.Lock()
	r.receiver = recv
	r.mu.Unlock()
}

// Close detaches the radio from the medium.
func (r *PipeRadio) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.pipe.mu.Lock()
		for i, pr := range r.pipe.radios {
			if pr == r {
				r.pipe.radios = append(r.pipe.radios[:i], r.pipe.radios[i+1:]...)
				break
			}
		}
		r.pipe.mu.Unlock()
	})
	return nil
}

func (r *PipeRadio) deliverLoop() {
	for {
		select {
		case <-r.done:
			return
		case d := <-r.rx:
			f, err := DecodeFrame(d.raw)
			if err != nil {
				continue // malformed on-air frame, drop
			}
			r.mu.Lock()
			recv := r.receiver
			r.mu.Unlock()
			if recv != nil {
				recv(f, d.lq)
			}
		}
	}
}
