package phy

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"espzb/internal/zigbee"
)

func newTestReader(t *testing.T, data []byte) *bufio.Reader {
	t.Helper()
	return bufio.NewReader(bytes.NewReader(data))
}

func waitFrame(t *testing.T, ch <-chan *Frame) *Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestPipeDeliversToLinkedRadio(t *testing.T) {
	p := NewPipe()
	a := p.Join("a")
	b := p.Join("b")
	defer a.Close()
	defer b.Close()
	p.Connect(a, b, 200)

	got := make(chan *Frame, 1)
	var gotLQ zigbee.LinkQuality
	b.SetReceiver(func(f *Frame, lq zigbee.LinkQuality) {
		gotLQ = lq
		got <- f
	})

	f := &Frame{
		Type: FrameData, Seq: 9,
		DstMode: AddrShort, DstPAN: 1, DstShort: 0x0002,
		SrcMode: AddrShort, SrcPAN: 1, SrcShort: 0x0001,
		Payload: []byte("hello"),
	}
	if err := a.Transmit(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	rx := waitFrame(t, got)
	if string(rx.Payload) != "hello" || rx.Seq != 9 {
		t.Errorf("received %+v", rx)
	}
	if gotLQ.LQI != 200 {
		t.Errorf("lqi = %d, want 200", gotLQ.LQI)
	}
}

func TestPipeRespectsTopology(t *testing.T) {
	p := NewPipe()
	a := p.Join("a")
	b := p.Join("b")
	c := p.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()
	// Line topology a-b-c: a and c cannot hear each other.
	p.Connect(a, b, 255)
	p.Connect(b, c, 255)

	heardByC := make(chan *Frame, 1)
	c.SetReceiver(func(f *Frame, _ zigbee.LinkQuality) { heardByC <- f })
	heardByB := make(chan *Frame, 1)
	b.SetReceiver(func(f *Frame, _ zigbee.LinkQuality) { heardByB <- f })

	f := &Frame{Type: FrameData, DstMode: AddrShort, DstPAN: 1, DstShort: zigbee.BroadcastAll,
		SrcMode: AddrShort, SrcPAN: 1, SrcShort: 0x0001}
	if err := a.Transmit(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	waitFrame(t, heardByB)
	select {
	case <-heardByC:
		t.Fatal("c heard a frame from a without a link")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipeDisconnect(t *testing.T) {
	p := NewPipe()
	a := p.Join("a")
	b := p.Join("b")
	defer a.Close()
	defer b.Close()
	p.Connect(a, b, 255)
	p.Disconnect(a, b)

	heard := make(chan *Frame, 1)
	b.SetReceiver(func(f *Frame, _ zigbee.LinkQuality) { heard <- f })

	f := &Frame{Type: FrameData, DstMode: AddrShort, SrcMode: AddrShort}
	if err := a.Transmit(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	select {
	case <-heard:
		t.Fatal("frame delivered over removed link")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipeTransmitAfterPeerClose(t *testing.T) {
	p := NewPipe()
	a := p.Join("a")
	b := p.Join("b")
	p.Connect(a, b, 255)
	b.Close()

	// Must not block or error: the medium does not care who listens.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f := &Frame{Type: FrameData, DstMode: AddrShort, SrcMode: AddrShort}
	if err := a.Transmit(ctx, f); err != nil {
		t.Fatal(err)
	}
	a.Close()
}
