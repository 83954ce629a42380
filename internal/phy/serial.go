package phy

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"espzb/internal/zigbee"
)

// Serial link framing: every packet is sig(2) 0x5A 0x42, length u16 LE,
// payload, CRC-16 LE over the payload. The payload is the encoded MAC
// frame followed by LQI and RSSI bytes appended by the co-processor on
// receive (absent on transmit).
const (
	serialSig0 = 0x5A
	serialSig1 = 0x42
)

const serialMaxPayload = 2048

// SerialRadio drives an 802.15.4 radio co-processor over a UART.
type SerialRadio struct {
	port     serial.Port
	portName string
	reader   *bufio.Reader
	logger   *slog.Logger

	writeMu sync.Mutex

	recvMu   sync.RWMutex
	receiver Receiver

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerialRadio opens the co-processor port and starts the read loop.
func OpenSerialRadio(portName string, baudRate int, logger *slog.Logger) (*SerialRadio, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial radio: open %s: %w", portName, err)
	}

	// USB CDC ACM co-processors need DTR/RTS asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	r := &SerialRadio{
		port:     port,
		portName: portName,
		reader:   bufio.NewReader(port),
		logger:   logger.With("component", "serial-radio"),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

// Transmit frames the MAC frame and writes it to the port.
func (r *SerialRadio) Transmit(ctx context.Context, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw := f.Encode()
	pkt := encodePacket(raw)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.port.Write(pkt); err != nil {
		return fmt.Errorf("serial radio: write: %w", err)
	}
	return nil
}

// SetReceiver installs the upcall for received frames.
func (r *SerialRadio) SetReceiver(recv Receiver) {
	r.recvMu.Lock()
	r.receiver = recv
	r.recvMu.Unlock()
}

// Close stops the read loop and closes the port.
func (r *SerialRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.port.Close()
		r.wg.Wait()
	})
	return err
}

func (r *SerialRadio) readLoop() {
	defer r.wg.Done()
	for {
		payload, err := readPacket(r.reader)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if err == io.EOF {
				r.logger.Warn("serial port closed")
				return
			}
			r.logger.Debug("bad packet", "err", err)
			continue
		}
		if len(payload) < 2 {
			continue
		}
		// Trailing LQI/RSSI appended by the co-processor.
		lq := zigbee.LinkQuality{
			LQI:  payload[len(payload)-2],
			RSSI: int8(payload[len(payload)-1]),
		}
		f, err := DecodeFrame(payload[:len(payload)-2])
		if err != nil {
			r.logger.Debug("bad frame", "err", err)
			continue
		}
		r.recvMu.RLock()
		recv := r.receiver
		r.recvMu.RUnlock()
		if recv != nil {
			recv(f, lq)
		}
	}
}

// encodePacket wraps a payload in the serial link framing.
func encodePacket(payload []byte) []byte {
	pkt := make([]byte, 0, 6+len(payload))
	pkt = append(pkt, serialSig0, serialSig1)
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(payload)))
	pkt = append(pkt, payload...)
	pkt = binary.LittleEndian.AppendUint16(pkt, crc16(payload))
	return pkt
}

// readPacket scans for the signature, then reads length, payload and CRC.
func readPacket(r *bufio.Reader) ([]byte, error) {
	// Resynchronize on the 2-byte signature. Runs of the first byte are
	// consumed one at a time: in 5A 5A 42 the second 5A is a fresh
	// signature start, not a failed match.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != serialSig0 {
			continue
		}
		for b == serialSig0 {
			b, err = r.ReadByte()
			if err != nil {
				return nil, err
			}
		}
		if b == serialSig1 {
			break
		}
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(lenBuf[:])
	if int(length) > serialMaxPayload {
		return nil, fmt.Errorf("serial radio: payload length %d too large", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var crcBuf [2]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(crcBuf[:]) != crc16(payload) {
		return nil, fmt.Errorf("serial radio: CRC mismatch")
	}
	return payload, nil
}

// crc16 is CRC-16/CCITT-FALSE, the same polynomial the persistent store
// uses.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
