// Package flashstore is a log-structured key/value layer over raw flash
// sectors. Records append sequentially; a read returns the payload of the
// most recently written valid entry for a key. The network configuration,
// binding table, group table and outgoing frame counter live here.
package flashstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Well-known record keys.
const (
	KeyNetworkConfig uint8 = 0x01
	KeyBindingTable  uint8 = 0x02
	KeyGroupTable    uint8 = 0x03
	KeyFrameCounter  uint8 = 0x04
)

const (
	magic       = 0x5A494742 // "ZIGB"
	version     = 0x01
	headerSize  = 8 // magic(4) + version(1) + reserved(1) + size-low-16(2)
	entrySize   = 6 // key(1) + length(2) + crc(2) + valid(1)
	validFlag   = 0x01
	deletedFlag = 0x00
	erasedByte  = 0xFF

	// compactThreshold triggers a reformat once the write offset passes
	// this fraction of the region, in percent.
	compactThreshold = 75
)

// ErrNotFound is returned when no valid entry exists for a key.
var ErrNotFound = errors.New("flashstore: key not found")

// ErrNotMounted is returned when the store is used before New succeeded.
var ErrNotMounted = errors.New("flashstore: not mounted")

// Store is the log-structured store over one contiguous flash region.
type Store struct {
	flash    Flash
	base     uint32
	size     uint32
	writeOff uint32
	logger   *slog.Logger
}

// New mounts the store at base in the given flash. Size must be a
// multiple of the sector size. A region without a valid header is
// formatted.
func New(flash Flash, base, size uint32, logger *slog.Logger) (*Store, error) {
	if size == 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("flashstore: size %d not a multiple of %d", size, SectorSize)
	}
	if base%SectorSize != 0 {
		return nil, fmt.Errorf("flashstore: base 0x%X not sector aligned", base)
	}
	if base+size > flash.Size() {
		return nil, fmt.Errorf("flashstore: region [0x%X,0x%X) exceeds flash size %d", base, base+size, flash.Size())
	}
	s := &Store{flash: flash, base: base, size: size, logger: logger}

	var hdr [headerSize]byte
	if err := flash.ReadAt(base, hdr[:]); err != nil {
		return nil, fmt.Errorf("flashstore: read header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic || hdr[4] != version {
		s.logger.Info("flash region unformatted, formatting", "base", fmt.Sprintf("0x%X", base), "size", size)
		if err := s.Format(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Format erases the region and writes a fresh header. All records are lost.
func (s *Store) Format() error {
	first := s.base / SectorSize
	for i := uint32(0); i < s.size/SectorSize; i++ {
		if err := s.flash.EraseSector(first + i); err != nil {
			return fmt.Errorf("flashstore: erase sector %d: %w", first+i, err)
		}
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	hdr[4] = version
	hdr[5] = 0 // reserved
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(s.size))
	if err := s.flash.WriteAt(s.base, hdr[:]); err != nil {
		return fmt.Errorf("flashstore: write header: %w", err)
	}
	s.writeOff = headerSize
	return nil
}

// scan walks the log to find the append position.
func (s *Store) scan() error {
	off := uint32(headerSize)
	var eh [entrySize]byte
	for off+entrySize <= s.size {
		if err := s.flash.ReadAt(s.base+off, eh[:]); err != nil {
			return fmt.Errorf("flashstore: scan at %d: %w", off, err)
		}
		if eh[0] == erasedByte {
			break // end of log
		}
		length := binary.LittleEndian.Uint16(eh[1:3])
		off += entrySize + uint32(length)
		if off > s.size {
			// Torn tail write; treat the rest as free space.
			s.logger.Warn("flashstore: truncated entry at log tail, discarding")
			off -= entrySize + uint32(length)
			break
		}
	}
	s.writeOff = off
	return nil
}

// Write appends a record for key. If the region has passed the compaction
// threshold it is reformatted first; earlier records of other keys are
// dropped, which the application tolerates by re-saving on restart.
func (s *Store) Write(key uint8, data []byte) error {
	if s.flash == nil {
		return ErrNotMounted
	}
	if key == erasedByte {
		return fmt.Errorf("flashstore: key 0x%02X reserved", key)
	}
	if len(data) > int(^uint16(0)) {
		return fmt.Errorf("flashstore: payload %d bytes too large", len(data))
	}
	need := uint32(entrySize + len(data))
	if s.writeOff+need > s.size*compactThreshold/100 {
		s.logger.Info("flashstore: compaction threshold reached, reformatting",
			"writeOff", s.writeOff, "size", s.size)
		if err := s.Format(); err != nil {
			return err
		}
	}
	if s.writeOff+need > s.size {
		return fmt.Errorf("flashstore: record of %d bytes does not fit region", len(data))
	}

	buf := make([]byte, need)
	buf[0] = key
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	binary.LittleEndian.PutUint16(buf[3:5], crc16(data))
	buf[5] = validFlag
	copy(buf[entrySize:], data)

	if err := s.flash.WriteAt(s.base+s.writeOff, buf); err != nil {
		return fmt.Errorf("flashstore: write key 0x%02X: %w", key, err)
	}
	s.writeOff += need
	return nil
}

// Delete appends a tombstone for key; subsequent reads return ErrNotFound
// until the key is written again.
func (s *Store) Delete(key uint8) error {
	if s.flash == nil {
		return ErrNotMounted
	}
	var buf [entrySize]byte
	buf[0] = key
	binary.LittleEndian.PutUint16(buf[1:3], 0)
	binary.LittleEndian.PutUint16(buf[3:5], crc16(nil))
	buf[5] = deletedFlag
	if s.writeOff+entrySize > s.size {
		if err := s.Format(); err != nil {
			return err
		}
		return nil // nothing to delete after reformat
	}
	if err := s.flash.WriteAt(s.base+s.writeOff, buf[:]); err != nil {
		return fmt.Errorf("flashstore: delete key 0x%02X: %w", key, err)
	}
	s.writeOff += entrySize
	return nil
}

// Read returns the payload of the newest valid record for key.
func (s *Store) Read(key uint8) ([]byte, error) {
	if s.flash == nil {
		return nil, ErrNotMounted
	}
	var (
		found   bool
		deleted bool
		payload []byte
	)
	off := uint32(headerSize)
	var eh [entrySize]byte
	for off+entrySize <= s.writeOff {
		if err := s.flash.ReadAt(s.base+off, eh[:]); err != nil {
			return nil, fmt.Errorf("flashstore: read at %d: %w", off, err)
		}
		length := binary.LittleEndian.Uint16(eh[1:3])
		if eh[0] == key {
			switch eh[5] {
			case validFlag:
				data := make([]byte, length)
				if err := s.flash.ReadAt(s.base+off+entrySize, data); err != nil {
					return nil, fmt.Errorf("flashstore: read payload at %d: %w", off, err)
				}
				if crc16(data) == binary.LittleEndian.Uint16(eh[3:5]) {
					payload, found, deleted = data, true, false
				} else {
					s.logger.Warn("flashstore: CRC mismatch, skipping record",
						"key", fmt.Sprintf("0x%02X", key), "offset", off)
				}
			case deletedFlag:
				found, deleted = false, true
			}
		}
		off += entrySize + uint32(length)
	}
	if !found || deleted {
		return nil, fmt.Errorf("key 0x%02X: %w", key, ErrNotFound)
	}
	return payload, nil
}

// WriteOffset reports the current append position, mainly for tests and
// the diagnostics endpoint.
func (s *Store) WriteOffset() uint32 {
	return s.writeOff
}
