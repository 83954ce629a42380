package stack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"espzb/internal/flashstore"
	"espzb/internal/zigbee"
)

// Network config record layout:
// pan(2) extpan(8) channel(1) short(2) role(1) keyflag(1) key(16) keyseq(1).
const networkConfigSize = 32

// SaveNetworkConfig writes the active network parameters and key
// material to the persistent store. A no-op without a store.
func (s *Stack) SaveNetworkConfig() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	info := s.info
	onNetwork := s.onNetwork
	s.mu.Unlock()
	if !onNetwork {
		return fmt.Errorf("stack: nothing to persist: %w", zigbee.ErrInvalidState)
	}

	rec := make([]byte, 0, networkConfigSize)
	rec = binary.LittleEndian.AppendUint16(rec, uint16(info.PANID))
	rec = binary.LittleEndian.AppendUint64(rec, info.ExtPANID)
	rec = append(rec, info.Channel)
	rec = binary.LittleEndian.AppendUint16(rec, uint16(info.ShortAddr))
	rec = append(rec, uint8(s.cfg.Role))
	if key, seq, err := s.keys.NetworkKey(); err == nil {
		rec = append(rec, 1)
		rec = append(rec, key[:]...)
		rec = append(rec, seq)
	} else {
		rec = append(rec, 0)
		rec = append(rec, make([]byte, 17)...)
	}
	if err := s.store.Write(flashstore.KeyNetworkConfig, rec); err != nil {
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	}
	return nil
}

// restoreState loads persisted network parameters, key material, tables
// and the frame counter during construction. Missing records mean a
// fresh node.
func (s *Stack) restoreState() error {
	rec, err := s.store.Read(flashstore.KeyNetworkConfig)
	switch {
	case errors.Is(err, flashstore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	case len(rec) < networkConfigSize:
		s.logger.Warn("network config record malformed, ignoring", "len", len(rec))
	default:
		info := zigbee.NetworkInfo{
			PANID:     zigbee.PANID(binary.LittleEndian.Uint16(rec[0:2])),
			ExtPANID:  binary.LittleEndian.Uint64(rec[2:10]),
			Channel:   rec[10],
			ShortAddr: zigbee.ShortAddr(binary.LittleEndian.Uint16(rec[11:13])),
		}
		if rec[14] == 1 {
			var key [16]byte
			copy(key[:], rec[15:31])
			s.keys.SetNetworkKey(key, rec[31])
		}
		s.info = info
		s.onNetwork = true
		s.routeMgr.SetSelf(info.ShortAddr)
		if s.cfg.Role == zigbee.RoleCoordinator {
			s.macCoord = s.newMACCoordinator(info.PANID)
		}
		s.logger.Info("network state restored", "pan", info.PANID, "short", info.ShortAddr)
	}

	if rec, err := s.store.Read(flashstore.KeyBindingTable); err == nil {
		if err := s.bindings.Unmarshal(rec); err != nil {
			s.logger.Warn("binding table record malformed, ignoring", "err", err)
		}
	} else if !errors.Is(err, flashstore.ErrNotFound) {
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	}

	if rec, err := s.store.Read(flashstore.KeyGroupTable); err == nil {
		if err := s.groups.Unmarshal(rec); err != nil {
			s.logger.Warn("group table record malformed, ignoring", "err", err)
		}
	} else if !errors.Is(err, flashstore.ErrNotFound) {
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	}

	if rec, err := s.store.Read(flashstore.KeyFrameCounter); err == nil && len(rec) >= 4 {
		s.keys.RestoreFrameCounter(binary.LittleEndian.Uint32(rec))
	} else if err != nil && !errors.Is(err, flashstore.ErrNotFound) {
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	}
	return nil
}

func (s *Stack) persistBindings() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Write(flashstore.KeyBindingTable, s.bindings.Marshal()); err != nil {
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	}
	return nil
}

func (s *Stack) persistGroups() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Write(flashstore.KeyGroupTable, s.groups.Marshal()); err != nil {
		return fmt.Errorf("stack: %w: %v", zigbee.ErrStorageError, err)
	}
	return nil
}

// writeFrameCounter records a frame-counter checkpoint. The keystore
// calls it with a ceiling ahead of every issued value, so a restore
// after a crash cannot reissue a counter a frame already carried; Close
// writes the exact counter for a tighter resume.
func (s *Stack) writeFrameCounter(v uint32) {
	if s.store == nil {
		return
	}
	var rec [4]byte
	binary.LittleEndian.PutUint32(rec[:], v)
	if err := s.store.Write(flashstore.KeyFrameCounter, rec[:]); err != nil {
		s.logger.Warn("persist frame counter", "err", err)
	}
}
