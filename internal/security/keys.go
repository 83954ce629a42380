package security

import (
	"errors"
	"sync"
)

// DefaultTCLinkKey is the well-known trust-center link key
// "ZigBeeAlliance09".
var DefaultTCLinkKey = [16]byte{
	'Z', 'i', 'g', 'B', 'e', 'e', 'A', 'l',
	'l', 'i', 'a', 'n', 'c', 'e', '0', '9',
}

// counterPersistAhead is how far past the in-use frame counter the
// persisted value runs. The counter is not persisted on every increment;
// persisting a ceiling ahead of use means a crash restores to a value no
// frame could have carried.
const counterPersistAhead = 1024

// ErrNoNetworkKey is returned when a frame requires the network key before
// one has been provisioned.
var ErrNoNetworkKey = errors.New("security: no network key")

// KeyStore holds the active network key, the trust-center link key,
// per-device install codes, and the outgoing frame counter.
type KeyStore struct {
	mu             sync.Mutex
	networkKey     [16]byte
	networkSeq     uint8
	hasNetKey      bool
	tcLinkKey      [16]byte
	installCodes   map[uint64][16]byte
	frameCounter   uint32
	persistCeiling uint32
	persistFn      func(uint32)
}

// NewKeyStore creates a key store with the default trust-center link key
// and no network key.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		tcLinkKey:    DefaultTCLinkKey,
		installCodes: make(map[uint64][16]byte),
	}
}

// SetNetworkKey installs the active network key and its sequence number.
func (ks *KeyStore) SetNetworkKey(key [16]byte, seq uint8) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.networkKey = key
	ks.networkSeq = seq
	ks.hasNetKey = true
}

// NetworkKey returns the active network key and its sequence number.
func (ks *KeyStore) NetworkKey() ([16]byte, uint8, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.hasNetKey {
		return [16]byte{}, 0, ErrNoNetworkKey
	}
	return ks.networkKey, ks.networkSeq, nil
}

// HasNetworkKey reports whether a network key is provisioned.
func (ks *KeyStore) HasNetworkKey() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.hasNetKey
}

// TCLinkKey returns the trust-center link key.
func (ks *KeyStore) TCLinkKey() [16]byte {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.tcLinkKey
}

// SetTCLinkKey overrides the default trust-center link key.
func (ks *KeyStore) SetTCLinkKey(key [16]byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.tcLinkKey = key
}

// SetInstallCode registers a device-specific link key derived from an
// install code.
func (ks *KeyStore) SetInstallCode(ieee uint64, key [16]byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.installCodes[ieee] = key
}

// InstallCode looks up the install-code key for a device.
func (ks *KeyStore) InstallCode(ieee uint64) ([16]byte, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	key, ok := ks.installCodes[ieee]
	return key, ok
}

// OnPersistCounter registers the sink for frame-counter checkpoints. The
// callback receives a ceiling strictly above every counter value issued
// before the next checkpoint. It runs with the store locked and must
// not call back into the KeyStore.
func (ks *KeyStore) OnPersistCounter(fn func(uint32)) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.persistFn = fn
}

// NextFrameCounter returns the next outgoing frame counter value. Values
// never repeat for the same key within the uint32 space. Crossing the
// persisted ceiling checkpoints the next block before the value is used.
func (ks *KeyStore) NextFrameCounter() uint32 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	c := ks.frameCounter
	ks.frameCounter++
	if c >= ks.persistCeiling && ks.persistFn != nil {
		ks.persistCeiling = c + counterPersistAhead
		ks.persistFn(ks.persistCeiling)
	}
	return c
}

// FrameCounter returns the current outgoing frame counter without
// consuming a value.
func (ks *KeyStore) FrameCounter() uint32 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.frameCounter
}

// RestoreFrameCounter resumes the counter from a persisted ceiling. The
// ceiling was written ahead of use, so resuming at it cannot reissue a
// value any transmitted frame carried.
func (ks *KeyStore) RestoreFrameCounter(persisted uint32) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.frameCounter = persisted
	ks.persistCeiling = persisted
}
