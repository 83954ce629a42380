// Package security implements the CCM*-based frame protection used by the
// network and APS layers: authenticated encryption with AES-128, the
// 13-byte Zigbee nonce, and the key material store.
package security

import (
	"crypto/aes"
	"errors"
	"fmt"
)

// ErrAuthenticationFailed is returned when the received MIC does not match
// the computed one. The plaintext buffer is zeroed before returning.
var ErrAuthenticationFailed = errors.New("security: authentication failed")

// NonceSize is the CCM* nonce length with a 2-byte length field (L=2).
const NonceSize = 13

// Level is the Zigbee security level from the security control byte.
type Level uint8

const (
	LevelNone      Level = 0x00
	LevelMIC32     Level = 0x01
	LevelMIC64     Level = 0x02
	LevelMIC128    Level = 0x03
	LevelEnc       Level = 0x04
	LevelEncMIC32  Level = 0x05
	LevelEncMIC64  Level = 0x06
	LevelEncMIC128 Level = 0x07
)

// MICLength returns the tag length in bytes for the level.
func (l Level) MICLength() int {
	switch l & 0x03 {
	case 0x01:
		return 4
	case 0x02:
		return 8
	case 0x03:
		return 16
	}
	return 0
}

// Encrypted reports whether the level encrypts the payload in addition to
// authenticating it.
func (l Level) Encrypted() bool { return l&0x04 != 0 }

// Nonce builds the 13-byte CCM* nonce: source IEEE address (8 bytes LE),
// frame counter (4 bytes LE), security control byte.
func Nonce(srcIEEE uint64, frameCounter uint32, control byte) [NonceSize]byte {
	var n [NonceSize]byte
	for i := 0; i < 8; i++ {
		n[i] = byte(srcIEEE >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		n[8+i] = byte(frameCounter >> (8 * i))
	}
	n[12] = control
	return n
}

// Encrypt applies CCM* to plaintext with the given AAD and returns the
// ciphertext and the micLen-byte MIC. MIC-only levels use Authenticate
// instead.
func Encrypt(key [16]byte, nonce [NonceSize]byte, aad, plaintext []byte, micLen int) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("security: %w", err)
	}
	tag := cbcMAC(block, nonce, aad, plaintext, micLen)

	ciphertext := make([]byte, len(plaintext))
	ctrXOR(block, nonce, plaintext, ciphertext)

	mic := maskTag(block, nonce, tag, micLen)
	return ciphertext, mic, nil
}

// Decrypt reverses Encrypt and verifies the MIC in constant time. On
// failure the decrypted buffer is zeroed and ErrAuthenticationFailed is
// returned.
func Decrypt(key [16]byte, nonce [NonceSize]byte, aad, ciphertext, mic []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	ctrXOR(block, nonce, ciphertext, plaintext)

	tag := cbcMAC(block, nonce, aad, plaintext, len(mic))
	want := maskTag(block, nonce, tag, len(mic))
	if !constantTimeEqual(want, mic) {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Authenticate computes the MIC over an unencrypted payload (MIC-only
// levels).
func Authenticate(key [16]byte, nonce [NonceSize]byte, aad, payload []byte, micLen int) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	tag := cbcMAC(block, nonce, aad, payload, micLen)
	return maskTag(block, nonce, tag, micLen), nil
}

// Verify checks the MIC over an unencrypted payload in constant time.
func Verify(key [16]byte, nonce [NonceSize]byte, aad, payload, mic []byte) error {
	want, err := Authenticate(key, nonce, aad, payload, len(mic))
	if err != nil {
		return err
	}
	if !constantTimeEqual(want, mic) {
		return ErrAuthenticationFailed
	}
	return nil
}

type cipherBlock interface {
	Encrypt(dst, src []byte)
}

// cbcMAC computes the raw CBC-MAC tag T over B0, the length-prefixed AAD
// and the message, each zero-padded to 16-byte blocks.
func cbcMAC(block cipherBlock, nonce [NonceSize]byte, aad, msg []byte, micLen int) []byte {
	var state [16]byte

	// B0: flags || nonce || message length (2 bytes, big-endian).
	// Flags: Adata(1) | M'=(micLen-2)/2 (3 bits) | L'=L-1=1 (3 bits).
	flags := byte(1) // L' = 1
	if micLen > 0 {
		flags |= byte((micLen-2)/2) << 3
	}
	if len(aad) > 0 {
		flags |= 0x40
	}
	state[0] = flags
	copy(state[1:14], nonce[:])
	state[14] = byte(len(msg) >> 8)
	state[15] = byte(len(msg))
	block.Encrypt(state[:], state[:])

	if len(aad) > 0 {
		// AAD is prefixed with its 2-byte big-endian length, then the
		// whole run is padded to full blocks.
		buf := make([]byte, 0, 2+len(aad))
		buf = append(buf, byte(len(aad)>>8), byte(len(aad)))
		buf = append(buf, aad...)
		absorb(block, &state, buf)
	}
	absorb(block, &state, msg)

	tag := make([]byte, 16)
	copy(tag, state[:])
	return tag
}

func absorb(block cipherBlock, state *[16]byte, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		for i, b := range data[off:end] {
			state[i] ^= b
		}
		block.Encrypt(state[:], state[:])
	}
}

// ctrXOR applies the CTR keystream starting at counter 1. Counter blocks
// are flags(L'=1) || nonce || 16-bit counter, counter big-endian.
func ctrXOR(block cipherBlock, nonce [NonceSize]byte, src, dst []byte) {
	var a, s [16]byte
	a[0] = 0x01
	copy(a[1:14], nonce[:])
	counter := uint16(1)
	for off := 0; off < len(src); off += 16 {
		a[14] = byte(counter >> 8)
		a[15] = byte(counter)
		block.Encrypt(s[:], a[:])
		end := off + 16
		if end > len(src) {
			end = len(src)
		}
		for i := off; i < end; i++ {
			dst[i] = src[i] ^ s[i-off]
		}
		counter++
	}
}

// maskTag encrypts the counter-0 block and XORs it into the first micLen
// bytes of the raw tag.
func maskTag(block cipherBlock, nonce [NonceSize]byte, tag []byte, micLen int) []byte {
	var a, s [16]byte
	a[0] = 0x01
	copy(a[1:14], nonce[:])
	block.Encrypt(s[:], a[:])
	mic := make([]byte, micLen)
	for i := 0; i < micLen; i++ {
		mic[i] = tag[i] ^ s[i]
	}
	return mic
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
