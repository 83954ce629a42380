package security

import (
	"bytes"
	"errors"
	"testing"
)

var testKey = [16]byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
}

var testNonce = [NonceSize]byte{
	0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
	0x88, 0x99, 0xAA, 0xBB, 0xCC,
}

func TestEncryptDeterministic(t *testing.T) {
	aad := []byte("AAD")
	plaintext := []byte("HELLO")

	ct1, mic1, err := Encrypt(testKey, testNonce, aad, plaintext, 4)
	if err != nil {
		t.Fatal(err)
	}
	ct2, mic2, err := Encrypt(testKey, testNonce, aad, plaintext, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ct1, ct2) || !bytes.Equal(mic1, mic2) {
		t.Error("same inputs produced different outputs")
	}
	if len(mic1) != 4 {
		t.Errorf("mic length = %d, want 4", len(mic1))
	}
	if bytes.Equal(ct1, plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	got, err := Decrypt(testKey, testNonce, aad, ct1, mic1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HELLO" {
		t.Errorf("decrypt = %q, want HELLO", got)
	}
}

func TestRoundTripAllMICLengths(t *testing.T) {
	plaintext := []byte("a payload that spans more than one AES block for good measure")
	aad := []byte{0x01, 0x02, 0x03, 0x04}

	for _, micLen := range []int{4, 8, 16} {
		ct, mic, err := Encrypt(testKey, testNonce, aad, plaintext, micLen)
		if err != nil {
			t.Fatalf("micLen %d: %v", micLen, err)
		}
		got, err := Decrypt(testKey, testNonce, aad, ct, mic)
		if err != nil {
			t.Fatalf("micLen %d: %v", micLen, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("micLen %d: round trip mismatch", micLen)
		}
	}
}

func TestRoundTripEmptyAAD(t *testing.T) {
	ct, mic, err := Encrypt(testKey, testNonce, nil, []byte("no aad"), 8)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(testKey, testNonce, nil, ct, mic)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "no aad" {
		t.Errorf("decrypt = %q", got)
	}
}

func TestTamperDetection(t *testing.T) {
	aad := []byte("header bytes")
	plaintext := []byte("tamper target payload")

	ct, mic, err := Encrypt(testKey, testNonce, aad, plaintext, 8)
	if err != nil {
		t.Fatal(err)
	}

	// Flip each bit of the ciphertext.
	for i := range ct {
		for bit := 0; bit < 8; bit++ {
			bad := bytes.Clone(ct)
			bad[i] ^= 1 << bit
			if _, err := Decrypt(testKey, testNonce, aad, bad, mic); !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("ciphertext bit %d.%d: err = %v, want auth failure", i, bit, err)
			}
		}
	}
	// Flip each bit of the MIC.
	for i := range mic {
		for bit := 0; bit < 8; bit++ {
			bad := bytes.Clone(mic)
			bad[i] ^= 1 << bit
			if _, err := Decrypt(testKey, testNonce, aad, ct, bad); !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("mic bit %d.%d: err = %v, want auth failure", i, bit, err)
			}
		}
	}
	// Tampered AAD.
	badAAD := bytes.Clone(aad)
	badAAD[0] ^= 0x80
	if _, err := Decrypt(testKey, testNonce, badAAD, ct, mic); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("aad: err = %v, want auth failure", err)
	}
}

func TestAuthenticateVerify(t *testing.T) {
	payload := []byte("clear but authenticated")
	aad := []byte("nwk header")

	mic, err := Authenticate(testKey, testNonce, aad, payload, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(testKey, testNonce, aad, payload, mic); err != nil {
		t.Fatal(err)
	}

	bad := bytes.Clone(payload)
	bad[3] ^= 0x01
	if err := Verify(testKey, testNonce, aad, bad, mic); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want auth failure", err)
	}
}

func TestNonceLayout(t *testing.T) {
	n := Nonce(0x0011223344556677, 0xA1B2C3D4, 0x05)

	// IEEE little-endian.
	wantAddr := []byte{0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00}
	if !bytes.Equal(n[0:8], wantAddr) {
		t.Errorf("addr = % X, want % X", n[0:8], wantAddr)
	}
	// Frame counter little-endian.
	wantFC := []byte{0xD4, 0xC3, 0xB2, 0xA1}
	if !bytes.Equal(n[8:12], wantFC) {
		t.Errorf("counter = % X, want % X", n[8:12], wantFC)
	}
	if n[12] != 0x05 {
		t.Errorf("control = 0x%02X, want 0x05", n[12])
	}
}

func TestLevelProperties(t *testing.T) {
	cases := []struct {
		level   Level
		micLen  int
		encrypt bool
	}{
		{LevelNone, 0, false},
		{LevelMIC32, 4, false},
		{LevelMIC64, 8, false},
		{LevelMIC128, 16, false},
		{LevelEnc, 0, true},
		{LevelEncMIC32, 4, true},
		{LevelEncMIC64, 8, true},
		{LevelEncMIC128, 16, true},
	}
	for _, c := range cases {
		if got := c.level.MICLength(); got != c.micLen {
			t.Errorf("level %d: mic length = %d, want %d", c.level, got, c.micLen)
		}
		if got := c.level.Encrypted(); got != c.encrypt {
			t.Errorf("level %d: encrypted = %v, want %v", c.level, got, c.encrypt)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Level:         LevelEncMIC32,
		KeyID:         KeyIDNetwork,
		ExtendedNonce: true,
		FrameCounter:  0x12345678,
		SrcIEEE:       0x0011223344556677,
		KeySeq:        3,
	}
	wire := h.Encode(nil)

	got, n, err := DecodeHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(wire) {
		t.Errorf("consumed %d of %d bytes", n, len(wire))
	}
	if *got != *h {
		t.Errorf("decoded %+v, want %+v", got, h)
	}
}

func TestHeaderMinimal(t *testing.T) {
	h := &Header{Level: LevelMIC32, KeyID: KeyIDData, FrameCounter: 7}
	wire := h.Encode(nil)
	if len(wire) != 5 {
		t.Fatalf("wire length = %d, want 5", len(wire))
	}
	got, _, err := DecodeHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.FrameCounter != 7 || got.ExtendedNonce {
		t.Errorf("decoded %+v", got)
	}
}

func TestKeyStoreFrameCounter(t *testing.T) {
	ks := NewKeyStore()
	if ks.NextFrameCounter() != 0 || ks.NextFrameCounter() != 1 {
		t.Error("counter did not start at 0 and increment")
	}

	ks.RestoreFrameCounter(100)
	if got := ks.NextFrameCounter(); got != 100 {
		t.Errorf("restored counter = %d, want 100", got)
	}
}

func TestKeyStoreCounterCheckpointAheadOfUse(t *testing.T) {
	ks := NewKeyStore()
	var checkpoints []uint32
	ks.OnPersistCounter(func(v uint32) { checkpoints = append(checkpoints, v) })

	var used uint32
	for i := 0; i < 3000; i++ {
		used = ks.NextFrameCounter()
		if last := checkpoints[len(checkpoints)-1]; last <= used {
			t.Fatalf("counter %d issued at or above checkpoint %d", used, last)
		}
	}
	if len(checkpoints) != 3 {
		t.Errorf("checkpoints = %v, want one per block of %d", checkpoints, counterPersistAhead)
	}

	// A restore from the last checkpoint never reissues a used value,
	// even when the node died without a clean shutdown.
	restored := NewKeyStore()
	restored.RestoreFrameCounter(checkpoints[len(checkpoints)-1])
	if next := restored.NextFrameCounter(); next <= used {
		t.Errorf("restored counter %d reissues a value (last used %d)", next, used)
	}
}

func TestKeyStoreDefaults(t *testing.T) {
	ks := NewKeyStore()
	tcKey := ks.TCLinkKey()
	if string(tcKey[:]) != "ZigBeeAlliance09" {
		t.Errorf("tc link key = %q", ks.TCLinkKey())
	}
	if ks.HasNetworkKey() {
		t.Error("network key present before provisioning")
	}
	if _, _, err := ks.NetworkKey(); !errors.Is(err, ErrNoNetworkKey) {
		t.Errorf("err = %v, want ErrNoNetworkKey", err)
	}

	ks.SetNetworkKey([16]byte{1}, 5)
	key, seq, err := ks.NetworkKey()
	if err != nil {
		t.Fatal(err)
	}
	if key[0] != 1 || seq != 5 {
		t.Errorf("key[0]=%d seq=%d", key[0], seq)
	}
}
