package flashstore

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(NewMemFlash(4*SectorSize), 0, 4*SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCRC16KnownVectors(t *testing.T) {
	// CRC-16/CCITT-FALSE check value for "123456789".
	if got := crc16([]byte("123456789")); got != 0x29B1 {
		t.Errorf("crc16(123456789) = 0x%04X, want 0x29B1", got)
	}
	if got := crc16(nil); got != 0xFFFF {
		t.Errorf("crc16(empty) = 0x%04X, want 0xFFFF", got)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x42}
	if err := s.Write(KeyNetworkConfig, data); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(KeyNetworkConfig)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read = % X, want % X", got, data)
	}
}

func TestReadReturnsLatestRecord(t *testing.T) {
	s := newTestStore(t)

	for i := byte(0); i < 5; i++ {
		if err := s.Write(KeyBindingTable, []byte{i, i, i}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Read(KeyBindingTable)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{4, 4, 4}) {
		t.Errorf("read = % X, want 04 04 04", got)
	}
}

func TestReadUnknownKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read(KeyGroupTable); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTombstone(t *testing.T) {
	s := newTestStore(t)

	if err := s.Write(KeyFrameCounter, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(KeyFrameCounter); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(KeyFrameCounter); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}

	// A later write resurrects the key.
	if err := s.Write(KeyFrameCounter, []byte{9}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(KeyFrameCounter)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{9}) {
		t.Errorf("read = % X, want 09", got)
	}
}

func TestRemountRecoversLog(t *testing.T) {
	flash := NewMemFlash(4 * SectorSize)
	s, err := New(flash, 0, 4*SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(KeyNetworkConfig, []byte("net")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(KeyGroupTable, []byte("grp")); err != nil {
		t.Fatal(err)
	}
	off := s.WriteOffset()

	// Remount the same flash: append position and records survive.
	s2, err := New(flash, 0, 4*SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if s2.WriteOffset() != off {
		t.Errorf("writeOff after remount = %d, want %d", s2.WriteOffset(), off)
	}
	got, err := s2.Read(KeyGroupTable)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("grp")) {
		t.Errorf("read = %q, want grp", got)
	}
}

func TestCompactionReformats(t *testing.T) {
	s, err := New(NewMemFlash(SectorSize), 0, SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 200)
	// Push past 75% of one sector; the store must reformat and keep
	// accepting writes.
	for i := 0; i < 30; i++ {
		if err := s.Write(KeyNetworkConfig, payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if s.WriteOffset() > SectorSize*compactThreshold/100 {
		t.Errorf("writeOff = %d, exceeds compaction threshold", s.WriteOffset())
	}
	if _, err := s.Read(KeyNetworkConfig); err != nil {
		t.Fatalf("read after compaction: %v", err)
	}
}

func TestCorruptedRecordSkipped(t *testing.T) {
	flash := NewMemFlash(4 * SectorSize)
	s, err := New(flash, 0, 4*SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(KeyNetworkConfig, []byte("good")); err != nil {
		t.Fatal(err)
	}
	off := s.WriteOffset()
	if err := s.Write(KeyNetworkConfig, []byte("newer")); err != nil {
		t.Fatal(err)
	}
	// Flip a payload bit of the newer record.
	var b [1]byte
	if err := flash.ReadAt(off+entrySize, b[:]); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0x01
	if err := flash.WriteAt(off+entrySize, b[:]); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(KeyNetworkConfig)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("good")) {
		t.Errorf("read = %q, want the older intact record", got)
	}
}

func TestFileFlashPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	ff, err := OpenFileFlash(path, 4*SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(ff, 0, 4*SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(KeyNetworkConfig, []byte("persist me")); err != nil {
		t.Fatal(err)
	}
	if err := ff.Close(); err != nil {
		t.Fatal(err)
	}

	ff2, err := OpenFileFlash(path, 4*SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ff2.Close()
	s2, err := New(ff2, 0, 4*SectorSize, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Read(KeyNetworkConfig)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "persist me" {
		t.Errorf("read = %q, want %q", got, "persist me")
	}
}

func TestRegionValidation(t *testing.T) {
	if _, err := New(NewMemFlash(SectorSize), 0, 100, slog.Default()); err == nil {
		t.Error("expected error for non-sector-multiple size")
	}
	if _, err := New(NewMemFlash(SectorSize), 0, 2*SectorSize, slog.Default()); err == nil {
		t.Error("expected error for region exceeding flash")
	}
}
