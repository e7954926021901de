package universe

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	raw := make([]byte, 64<<10)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	blob, err := EncodeSnapshot(raw)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	got, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("snapshot round trip changed the payload")
	}
}

func TestSnapshotEmptyPayload(t *testing.T) {
	blob, err := EncodeSnapshot(nil)
	if err != nil {
		t.Fatalf("EncodeSnapshot(nil): %v", err)
	}
	got, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("decoded %d bytes from empty snapshot", len(got))
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshot([]byte("not a snapshot")); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("garbage blob: err = %v, want ErrBadSnapshot", err)
	}

	blob, err := EncodeSnapshot(make([]byte, 100))
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	wrongVersion := append([]byte(nil), blob...)
	wrongVersion[4] = 0xFF
	if _, err := DecodeSnapshot(wrongVersion); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("wrong version: err = %v, want ErrBadSnapshot", err)
	}

	// the declared size is a single varint byte at offset 5 for a
	// 100-byte payload; shrink it so decoded data is left over
	undersized := append([]byte(nil), blob...)
	undersized[5] = 50
	if _, err := DecodeSnapshot(undersized); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("undersized declaration: err = %v, want ErrBadSnapshot", err)
	}

	oversized := append([]byte(nil), blob...)
	oversized[5] = 127
	if _, err := DecodeSnapshot(oversized); err == nil {
		t.Fatal("oversized declaration accepted")
	}

	truncated := blob[:len(blob)-3]
	if _, err := DecodeSnapshot(truncated); err == nil {
		t.Fatal("truncated snapshot accepted")
	}
}

func TestSaveStateRoundTrip(t *testing.T) {
	u := New()
	roster := NewPlayers()
	roster.Join(testPlayer(1, "ada"), Entity{Index: 0, Generation: 1})
	roster.Join(testPlayer(2, "brin"), Entity{Index: 1, Generation: 1})
	frame := FrameID(1200)
	u.LoadUniverse(roster, []World{
		&stubWorld{id: 1, name: "alpha"},
		&stubWorld{id: 2, name: "beta"},
	}, &frame)

	s, err := Capture(u, "0.3.1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	dir := t.TempDir()
	if err := s.Write(dir); err != nil {
		t.Fatalf("Write: %v", err)
	}

	decoded, err := ReadSaveState(dir, "0.3.1")
	if err != nil {
		t.Fatalf("ReadSaveState: %v", err)
	}
	if decoded.Frame != 1200 {
		t.Fatalf("decoded Frame = %d, want 1200", decoded.Frame)
	}
	if len(decoded.Worlds) != 2 {
		t.Fatalf("decoded %d worlds, want 2", len(decoded.Worlds))
	}
	if got := string(decoded.Worlds["alpha"]); got != "alpha-state" {
		t.Fatalf("world alpha state = %q", got)
	}
	if got := string(decoded.Worlds["beta"]); got != "beta-state" {
		t.Fatalf("world beta state = %q", got)
	}
	if !bytes.Equal(decoded.Universe, s.Universe) {
		t.Fatal("roster blob changed in round trip")
	}

	if _, err := ReadSaveState(dir, "0.4.0"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("mismatched version: err = %v, want ErrVersionMismatch", err)
	}
}

func TestSaveCaptureRejectsBadWorldNames(t *testing.T) {
	dup := New()
	dup.LoadWorld(&stubWorld{id: 1, name: "twin"})
	dup.LoadWorld(&stubWorld{id: 2, name: "twin"})
	if _, err := Capture(dup, "1"); err == nil {
		t.Fatal("Capture accepted two worlds with the same name")
	}

	hostile := New()
	hostile.LoadWorld(&stubWorld{id: 1, name: "../escape"})
	if _, err := Capture(hostile, "1"); err == nil {
		t.Fatal("Capture accepted a world name with a path separator")
	}

	reserved := New()
	reserved.LoadWorld(&stubWorld{id: 1, name: "universe"})
	if _, err := Capture(reserved, "1"); err == nil {
		t.Fatal("Capture accepted the reserved blob name")
	}
}

func TestSaveDirectory(t *testing.T) {
	u := New()
	frame := FrameID(30)
	u.LoadUniverse(nil, []World{&stubWorld{id: 1, name: "alpha"}}, &frame)

	dir := filepath.Join(t.TempDir(), "slot-1")
	if err := Save(u, "3", dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "universe.sav")); err != nil {
		t.Fatalf("universe blob missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha.sav")); err != nil {
		t.Fatalf("world blob missing: %v", err)
	}

	loaded, err := LoadSave(dir, "3")
	if err != nil {
		t.Fatalf("LoadSave: %v", err)
	}
	if loaded.Frame != 30 {
		t.Fatalf("loaded Frame = %d, want 30", loaded.Frame)
	}
	if _, ok := loaded.Worlds["alpha"]; !ok {
		t.Fatal("loaded save missing world alpha")
	}

	if _, err := LoadSave(dir, "4"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("LoadSave with wrong version: err = %v", err)
	}
	if _, err := LoadSave(filepath.Join(t.TempDir(), "absent"), "3"); err == nil {
		t.Fatal("LoadSave of missing directory succeeded")
	}

	// a listed world blob that cannot be read fails the whole load
	if err := os.Remove(filepath.Join(dir, "alpha.sav")); err != nil {
		t.Fatalf("remove blob: %v", err)
	}
	if _, err := LoadSave(dir, "3"); err == nil {
		t.Fatal("LoadSave succeeded with a missing world blob")
	}
}
