package universe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"emberfall/engine/internal/wire"
)

// ErrVersionMismatch reports a save written by an incompatible game version.
var ErrVersionMismatch = errors.New("universe: save version mismatch")

const (
	universeBlobName = "universe"
	saveFileExt      = ".sav"
)

// SaveState is a serialized universe: the roster blob plus each world's
// opaque state keyed by world name. The version string belongs to the game;
// saves from a different version never load.
type SaveState struct {
	Version  string
	Frame    FrameID
	Universe []byte
	Worlds   map[string][]byte
}

// Capture serializes the live universe into a SaveState.
func Capture(u *Universe, version string) (*SaveState, error) {
	worlds := u.Worlds()
	rw := wire.NewWriter()
	u.Players().Encode(rw)
	s := &SaveState{
		Version:  version,
		Frame:    u.ActiveFrame(),
		Universe: rw.Bytes(),
		Worlds:   make(map[string][]byte, len(worlds)),
	}
	for _, w := range worlds {
		name := w.Name()
		if err := checkBlobName(name); err != nil {
			return nil, err
		}
		if _, dup := s.Worlds[name]; dup {
			return nil, fmt.Errorf("universe: duplicate world name %q", name)
		}
		blob, err := w.MarshalState()
		if err != nil {
			return nil, fmt.Errorf("universe: marshal world %q: %w", name, err)
		}
		s.Worlds[name] = blob
	}
	return s, nil
}

// checkBlobName rejects world names that cannot double as save file names.
func checkBlobName(name string) error {
	switch {
	case name == "":
		return errors.New("universe: empty world name")
	case name == universeBlobName:
		return fmt.Errorf("universe: world name %q is reserved", name)
	case strings.ContainsAny(name, `/\`) || name != filepath.Base(name):
		return fmt.Errorf("universe: world name %q is not a valid save name", name)
	}
	return nil
}

// Write stores the save under dir: one snapshot file per blob, "universe"
// plus one per world. The universe blob carries the version string, the
// frame, and the manifest of world blob names.
func (s *SaveState) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("universe: create save dir: %w", err)
	}

	names := make([]string, 0, len(s.Worlds))
	for name := range s.Worlds {
		if err := checkBlobName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	w := wire.NewWriter()
	w.String(s.Version)
	w.Uint(uint64(s.Frame))
	w.Blob(s.Universe)
	w.Uint(uint64(len(names)))
	for _, name := range names {
		w.String(name)
	}
	if err := writeBlobFile(dir, universeBlobName, w.Bytes()); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeBlobFile(dir, name, s.Worlds[name]); err != nil {
			return err
		}
	}
	return nil
}

func writeBlobFile(dir, name string, raw []byte) error {
	blob, err := EncodeSnapshot(raw)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name+saveFileExt)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("universe: write save blob %q: %w", name, err)
	}
	return nil
}

func readBlobFile(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name+saveFileExt)
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("universe: read save blob %q: %w", name, err)
	}
	raw, err := DecodeSnapshot(blob)
	if err != nil {
		return nil, fmt.Errorf("universe: save blob %q: %w", name, err)
	}
	return raw, nil
}

// ReadSaveState loads a save written by Write. The version check happens
// before any world blob is touched, and a failure anywhere returns nothing:
// loading never partially applies.
func ReadSaveState(dir, expectVersion string) (*SaveState, error) {
	raw, err := readBlobFile(dir, universeBlobName)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(raw)
	version, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("universe: decode save: %w", err)
	}
	if version != expectVersion {
		return nil, fmt.Errorf("%w: save has %q, game expects %q", ErrVersionMismatch, version, expectVersion)
	}
	frame, err := r.Uint()
	if err != nil {
		return nil, fmt.Errorf("universe: decode save: %w", err)
	}
	roster, err := r.Blob()
	if err != nil {
		return nil, fmt.Errorf("universe: decode save: %w", err)
	}
	count, err := r.Uint()
	if err != nil {
		return nil, fmt.Errorf("universe: decode save: %w", err)
	}
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		name, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("universe: decode save: %w", err)
		}
		if err := checkBlobName(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("universe: decode save: %w", err)
	}

	s := &SaveState{
		Version:  version,
		Frame:    FrameID(frame),
		Universe: append([]byte(nil), roster...),
		Worlds:   make(map[string][]byte, len(names)),
	}
	for _, name := range names {
		if _, dup := s.Worlds[name]; dup {
			return nil, fmt.Errorf("universe: decode save: duplicate world %q", name)
		}
		state, err := readBlobFile(dir, name)
		if err != nil {
			return nil, err
		}
		s.Worlds[name] = state
	}
	return s, nil
}

// DecodeRoster decodes the universe blob back into a player roster.
func (s *SaveState) DecodeRoster() (*Players, error) {
	r := wire.NewReader(s.Universe)
	roster, err := DecodePlayers(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return roster, nil
}

// Save captures the universe and writes it under dir.
func Save(u *Universe, version, dir string) error {
	s, err := Capture(u, version)
	if err != nil {
		return err
	}
	return s.Write(dir)
}

// LoadSave reads a save directory written by Save.
func LoadSave(dir, expectVersion string) (*SaveState, error) {
	return ReadSaveState(dir, expectVersion)
}
