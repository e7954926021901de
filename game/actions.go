package game

import (
	"fmt"

	"emberfall/engine/internal/wire"
	"emberfall/engine/universe"
)

// Move shifts the acting player's entity on the grid. Stateful: every peer
// must apply it.
type Move struct {
	DX, DY int32
}

// Spawn places a wisp on the acting player's tile. Stateful.
type Spawn struct{}

// Ping is a local acknowledgement: it bumps a counter on the issuing peer
// and never crosses the wire.
type Ping struct{}

func (Move) Stateful() bool  { return true }
func (Spawn) Stateful() bool { return true }
func (Ping) Stateful() bool  { return false }

const (
	tagMove = iota
	tagSpawn
	tagPing
)

// Codec is the game's universe.ActionCodec.
type Codec struct{}

// Marshal encodes one action as a variant tag plus payload.
func (Codec) Marshal(a universe.Action) ([]byte, error) {
	w := wire.NewWriter()
	switch v := a.(type) {
	case Move:
		w.Uint(tagMove)
		w.Int(int64(v.DX))
		w.Int(int64(v.DY))
	case Spawn:
		w.Uint(tagSpawn)
	case Ping:
		w.Uint(tagPing)
	default:
		return nil, fmt.Errorf("game: unknown action %T", a)
	}
	return w.Bytes(), nil
}

// Unmarshal decodes one action and requires the blob to be fully consumed.
func (Codec) Unmarshal(blob []byte) (universe.Action, error) {
	r := wire.NewReader(blob)
	tag, err := r.Uint()
	if err != nil {
		return nil, fmt.Errorf("game: action tag: %w", err)
	}
	var a universe.Action
	switch tag {
	case tagMove:
		dx, err := r.Int()
		if err != nil {
			return nil, err
		}
		dy, err := r.Int()
		if err != nil {
			return nil, err
		}
		a = Move{DX: int32(dx), DY: int32(dy)}
	case tagSpawn:
		a = Spawn{}
	case tagPing:
		a = Ping{}
	default:
		return nil, fmt.Errorf("game: unknown action tag %d", tag)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return a, nil
}
