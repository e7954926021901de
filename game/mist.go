// Package game is the demo content for the engine: a small deterministic
// grid world ("mist") with one entity per player, an action vocabulary of
// Move, Spawn, and Ping, and a wire format for its state. It exists so the
// engine can be exercised end to end — dedicated server, lockstep sessions,
// saves — without the full game on top.
package game

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"emberfall/engine/internal/wire"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// Version tags saves and join snapshots produced by this game.
const Version = "mist-0.3"

// Tile is a grid coordinate. All world state is integral so every peer
// computes identical frames.
type Tile struct {
	X, Y int32
}

// Mist is a toroidal grid world. Each player owns one entity; wisps are
// scenery entities players drop with Spawn. Mist implements universe.World
// and belongs to the simulation goroutine.
type Mist struct {
	id            universe.WorldID
	name          string
	width, height int32

	arena   *universe.Arena
	players map[protocol.PlayerID]universe.Entity
	tiles   map[universe.Entity]Tile
	wisps   []universe.Entity

	// staged local input, drained by the next BuildActions
	pendingStateful  []universe.Action
	pendingStateless []universe.Action

	// pings is local-only state; it never serializes and never crosses
	// the wire
	pings uint64
}

// NewMist returns an empty world on a width×height torus.
func NewMist(id universe.WorldID, name string, width, height int32) *Mist {
	if width <= 0 || height <= 0 {
		panic("game: mist needs a positive grid")
	}
	return &Mist{
		id:      id,
		name:    name,
		width:   width,
		height:  height,
		arena:   universe.NewArena(),
		players: make(map[protocol.PlayerID]universe.Entity),
		tiles:   make(map[universe.Entity]Tile),
	}
}

// ID returns the world id.
func (m *Mist) ID() universe.WorldID { return m.id }

// Name returns the world name; it doubles as the save blob name.
func (m *Mist) Name() string { return m.name }

// Pings reports how many local Ping actions this peer has applied.
func (m *Mist) Pings() uint64 { return m.pings }

// WispCount reports how many wisps are live.
func (m *Mist) WispCount() int { return len(m.wisps) }

// PlayerTile returns the tile of a player's entity.
func (m *Mist) PlayerTile(id protocol.PlayerID) (Tile, bool) {
	e, ok := m.players[id]
	if !ok {
		return Tile{}, false
	}
	t, ok := m.tiles[e]
	return t, ok
}

// QueueMove stages a Move for the local player.
func (m *Mist) QueueMove(dx, dy int32) {
	m.pendingStateful = append(m.pendingStateful, Move{DX: dx, DY: dy})
}

// QueueSpawn stages a Spawn for the local player.
func (m *Mist) QueueSpawn() {
	m.pendingStateful = append(m.pendingStateful, Spawn{})
}

// QueuePing stages a local Ping.
func (m *Mist) QueuePing() {
	m.pendingStateless = append(m.pendingStateless, Ping{})
}

// BuildStatefulActions drains the staged stateful input.
func (m *Mist) BuildStatefulActions(universe.FrameID, bool) []universe.Action {
	out := m.pendingStateful
	m.pendingStateful = nil
	return out
}

// BuildStatelessActions drains the staged local-only input.
func (m *Mist) BuildStatelessActions(universe.FrameID, bool) []universe.Action {
	out := m.pendingStateless
	m.pendingStateless = nil
	return out
}

// Step advances the world one frame: spawn entities for joiners, apply every
// player's actions in the order given, stash leavers. env.Actions is already
// ordered by ascending PlayerID, so every peer mutates state identically.
func (m *Mist) Step(_ universe.FrameID, env universe.Env) {
	for _, info := range env.Joined {
		m.joinPlayer(info, env.Players)
	}
	for _, set := range env.Actions {
		for _, a := range set.Actions {
			m.apply(set.Player, a)
		}
	}
	for _, id := range env.Left {
		if env.Players != nil {
			env.Players.Leave(id)
		}
	}
}

// joinPlayer gives a joining player an entity. A rejoining player gets the
// entity stashed in the roster back, at its old tile.
func (m *Mist) joinPlayer(info protocol.PlayerInfo, roster *universe.Players) {
	if _, ok := m.players[info.ID]; ok {
		return
	}
	e := m.arena.Create()
	bound := e
	if roster != nil {
		bound = roster.Join(info, e)
		if bound != e {
			// the roster restored a stashed entity; the fresh one was
			// never part of the world
			m.arena.Delete(e)
		}
	}
	m.players[info.ID] = bound
	if _, ok := m.tiles[bound]; !ok {
		m.tiles[bound] = m.spawnTile(info.ID)
	}
}

// spawnTile spreads players over the grid as a pure function of their id.
func (m *Mist) spawnTile(id protocol.PlayerID) Tile {
	return Tile{
		X: int32(uint64(id) * 7 % uint64(m.width)),
		Y: int32(uint64(id) * 13 % uint64(m.height)),
	}
}

func (m *Mist) apply(player protocol.PlayerID, a universe.Action) {
	switch v := a.(type) {
	case Move:
		e, ok := m.players[player]
		if !ok {
			return
		}
		t := m.tiles[e]
		t.X = wrap(t.X+v.DX, m.width)
		t.Y = wrap(t.Y+v.DY, m.height)
		m.tiles[e] = t
	case Spawn:
		e, ok := m.players[player]
		if !ok {
			return
		}
		wisp := m.arena.Create()
		m.tiles[wisp] = m.tiles[e]
		m.wisps = append(m.wisps, wisp)
	case Ping:
		m.pings++
	}
}

func wrap(v, size int32) int32 {
	v %= size
	if v < 0 {
		v += size
	}
	return v
}

// MarshalState serializes everything replicated state depends on. Local
// counters stay out so two peers' blobs compare equal.
func (m *Mist) MarshalState() ([]byte, error) {
	w := wire.NewWriter()
	w.Uint(uint64(m.id))
	w.String(m.name)
	w.Int(int64(m.width))
	w.Int(int64(m.height))
	m.arena.Encode(w)

	ids := make([]protocol.PlayerID, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	w.Uint(uint64(len(ids)))
	for _, id := range ids {
		e := m.players[id]
		w.Uint(uint64(id))
		w.Uint(uint64(e.Index))
		w.Uint(uint64(e.Generation))
	}

	entities := make([]universe.Entity, 0, len(m.tiles))
	for e := range m.tiles {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Index < entities[j].Index })
	w.Uint(uint64(len(entities)))
	for _, e := range entities {
		t := m.tiles[e]
		w.Uint(uint64(e.Index))
		w.Uint(uint64(e.Generation))
		w.Int(int64(t.X))
		w.Int(int64(t.Y))
	}

	w.Uint(uint64(len(m.wisps)))
	for _, e := range m.wisps {
		w.Uint(uint64(e.Index))
		w.Uint(uint64(e.Generation))
	}
	return w.Bytes(), nil
}

// DecodeWorld rebuilds a Mist from a MarshalState blob. It is the client's
// join-snapshot loader and the save loader.
func DecodeWorld(blob []byte) (universe.World, error) {
	m, err := decodeMist(blob)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeMist(blob []byte) (*Mist, error) {
	r := wire.NewReader(blob)
	id, err := r.Uint()
	if err != nil {
		return nil, fmt.Errorf("game: world id: %w", err)
	}
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	width, err := r.Int()
	if err != nil {
		return nil, err
	}
	height, err := r.Int()
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("game: bad grid %dx%d", width, height)
	}
	arena, err := universe.DecodeArena(r)
	if err != nil {
		return nil, err
	}

	m := NewMist(universe.WorldID(id), name, int32(width), int32(height))
	m.arena = arena

	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		pid, err := r.Uint()
		if err != nil {
			return nil, err
		}
		idx, err := r.Uint()
		if err != nil {
			return nil, err
		}
		gen, err := r.Uint()
		if err != nil {
			return nil, err
		}
		m.players[protocol.PlayerID(pid)] = universe.Entity{Index: uint32(idx), Generation: uint32(gen)}
	}

	n, err = r.Uint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		idx, err := r.Uint()
		if err != nil {
			return nil, err
		}
		gen, err := r.Uint()
		if err != nil {
			return nil, err
		}
		x, err := r.Int()
		if err != nil {
			return nil, err
		}
		y, err := r.Int()
		if err != nil {
			return nil, err
		}
		m.tiles[universe.Entity{Index: uint32(idx), Generation: uint32(gen)}] = Tile{X: int32(x), Y: int32(y)}
	}

	n, err = r.Uint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		idx, err := r.Uint()
		if err != nil {
			return nil, err
		}
		gen, err := r.Uint()
		if err != nil {
			return nil, err
		}
		m.wisps = append(m.wisps, universe.Entity{Index: uint32(idx), Generation: uint32(gen)})
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Checksum digests the replicated state; two peers at the same frame must
// produce identical digests.
func (m *Mist) Checksum() ([32]byte, error) {
	blob, err := m.MarshalState()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(blob), nil
}
