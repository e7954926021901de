package universe

import (
	"sort"
	"sync"

	"emberfall/engine/internal/wire"
	"emberfall/engine/protocol"
)

// PlayerEntry couples a player's advertised info with the entity that
// represents them in the game.
type PlayerEntry struct {
	Info   protocol.PlayerInfo
	Entity Entity
}

// Players is the universe roster. Departed players are stashed rather than
// forgotten, so a rejoining player gets their entity back. Methods are safe
// for concurrent readers; mutation happens on the simulation goroutine.
type Players struct {
	mu      sync.RWMutex
	online  map[protocol.PlayerID]PlayerEntry
	offline map[protocol.PlayerID]PlayerEntry
}

// NewPlayers returns an empty roster.
func NewPlayers() *Players {
	return &Players{
		online:  make(map[protocol.PlayerID]PlayerEntry),
		offline: make(map[protocol.PlayerID]PlayerEntry),
	}
}

// Join adds a player. A player returning from the offline stash keeps their
// stashed entity and the provided one is ignored; the stored info is
// refreshed either way. Join reports the entity now bound to the player.
func (p *Players) Join(info protocol.PlayerInfo, entity Entity) Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stashed, ok := p.offline[info.ID]; ok {
		delete(p.offline, info.ID)
		stashed.Info = info
		p.online[info.ID] = stashed
		return stashed.Entity
	}
	p.online[info.ID] = PlayerEntry{Info: info, Entity: entity}
	return entity
}

// Leave moves a player to the offline stash. It reports whether the player
// was online.
func (p *Players) Leave(id protocol.PlayerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.online[id]
	if !ok {
		return false
	}
	delete(p.online, id)
	p.offline[id] = entry
	return true
}

// Get returns the online entry for id.
func (p *Players) Get(id protocol.PlayerID) (PlayerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.online[id]
	return entry, ok
}

// Online returns the online entries in ascending PlayerID order.
func (p *Players) Online() []PlayerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PlayerEntry, 0, len(p.online))
	for _, entry := range p.online {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Count returns the number of online players.
func (p *Players) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// Encode appends both rosters in ascending PlayerID order.
func (p *Players) Encode(w *wire.Writer) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	encodeEntries(w, p.online)
	encodeEntries(w, p.offline)
}

func encodeEntries(w *wire.Writer, entries map[protocol.PlayerID]PlayerEntry) {
	ids := make([]protocol.PlayerID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	w.Uint(uint64(len(ids)))
	for _, id := range ids {
		entry := entries[id]
		entry.Info.Encode(w)
		w.Uint(uint64(entry.Entity.Index))
		w.Uint(uint64(entry.Entity.Generation))
	}
}

// DecodePlayers reads a roster written by Encode.
func DecodePlayers(r *wire.Reader) (*Players, error) {
	p := NewPlayers()
	online, err := decodeEntries(r)
	if err != nil {
		return nil, err
	}
	offline, err := decodeEntries(r)
	if err != nil {
		return nil, err
	}
	p.online = online
	p.offline = offline
	return p, nil
}

func decodeEntries(r *wire.Reader) (map[protocol.PlayerID]PlayerEntry, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	entries := make(map[protocol.PlayerID]PlayerEntry, n)
	for i := uint64(0); i < n; i++ {
		info, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		index, err := r.Uint()
		if err != nil {
			return nil, err
		}
		generation, err := r.Uint()
		if err != nil {
			return nil, err
		}
		entries[info.ID] = PlayerEntry{
			Info:   info,
			Entity: Entity{Index: uint32(index), Generation: uint32(generation)},
		}
	}
	return entries, nil
}
