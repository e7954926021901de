package universe

import (
	"fmt"

	"emberfall/engine/internal/wire"
)

// Entity is a generational handle into an Arena. The zero value is never
// live, so it doubles as "no entity".
type Entity struct {
	Index      uint32
	Generation uint32
}

// NoEntity is the null handle.
var NoEntity = Entity{}

// Arena allocates entity handles with generation counting. Deleting a handle
// bumps its slot's generation, so stale handles held elsewhere turn dead
// instead of aliasing the slot's next occupant. Arena is not synchronized;
// it belongs to whichever world owns it.
type Arena struct {
	generations []uint32
	alive       []bool
	free        []uint32
	liveCount   int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Create allocates a handle, reusing freed slots first.
func (a *Arena) Create() Entity {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.alive[idx] = true
		a.liveCount++
		return Entity{Index: idx, Generation: a.generations[idx]}
	}
	idx := uint32(len(a.generations))
	a.generations = append(a.generations, 1)
	a.alive = append(a.alive, true)
	a.liveCount++
	return Entity{Index: idx, Generation: 1}
}

// Delete releases a handle. Deleting a stale or null handle is a no-op.
func (a *Arena) Delete(e Entity) {
	if !a.Live(e) {
		return
	}
	a.generations[e.Index]++
	a.alive[e.Index] = false
	a.free = append(a.free, e.Index)
	a.liveCount--
}

// Live reports whether the handle still refers to its original allocation.
func (a *Arena) Live(e Entity) bool {
	if int(e.Index) >= len(a.generations) {
		return false
	}
	return a.alive[e.Index] && a.generations[e.Index] == e.Generation
}

// Len returns the number of live entities.
func (a *Arena) Len() int {
	return a.liveCount
}

// Encode appends the arena state.
func (a *Arena) Encode(w *wire.Writer) {
	w.Uint(uint64(len(a.generations)))
	for i, gen := range a.generations {
		w.Uint(uint64(gen))
		w.Bool(a.alive[i])
	}
	w.Uint(uint64(len(a.free)))
	for _, idx := range a.free {
		w.Uint(uint64(idx))
	}
}

// DecodeArena reads an arena written by Encode.
func DecodeArena(r *wire.Reader) (*Arena, error) {
	a := NewArena()
	slots, err := r.Uint()
	if err != nil {
		return nil, err
	}
	a.generations = make([]uint32, 0, slots)
	a.alive = make([]bool, 0, slots)
	for i := uint64(0); i < slots; i++ {
		gen, err := r.Uint()
		if err != nil {
			return nil, err
		}
		live, err := r.Bool()
		if err != nil {
			return nil, err
		}
		a.generations = append(a.generations, uint32(gen))
		a.alive = append(a.alive, live)
		if live {
			a.liveCount++
		}
	}
	frees, err := r.Uint()
	if err != nil {
		return nil, err
	}
	if frees > slots {
		return nil, fmt.Errorf("universe: free list %d exceeds %d slots", frees, slots)
	}
	a.free = make([]uint32, 0, frees)
	for i := uint64(0); i < frees; i++ {
		idx, err := r.Uint()
		if err != nil {
			return nil, err
		}
		if idx >= slots {
			return nil, fmt.Errorf("universe: free index %d out of range", idx)
		}
		a.free = append(a.free, uint32(idx))
	}
	return a, nil
}
