package universe

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// actionQueueCapacity bounds cross-thread input. The queue only grows while
// the simulation is stalled; overflow drops the newest action.
const actionQueueCapacity = 8192

// Universe owns the frame counter, the loaded worlds, and the roster.
//
// Concurrency contract: the frame counter, pause state, focus, and speed are
// atomics and may be used from any goroutine, as may the action queue. The
// worlds map and everything reached through it belong to the simulation
// goroutine; load, unload, and step calls must come from it.
type Universe struct {
	paused     atomic.Bool
	pauseAt    atomic.Uint64
	frame      atomic.Uint64
	active     atomic.Uint32
	frameNanos atomic.Int64

	worlds map[WorldID]World
	order  []WorldID
	roster *Players

	actions chan queuedAction
}

// New returns an empty, paused universe running at DefaultUPS.
func New() *Universe {
	u := &Universe{
		worlds:  make(map[WorldID]World),
		roster:  NewPlayers(),
		actions: make(chan queuedAction, actionQueueCapacity),
	}
	u.paused.Store(true)
	u.active.Store(uint32(ActiveWorldNone))
	u.frameNanos.Store(int64(time.Second) / int64(DefaultUPS))
	return u
}

// IsPaused reports whether the simulation is paused.
func (u *Universe) IsPaused() bool { return u.paused.Load() }

// IsRunning reports whether frames should advance.
func (u *Universe) IsRunning() bool { return !u.paused.Load() }

// Pause stops frame advancement. Safe from any goroutine.
func (u *Universe) Pause() { u.paused.Store(true) }

// Unpause resumes frame advancement. Unpausing an empty universe is a
// programming error.
func (u *Universe) Unpause() {
	if len(u.worlds) == 0 {
		panic("universe: unpause with no worlds loaded")
	}
	u.paused.Store(false)
}

// SchedulePause arranges a pause exactly when the universe reaches frame.
// Only future frames can be scheduled.
func (u *Universe) SchedulePause(frame FrameID) error {
	if uint64(frame) <= u.frame.Load() {
		return fmt.Errorf("universe: cannot schedule pause at frame %d, already at %d", frame, u.frame.Load())
	}
	u.pauseAt.Store(uint64(frame))
	return nil
}

// FrameTime returns the current frame duration.
func (u *Universe) FrameTime() time.Duration {
	return time.Duration(u.frameNanos.Load())
}

// Speed returns the simulation rate in frames per second.
func (u *Universe) Speed() uint32 {
	return uint32(int64(time.Second) / u.frameNanos.Load())
}

// SetSpeed changes the simulation rate. Speed only affects pacing, never
// results: a universe stepped at 10 UPS and one stepped at 240 UPS produce
// identical states.
func (u *Universe) SetSpeed(ups uint32) {
	if ups == 0 {
		panic("universe: zero ups")
	}
	u.frameNanos.Store(int64(time.Second) / int64(ups))
}

// LoadUniverse replaces all state with the given roster, worlds, and
// optional frame position. The universe stays paused.
func (u *Universe) LoadUniverse(roster *Players, worlds []World, frame *FrameID) {
	u.UnloadUniverse()
	if roster != nil {
		u.roster = roster
	}
	for _, w := range worlds {
		u.LoadWorld(w)
	}
	if frame != nil {
		u.frame.Store(uint64(*frame))
	}
}

// UnloadUniverse drops every world, clears the roster and frame counter,
// and pauses.
func (u *Universe) UnloadUniverse() {
	u.Pause()
	u.worlds = make(map[WorldID]World)
	u.order = nil
	u.roster = NewPlayers()
	u.frame.Store(0)
	u.active.Store(uint32(ActiveWorldNone))
	u.pauseAt.Store(0)
	u.ClearActions()
}

// LoadWorld adds one world. Loading a duplicate id is a programming error.
func (u *Universe) LoadWorld(w World) {
	id := w.ID()
	if _, exists := u.worlds[id]; exists {
		panic(fmt.Sprintf("universe: world %d already loaded", id))
	}
	u.worlds[id] = w
	u.order = append(u.order, id)
	sort.Slice(u.order, func(i, j int) bool { return u.order[i] < u.order[j] })
}

// UnloadWorld removes one world. The world must exist and must not have
// focus.
func (u *Universe) UnloadWorld(id WorldID) {
	if _, exists := u.worlds[id]; !exists {
		panic(fmt.Sprintf("universe: world %d not loaded", id))
	}
	if active, ok := u.ActiveWorldID(); ok && active == id {
		panic(fmt.Sprintf("universe: world %d is active", id))
	}
	delete(u.worlds, id)
	for i, wid := range u.order {
		if wid == id {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
}

// Worlds returns the loaded worlds in ascending id order.
func (u *Universe) Worlds() []World {
	out := make([]World, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, u.worlds[id])
	}
	return out
}

// World returns the world with the given id.
func (u *Universe) World(id WorldID) (World, bool) {
	w, ok := u.worlds[id]
	return w, ok
}

// Players returns the roster.
func (u *Universe) Players() *Players { return u.roster }

// SetActiveWorld gives focus to the world with the given id. The world must
// exist and must not already have focus.
func (u *Universe) SetActiveWorld(id WorldID) {
	if _, exists := u.worlds[id]; !exists {
		panic(fmt.Sprintf("universe: world %d not loaded", id))
	}
	if active, ok := u.ActiveWorldID(); ok && active == id {
		panic(fmt.Sprintf("universe: world %d already active", id))
	}
	u.active.Store(uint32(id))
}

// SetActiveWorldByName gives focus to the named world.
func (u *Universe) SetActiveWorldByName(name string) {
	for _, id := range u.order {
		if u.worlds[id].Name() == name {
			u.SetActiveWorld(id)
			return
		}
	}
	panic(fmt.Sprintf("universe: no world named %q", name))
}

// ClearActiveWorld removes focus.
func (u *Universe) ClearActiveWorld() {
	u.active.Store(uint32(ActiveWorldNone))
}

// ActiveWorldID returns the focused world, if any.
func (u *Universe) ActiveWorldID() (WorldID, bool) {
	id := WorldID(u.active.Load())
	if id == ActiveWorldNone {
		return 0, false
	}
	return id, true
}

// SendActionToActiveWorld queues an action for the focused world. Calling
// without a focused world is a programming error.
func (u *Universe) SendActionToActiveWorld(a Action) {
	id, ok := u.ActiveWorldID()
	if !ok {
		panic("universe: no active world")
	}
	u.enqueue(queuedAction{target: &id, stateful: a.Stateful(), action: a})
}

// SendActionToAllWorlds queues an action for every world.
func (u *Universe) SendActionToAllWorlds(a Action) {
	u.enqueue(queuedAction{stateful: a.Stateful(), action: a})
}

func (u *Universe) enqueue(qa queuedAction) {
	select {
	case u.actions <- qa:
	default:
		// input arriving faster than frames can drain it; shed the newest
	}
}

// QueueLen reports how many actions are waiting for the next frame build.
func (u *Universe) QueueLen() int { return len(u.actions) }

// ClearActions discards all queued input. Called while paused so stale
// input does not burst into the first live frame.
func (u *Universe) ClearActions() {
	for {
		select {
		case <-u.actions:
		default:
			return
		}
	}
}

// BuildActions collects this frame's input: each world's built actions plus
// everything queued from other goroutines, split into stateful (relayed to
// peers) and stateless (local only) sets. Both maps carry an entry for every
// loaded world, empty or not.
func (u *Universe) BuildActions() (stateful, stateless map[WorldID][]Action) {
	frame := u.ActiveFrame()
	activeID, hasActive := u.ActiveWorldID()
	stateful = make(map[WorldID][]Action, len(u.order))
	stateless = make(map[WorldID][]Action, len(u.order))
	for _, id := range u.order {
		w := u.worlds[id]
		active := hasActive && id == activeID
		stateful[id] = append(stateful[id], w.BuildStatefulActions(frame, active)...)
		stateless[id] = append(stateless[id], w.BuildStatelessActions(frame, active)...)
	}

	for {
		select {
		case qa := <-u.actions:
			dst := stateless
			if qa.stateful {
				dst = stateful
			}
			if qa.target != nil {
				if _, ok := u.worlds[*qa.target]; ok {
					dst[*qa.target] = append(dst[*qa.target], qa.action)
				}
				continue
			}
			for _, id := range u.order {
				dst[id] = append(dst[id], qa.action)
			}
		default:
			return stateful, stateless
		}
	}
}

// ActiveFrame returns the frame the universe is currently executing.
func (u *Universe) ActiveFrame() FrameID {
	return FrameID(u.frame.Load())
}

// NextFrame advances the frame counter and fires a scheduled pause when its
// frame is reached. It returns the new frame.
func (u *Universe) NextFrame() FrameID {
	next := u.frame.Add(1)
	if at := u.pauseAt.Load(); at != 0 && at == next {
		u.Pause()
		u.pauseAt.Store(0)
	}
	return FrameID(next)
}
