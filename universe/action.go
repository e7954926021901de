// Package universe holds the deterministic simulation core: frame counters,
// worlds, the player roster, the entity arena, and snapshot/save plumbing.
// One goroutine owns the simulation; everything crossing into it goes
// through the action queue or atomics.
package universe

import (
	"emberfall/engine/protocol"
)

// FrameID numbers simulation frames from zero. All peers execute the same
// frame with the same actions.
type FrameID uint64

// WorldID identifies a world within the universe.
type WorldID uint32

// ActiveWorldNone is the WorldID sentinel meaning no world has focus.
const ActiveWorldNone WorldID = ^WorldID(0)

// DefaultUPS is the default simulation rate in frames per second.
const DefaultUPS uint32 = 60

// Action is one unit of player input. Stateful actions mutate simulation
// state and are relayed to every peer; stateless actions only matter locally
// (camera nudges, UI acknowledgements) and never cross the wire.
type Action interface {
	Stateful() bool
}

// ActionCodec translates game actions to and from wire bytes. The engine
// never inspects action contents; the game owns the format.
type ActionCodec interface {
	Marshal(Action) ([]byte, error)
	Unmarshal([]byte) (Action, error)
}

// PlayerActions pairs a player with their actions for one frame in one
// world. Slices of PlayerActions are always ordered by ascending PlayerID so
// every peer steps identical input.
type PlayerActions struct {
	Player  protocol.PlayerID
	Actions []Action
}

// queuedAction is one cross-thread input waiting for the next frame build.
// target is nil for a broadcast to every world.
type queuedAction struct {
	target   *WorldID
	stateful bool
	action   Action
}
