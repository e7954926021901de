package universe

import "emberfall/engine/protocol"

// World is one simulation space inside the universe. Implementations must be
// deterministic: identical state plus an identical Env must produce identical
// state on every peer, so no wall clocks, map iteration, or unseeded
// randomness inside Step.
type World interface {
	ID() WorldID
	Name() string

	// Step advances the world by one frame. Env carries everything the
	// frame may consume.
	Step(frame FrameID, env Env)

	// BuildStatefulActions turns the world's pending local input into
	// actions that will be distributed to every peer. active reports
	// whether this world currently has focus.
	BuildStatefulActions(frame FrameID, active bool) []Action
	// BuildStatelessActions is the local-only counterpart; these actions
	// never cross the wire.
	BuildStatelessActions(frame FrameID, active bool) []Action

	// MarshalState serializes the world for join transfers and saves. The
	// blob must be self-describing enough for the game's world decoder.
	MarshalState() ([]byte, error)
}

// Env is the per-frame input to World.Step.
type Env struct {
	// Players is the live roster. Step may mutate it (spawn entities for
	// joiners, stash leavers).
	Players *Players
	// Joined lists players whose actions appear on this frame for the
	// first time.
	Joined []protocol.PlayerInfo
	// Left lists players whose actions stopped appearing on this frame.
	Left []protocol.PlayerID
	// Actions holds this world's action sets, ascending by PlayerID.
	Actions []PlayerActions
}
