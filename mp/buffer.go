// Package mp implements the lockstep session layer: the per-frame action
// buffer, the messages game peers exchange, and the server and client
// endpoints that relay actions so every peer steps every frame with
// identical input.
package mp

import (
	"sort"

	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// ActionBuffer accumulates every player's action sets for a sliding window
// of frames. A frame is steppable once every roster player appears in every
// world entry of that frame; exports are ordered so all peers consume
// identical input. ActionBuffer is not synchronized; it belongs to the
// endpoint's sync path.
type ActionBuffer struct {
	// players records which players have imported anything for a frame,
	// regardless of world. Join/leave diffs come from these sets.
	players map[universe.FrameID]map[protocol.PlayerID]struct{}
	actions map[universe.FrameID]map[universe.WorldID]map[protocol.PlayerID][]universe.Action

	// firstLive is the first frame a player imported for, kept while the
	// window still covers it. Imports for earlier frames are invalid.
	firstLive map[protocol.PlayerID]universe.FrameID

	highest universe.FrameID
	hasData bool
}

// NewActionBuffer returns an empty buffer.
func NewActionBuffer() *ActionBuffer {
	return &ActionBuffer{
		players:   make(map[universe.FrameID]map[protocol.PlayerID]struct{}),
		actions:   make(map[universe.FrameID]map[universe.WorldID]map[protocol.PlayerID][]universe.Action),
		firstLive: make(map[protocol.PlayerID]universe.FrameID),
	}
}

// Import appends actions for one player in one world on one frame and
// registers the player in the frame's presence set.
func (b *ActionBuffer) Import(frame universe.FrameID, world universe.WorldID, player protocol.PlayerID, actions []universe.Action) {
	presence, ok := b.players[frame]
	if !ok {
		presence = make(map[protocol.PlayerID]struct{})
		b.players[frame] = presence
	}
	presence[player] = struct{}{}

	byPlayer := b.ensureWorld(frame, world)
	byPlayer[player] = append(byPlayer[player], actions...)

	if _, ok := b.firstLive[player]; !ok {
		b.firstLive[player] = frame
	}
	b.noteFrame(frame)
}

// ImportBatch imports a whole world→player→actions map for one frame.
func (b *ActionBuffer) ImportBatch(frame universe.FrameID, batch map[universe.WorldID]map[protocol.PlayerID][]universe.Action) {
	for world, byPlayer := range batch {
		if len(byPlayer) == 0 {
			b.ImportMissingAsEmpty(frame, world)
			continue
		}
		for player, actions := range byPlayer {
			b.Import(frame, world, player, actions)
		}
	}
}

// ImportMissingAsEmpty makes sure the frame and world entries exist without
// registering anyone in the presence set.
func (b *ActionBuffer) ImportMissingAsEmpty(frame universe.FrameID, world universe.WorldID) {
	b.ensureWorld(frame, world)
	b.noteFrame(frame)
}

func (b *ActionBuffer) ensureWorld(frame universe.FrameID, world universe.WorldID) map[protocol.PlayerID][]universe.Action {
	worlds, ok := b.actions[frame]
	if !ok {
		worlds = make(map[universe.WorldID]map[protocol.PlayerID][]universe.Action)
		b.actions[frame] = worlds
	}
	byPlayer, ok := worlds[world]
	if !ok {
		byPlayer = make(map[protocol.PlayerID][]universe.Action)
		worlds[world] = byPlayer
	}
	return byPlayer
}

func (b *ActionBuffer) noteFrame(frame universe.FrameID) {
	if !b.hasData || frame > b.highest {
		b.highest = frame
		b.hasData = true
	}
}

// ContainsFrame reports whether anything was imported for frame.
func (b *ActionBuffer) ContainsFrame(frame universe.FrameID) bool {
	_, ok := b.actions[frame]
	return ok
}

// ContainsPlayerForFrame reports whether the player appears in every world
// entry of the frame. A missing frame is false; a frame with no world
// entries is vacuously true.
func (b *ActionBuffer) ContainsPlayerForFrame(frame universe.FrameID, player protocol.PlayerID) bool {
	worlds, ok := b.actions[frame]
	if !ok {
		return false
	}
	for _, byPlayer := range worlds {
		if _, ok := byPlayer[player]; !ok {
			return false
		}
	}
	return true
}

// PlayerImported reports whether the player is in the frame's presence set,
// i.e. has imported anything for it. Endpoints use this to drop re-sent
// action sets rather than append them twice.
func (b *ActionBuffer) PlayerImported(frame universe.FrameID, player protocol.PlayerID) bool {
	_, ok := b.players[frame][player]
	return ok
}

// Export deep-copies one frame as world → ordered action sets, players
// ascending by id within each world. It returns nil for an absent frame.
func (b *ActionBuffer) Export(frame universe.FrameID) map[universe.WorldID][]universe.PlayerActions {
	worlds, ok := b.actions[frame]
	if !ok {
		return nil
	}
	out := make(map[universe.WorldID][]universe.PlayerActions, len(worlds))
	for world, byPlayer := range worlds {
		ids := make([]protocol.PlayerID, 0, len(byPlayer))
		for id := range byPlayer {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		sets := make([]universe.PlayerActions, 0, len(ids))
		for _, id := range ids {
			sets = append(sets, universe.PlayerActions{
				Player:  id,
				Actions: append([]universe.Action(nil), byPlayer[id]...),
			})
		}
		out[world] = sets
	}
	return out
}

// JoinedOn returns the players present on frame but not on the frame before
// it, ascending. If either presence set is missing the diff is empty; frame
// zero compares against itself.
func (b *ActionBuffer) JoinedOn(frame universe.FrameID) []protocol.PlayerID {
	return b.presenceDiff(frame, prevFrame(frame))
}

// LeftOn returns the players present on the frame before frame but not on
// frame itself, ascending.
func (b *ActionBuffer) LeftOn(frame universe.FrameID) []protocol.PlayerID {
	return b.presenceDiff(prevFrame(frame), frame)
}

func prevFrame(frame universe.FrameID) universe.FrameID {
	if frame == 0 {
		return 0
	}
	return frame - 1
}

// presenceDiff returns the players in a's presence set missing from b's,
// empty when either set is absent.
func (b *ActionBuffer) presenceDiff(in, notIn universe.FrameID) []protocol.PlayerID {
	cur, ok := b.players[in]
	if !ok {
		return nil
	}
	ref, ok := b.players[notIn]
	if !ok {
		return nil
	}
	var out []protocol.PlayerID
	for id := range cur {
		if _, ok := ref[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MissingPlayersFor filters roster down to the players the frame is still
// waiting on, preserving roster order.
func (b *ActionBuffer) MissingPlayersFor(frame universe.FrameID, roster []protocol.PlayerID) []protocol.PlayerID {
	var out []protocol.PlayerID
	for _, id := range roster {
		if !b.ContainsPlayerForFrame(frame, id) {
			out = append(out, id)
		}
	}
	return out
}

// FirstLiveFrame returns the earliest frame the player has imported for, if
// the window still remembers it.
func (b *ActionBuffer) FirstLiveFrame(player protocol.PlayerID) (universe.FrameID, bool) {
	frame, ok := b.firstLive[player]
	return frame, ok
}

// SetFirstLiveFrame pins the player's first live frame, overriding whatever
// an earlier import recorded. The server calls this when a join completes.
func (b *ActionBuffer) SetFirstLiveFrame(player protocol.PlayerID, frame universe.FrameID) {
	b.firstLive[player] = frame
}

// ClearPlayer forgets the player's first-live record. Call when dropping a
// player so a later rejoin starts clean.
func (b *ActionBuffer) ClearPlayer(player protocol.PlayerID) {
	delete(b.firstLive, player)
}

// HighestFrame returns the newest frame ever imported. The high-water mark
// does not retreat on GC.
func (b *ActionBuffer) HighestFrame() (universe.FrameID, bool) {
	return b.highest, b.hasData
}

// FrameCount returns how many frames currently hold data.
func (b *ActionBuffer) FrameCount() int {
	return len(b.actions)
}

// GC drops every frame below watermark from both maps, and first-live
// records the window no longer covers. Frames at or above the watermark are
// untouched.
func (b *ActionBuffer) GC(watermark universe.FrameID) {
	for frame := range b.actions {
		if frame < watermark {
			delete(b.actions, frame)
		}
	}
	for frame := range b.players {
		if frame < watermark {
			delete(b.players, frame)
		}
	}
	for player, frame := range b.firstLive {
		if frame < watermark {
			delete(b.firstLive, player)
		}
	}
}
