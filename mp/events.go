package mp

import (
	"emberfall/engine/internal/telemetry"
	"emberfall/engine/protocol"
)

// Event is a session notification for the application: the progress of its
// own join, peers joining and leaving, and fatal session conditions. Events
// arrive on the channel the endpoint was configured with; a full channel
// sheds the event rather than stall the frame loop.
type Event interface {
	sessionEvent()
}

// EventOwnJoinAllowed: the server accepted the join request.
type EventOwnJoinAllowed struct{}

// EventOwnJoinDenied: the server refused the join request.
type EventOwnJoinDenied struct {
	Reason string
}

// EventOwnJoinDataRecvSuccess: the universe snapshot arrived and loaded.
type EventOwnJoinDataRecvSuccess struct{}

// EventOwnJoinDataRecvFailure: the snapshot never arrived or failed to load.
type EventOwnJoinDataRecvFailure struct {
	Reason string
}

// EventOwnJoinSuccess: caught up with the live frame; playing.
type EventOwnJoinSuccess struct{}

// EventOwnJoinFailure: could not catch up within the join timeout.
type EventOwnJoinFailure struct {
	Reason string
}

// EventServerActionsNotReceived: the server stopped feeding frames; the
// session is over.
type EventServerActionsNotReceived struct{}

// EventPlayerJoinStart: another player began joining.
type EventPlayerJoinStart struct {
	Player protocol.PlayerInfo
}

// EventPlayerJoinSuccess: another player finished joining.
type EventPlayerJoinSuccess struct {
	Player protocol.PlayerInfo
}

// EventPlayerJoinFailure: another player's join fell through.
type EventPlayerJoinFailure struct {
	Player protocol.PlayerInfo
}

// EventPlayerLeft: a player left or was dropped.
type EventPlayerLeft struct {
	Player protocol.PlayerInfo
}

// EventSessionLost: the session cannot continue honestly (desync, or too far
// behind to catch up) and must be rejoined from scratch.
type EventSessionLost struct {
	Reason string
}

func (EventOwnJoinAllowed) sessionEvent()          {}
func (EventOwnJoinDenied) sessionEvent()           {}
func (EventOwnJoinDataRecvSuccess) sessionEvent()  {}
func (EventOwnJoinDataRecvFailure) sessionEvent()  {}
func (EventOwnJoinSuccess) sessionEvent()          {}
func (EventOwnJoinFailure) sessionEvent()          {}
func (EventServerActionsNotReceived) sessionEvent() {}
func (EventPlayerJoinStart) sessionEvent()         {}
func (EventPlayerJoinSuccess) sessionEvent()       {}
func (EventPlayerJoinFailure) sessionEvent()       {}
func (EventPlayerLeft) sessionEvent()              {}
func (EventSessionLost) sessionEvent()             {}

// emitEvent delivers ev without blocking; a lagging consumer loses events,
// counted under mp.events_dropped.
func emitEvent(ch chan<- Event, metrics telemetry.Metrics, ev Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		metrics.Add("mp.events_dropped", 1)
	}
}
