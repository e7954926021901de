package session

import (
	"context"

	"emberfall/engine/logging"
)

const (
	// EventPlayerJoined is emitted when a player completes the join protocol.
	EventPlayerJoined logging.EventType = "session.player_joined"
	// EventPlayerLeft is emitted when a player leaves or times out.
	EventPlayerLeft logging.EventType = "session.player_left"
	// EventJoinDenied is emitted when a join request is refused.
	EventJoinDenied logging.EventType = "session.join_denied"
	// EventSessionLost is emitted when a peer can no longer continue the session and must rejoin.
	EventSessionLost logging.EventType = "session.session_lost"
	// EventServerPublished is emitted when the server refreshes its rendezvous listing.
	EventServerPublished logging.EventType = "session.server_published"
)

// PlayerJoinedPayload captures the roster change of a completed join.
type PlayerJoinedPayload struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// PlayerJoined publishes a player join event.
func PlayerJoined(ctx context.Context, pub logging.Publisher, frame uint64, peer logging.PeerRef, payload PlayerJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerJoined,
		Frame:    frame,
		Peer:     peer,
		Severity: logging.SeverityInfo,
		Category: "session",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PlayerLeftPayload captures the reason a player left.
type PlayerLeftPayload struct {
	Reason string `json:"reason"`
}

// PlayerLeft publishes a player departure event.
func PlayerLeft(ctx context.Context, pub logging.Publisher, frame uint64, peer logging.PeerRef, payload PlayerLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerLeft,
		Frame:    frame,
		Peer:     peer,
		Severity: logging.SeverityInfo,
		Category: "session",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// JoinDeniedPayload captures why a join request was refused.
type JoinDeniedPayload struct {
	Reason string `json:"reason"`
}

// JoinDenied publishes a warning when a join request is refused.
func JoinDenied(ctx context.Context, pub logging.Publisher, frame uint64, peer logging.PeerRef, payload JoinDeniedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventJoinDenied,
		Frame:    frame,
		Peer:     peer,
		Severity: logging.SeverityWarn,
		Category: "session",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SessionLostPayload captures the failure that ended the session.
type SessionLostPayload struct {
	Reason string `json:"reason"`
}

// SessionLost publishes an error event when a session cannot continue.
func SessionLost(ctx context.Context, pub logging.Publisher, frame uint64, peer logging.PeerRef, payload SessionLostPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionLost,
		Frame:    frame,
		Peer:     peer,
		Severity: logging.SeverityError,
		Category: "session",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ServerPublishedPayload captures the listing sent to the rendezvous host.
type ServerPublishedPayload struct {
	Players    uint32 `json:"players"`
	MaxPlayers uint32 `json:"maxPlayers"`
}

// ServerPublished publishes a debug event when the server refreshes its listing.
func ServerPublished(ctx context.Context, pub logging.Publisher, frame uint64, payload ServerPublishedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventServerPublished,
		Frame:    frame,
		Severity: logging.SeverityDebug,
		Category: "session",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
