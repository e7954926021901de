package network

import (
	"context"

	"emberfall/engine/logging"
)

const (
	// EventMessageExpired is emitted when an outgoing reliable message exhausts its ttl without an acknowledgement.
	EventMessageExpired logging.EventType = "network.message_expired"
	// EventProtocolViolation is emitted when an incoming datagram fails validation and is discarded.
	EventProtocolViolation logging.EventType = "network.protocol_violation"
	// EventDuplicateSuppressed is emitted when a retransmitted message is re-acked without redelivery.
	EventDuplicateSuppressed logging.EventType = "network.duplicate_suppressed"
	// EventActionsRejected is emitted when a server refuses a client's action batch.
	EventActionsRejected logging.EventType = "network.actions_rejected"
)

// MessageExpiredPayload captures the size and retry history of an abandoned message.
type MessageExpiredPayload struct {
	SizeBytes int    `json:"sizeBytes"`
	Attempts  uint32 `json:"attempts"`
}

// MessageExpired publishes a warning when a reliable message is abandoned.
func MessageExpired(ctx context.Context, pub logging.Publisher, peer logging.PeerRef, payload MessageExpiredPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventMessageExpired,
		Peer:     peer,
		Severity: logging.SeverityWarn,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ProtocolViolationPayload captures why a datagram was discarded.
type ProtocolViolationPayload struct {
	Reason string `json:"reason"`
}

// ProtocolViolation publishes a warning when a datagram is dropped.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, peer logging.PeerRef, payload ProtocolViolationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventProtocolViolation,
		Peer:     peer,
		Severity: logging.SeverityWarn,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// DuplicateSuppressedPayload identifies the retransmitted message.
type DuplicateSuppressedPayload struct {
	MessageID uint64 `json:"messageId"`
}

// DuplicateSuppressed publishes a debug event when a retransmission is re-acked without redelivery.
func DuplicateSuppressed(ctx context.Context, pub logging.Publisher, peer logging.PeerRef, payload DuplicateSuppressedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDuplicateSuppressed,
		Peer:     peer,
		Severity: logging.SeverityDebug,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ActionsRejectedPayload captures the frame window check that failed.
type ActionsRejectedPayload struct {
	ForFrame    uint64 `json:"forFrame"`
	ActiveFrame uint64 `json:"activeFrame"`
	Reason      string `json:"reason"`
}

// ActionsRejected publishes a warning when a client action batch is refused.
func ActionsRejected(ctx context.Context, pub logging.Publisher, frame uint64, peer logging.PeerRef, payload ActionsRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventActionsRejected,
		Frame:    frame,
		Peer:     peer,
		Severity: logging.SeverityWarn,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
