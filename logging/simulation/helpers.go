package simulation

import (
	"context"

	"emberfall/engine/logging"
)

const (
	// EventCatchupBurst is emitted when the frame loop runs multiple frames back to back to rejoin the live frame.
	EventCatchupBurst logging.EventType = "simulation.catchup_burst"
	// EventSyncStall is emitted when a peer waits on frame actions longer than the configured budget.
	EventSyncStall logging.EventType = "simulation.sync_stall"
	// EventActionQueueGrowth is emitted when the pending action queue crosses a power-of-two threshold.
	EventActionQueueGrowth logging.EventType = "simulation.action_queue_growth"
)

// CatchupBurstPayload captures how far behind the loop was and how much it replayed.
type CatchupBurstPayload struct {
	FramesBehind uint64 `json:"framesBehind"`
	Replayed     uint64 `json:"replayed"`
}

// CatchupBurst publishes a debug event after a catch-up burst completes.
func CatchupBurst(ctx context.Context, pub logging.Publisher, frame uint64, payload CatchupBurstPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventCatchupBurst,
		Frame:    frame,
		Severity: logging.SeverityDebug,
		Category: "simulation",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SyncStallPayload captures how long the loop blocked waiting for actions.
type SyncStallPayload struct {
	WaitMillis int64 `json:"waitMillis"`
}

// SyncStall publishes a warning when the frame loop stalls on the network.
func SyncStall(ctx context.Context, pub logging.Publisher, frame uint64, payload SyncStallPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSyncStall,
		Frame:    frame,
		Severity: logging.SeverityWarn,
		Category: "simulation",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ActionQueueGrowthPayload captures the queue depth that tripped the warning.
type ActionQueueGrowthPayload struct {
	QueueLength int `json:"queueLength"`
}

// ActionQueueGrowth publishes a warning when queued input keeps growing.
func ActionQueueGrowth(ctx context.Context, pub logging.Publisher, frame uint64, payload ActionQueueGrowthPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventActionQueueGrowth,
		Frame:    frame,
		Severity: logging.SeverityWarn,
		Category: "simulation",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
