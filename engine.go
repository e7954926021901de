// Package engine drives a deterministic lockstep simulation: a universe of
// worlds stepped frame by frame, with a network facade that keeps every
// participating peer executing each frame against identical input.
package engine

import (
	"context"
	"time"

	"emberfall/engine/internal/telemetry"
	"emberfall/engine/logging"
	lsim "emberfall/engine/logging/simulation"
	"emberfall/engine/mp"
	"emberfall/engine/universe"
)

// DefaultCatchupMaxFrames bounds how many frames one wall-clock tick may
// execute back to back while rejoining the live frame.
const DefaultCatchupMaxFrames = 8

// Hooks let the embedding application observe the loop without owning it.
type Hooks struct {
	// AfterStep runs on the simulation goroutine after a frame executed
	// at sync; the render handoff point.
	AfterStep func(frame universe.FrameID, atSync bool)
	// OnSessionEnd runs after the loop tears a dead session down.
	OnSessionEnd func()
}

// Config wires an Engine.
type Config struct {
	Universe *universe.Universe
	Network  *Network
	Hooks    Hooks

	// CatchupMaxFrames caps frames per tick during catch-up; 0 means
	// DefaultCatchupMaxFrames.
	CatchupMaxFrames int

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// Engine runs the frame loop. One goroutine calls Run; everything the loop
// touches — the universe's worlds, the endpoint, the action buffer — is
// owned by that goroutine.
type Engine struct {
	uni     *universe.Universe
	network *Network
	hooks   Hooks

	catchupMax int

	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	queueWarn int
}

// New wires an engine. Universe and Network are required.
func New(cfg Config) *Engine {
	if cfg.Universe == nil {
		panic("engine: nil universe")
	}
	if cfg.Network == nil {
		panic("engine: nil network")
	}
	e := &Engine{
		uni:        cfg.Universe,
		network:    cfg.Network,
		hooks:      cfg.Hooks,
		catchupMax: cfg.CatchupMaxFrames,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		publisher:  cfg.Publisher,
		queueWarn:  256,
	}
	if e.catchupMax <= 0 {
		e.catchupMax = DefaultCatchupMaxFrames
	}
	if e.logger == nil {
		e.logger = telemetry.NopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NopMetrics()
	}
	if e.publisher == nil {
		e.publisher = logging.NopPublisher()
	}
	return e
}

// Universe returns the simulation the engine drives.
func (e *Engine) Universe() *universe.Universe { return e.uni }

// Network returns the engine's network facade.
func (e *Engine) Network() *Network { return e.network }

// Run executes the frame loop until ctx is cancelled. While the universe is
// paused the loop idles and drives a pending join handshake; while running
// it builds input, synchronizes the frame with the session, and steps every
// world. It must be the only goroutine stepping the universe.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.network.StopEndpoint()
			return
		default:
		}

		if e.uni.IsPaused() {
			// stale input must not burst into the first live frame
			e.uni.ClearActions()
			if !e.network.SyncJoinProcess() {
				e.teardown()
			}
			e.idle(ctx, e.uni.FrameTime())
			continue
		}

		start := time.Now()
		executed, alive := e.runTick()
		if !alive {
			continue
		}
		e.warnOnQueueGrowth()
		if executed > 1 {
			lsim.CatchupBurst(ctx, e.publisher, uint64(e.uni.ActiveFrame()), lsim.CatchupBurstPayload{
				FramesBehind: uint64(executed - 1),
				Replayed:     uint64(executed),
			}, nil)
		}
		e.idle(ctx, e.uni.FrameTime()-time.Since(start))
	}
}

// runTick executes at least one frame, and more when the session is ahead,
// bounded by the catch-up quota. It reports how many frames ran and whether
// the session survived.
func (e *Engine) runTick() (int, bool) {
	executed := 0
	for executed < e.catchupMax {
		if e.uni.IsPaused() {
			return executed, true
		}
		atFrame := e.uni.ActiveFrame()
		stateful, stateless := e.uni.BuildActions()

		waitStart := time.Now()
		res := e.network.SyncActions(stateful, stateless, atFrame)
		if res == nil {
			e.teardown()
			return executed, false
		}
		if wait := time.Since(waitStart); wait > e.uni.FrameTime() {
			lsim.SyncStall(context.Background(), e.publisher, uint64(atFrame), lsim.SyncStallPayload{
				WaitMillis: wait.Milliseconds(),
			}, nil)
		}

		e.stepWorlds(atFrame, res)
		e.uni.NextFrame()
		executed++
		e.metrics.Add("engine.frames", 1)

		if res.AtSync {
			if e.hooks.AfterStep != nil {
				e.hooks.AfterStep(atFrame, true)
			}
			return executed, true
		}
	}
	return executed, true
}

// stepWorlds applies one frame's synchronized action sets to every world.
// Joined and left are handed to every world; each world consumes only its
// own action list.
func (e *Engine) stepWorlds(frame universe.FrameID, res *mp.SyncResult) {
	roster := e.uni.Players()
	for _, w := range e.uni.Worlds() {
		w.Step(frame, universe.Env{
			Players: roster,
			Joined:  res.Joined,
			Left:    res.Left,
			Actions: res.Actions[w.ID()],
		})
	}
}

// teardown ends the session: pause, drop the dead endpoint, clear all
// loaded state.
func (e *Engine) teardown() {
	e.uni.Pause()
	e.network.StopEndpoint()
	e.uni.UnloadUniverse()
	e.metrics.Add("engine.sessions_torn_down", 1)
	if e.hooks.OnSessionEnd != nil {
		e.hooks.OnSessionEnd()
	}
}

// warnOnQueueGrowth logs when cross-thread input outpaces the simulation,
// throttled to power-of-two thresholds so a steady stall cannot flood the
// router.
func (e *Engine) warnOnQueueGrowth() {
	depth := e.uni.QueueLen()
	if depth < e.queueWarn {
		return
	}
	for depth >= e.queueWarn {
		e.queueWarn *= 2
	}
	lsim.ActionQueueGrowth(context.Background(), e.publisher, uint64(e.uni.ActiveFrame()), lsim.ActionQueueGrowthPayload{
		QueueLength: depth,
	}, nil)
}

// idle sleeps for d, waking early on cancellation.
func (e *Engine) idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
