package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// recorderWorld logs what it steps so tests can assert on the frame stream.
type recorderWorld struct {
	id universe.WorldID

	mu  sync.Mutex
	log []string
}

func (w *recorderWorld) ID() universe.WorldID { return w.id }
func (w *recorderWorld) Name() string         { return "recorder" }

func (w *recorderWorld) Step(frame universe.FrameID, env universe.Env) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range env.Joined {
		w.log = append(w.log, fmt.Sprintf("%d join %d", frame, p.ID))
	}
	for _, set := range env.Actions {
		for _, a := range set.Actions {
			w.log = append(w.log, fmt.Sprintf("%d act %d %s", frame, set.Player, a.(stubAction).tag))
		}
	}
}

func (w *recorderWorld) BuildStatefulActions(universe.FrameID, bool) []universe.Action {
	return nil
}

func (w *recorderWorld) BuildStatelessActions(universe.FrameID, bool) []universe.Action {
	return nil
}

func (w *recorderWorld) MarshalState() ([]byte, error) { return nil, nil }

func (w *recorderWorld) snapshotLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.log...)
}

func TestEngineOfflineLoop(t *testing.T) {
	world := &recorderWorld{id: 1}
	uni := universe.New()
	uni.SetSpeed(500)
	uni.LoadWorld(world)
	uni.SetActiveWorld(1)

	own := protocol.PlayerInfo{ID: 7, Name: "solo"}
	network := NewNetwork(NetworkConfig{Universe: uni})
	network.SetOwnPlayer(&own)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var frames []universe.FrameID
	eng := New(Config{
		Universe: uni,
		Network:  network,
		Hooks: Hooks{
			AfterStep: func(frame universe.FrameID, atSync bool) {
				if !atSync {
					t.Error("offline frame stepped out of sync")
				}
				mu.Lock()
				frames = append(frames, frame)
				mu.Unlock()
				if frame >= 5 {
					cancel()
				}
			},
		},
	})

	uni.SendActionToActiveWorld(stubAction{tag: "hop", stateful: true})
	uni.Unpause()
	eng.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(frames) < 6 {
		t.Fatalf("loop executed %d frames, want at least 6", len(frames))
	}
	for i, frame := range frames[:6] {
		if frame != universe.FrameID(i) {
			t.Fatalf("frames = %v, want sequential from 0", frames[:6])
		}
	}

	log := world.snapshotLog()
	if len(log) < 2 {
		t.Fatalf("world log = %v", log)
	}
	if log[0] != "0 join 7" {
		t.Fatalf("log[0] = %q, want the local player joining on frame 0", log[0])
	}
	if log[1] != "0 act 7 hop" {
		t.Fatalf("log[1] = %q, want the queued action on frame 0", log[1])
	}
}

func TestEngineIdlesWhilePaused(t *testing.T) {
	world := &recorderWorld{id: 1}
	uni := universe.New()
	uni.SetSpeed(500)
	uni.LoadWorld(world)

	network := NewNetwork(NetworkConfig{Universe: uni})
	eng := New(Config{Universe: uni, Network: network})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if got := world.snapshotLog(); len(got) != 0 {
		t.Fatalf("paused universe stepped: %v", got)
	}
	if uni.ActiveFrame() != 0 {
		t.Fatalf("frame advanced to %d while paused", uni.ActiveFrame())
	}
}

func TestEngineSessionEndTearsDown(t *testing.T) {
	world := &recorderWorld{id: 1}
	uni := universe.New()
	uni.SetSpeed(500)
	uni.LoadWorld(world)

	ended := false
	network := NewNetwork(NetworkConfig{Universe: uni})
	eng := New(Config{Universe: uni, Network: network, Hooks: Hooks{
		OnSessionEnd: func() { ended = true },
	}})

	eng.teardown()
	if !ended {
		t.Fatal("OnSessionEnd never ran")
	}
	if !uni.IsPaused() {
		t.Fatal("universe running after teardown")
	}
	if len(uni.Worlds()) != 0 {
		t.Fatal("worlds survived teardown")
	}
}
