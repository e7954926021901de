package logging_test

import (
	"context"
	"testing"
	"time"

	"emberfall/engine/logging"
	"emberfall/engine/logging/sinks"
)

func newTestRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.MemorySink) {
	t.Helper()
	mem := sinks.NewMemorySink()
	fixed := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	router, err := logging.NewRouter(logging.ClockFunc(func() time.Time { return fixed }), cfg, []logging.NamedSink{{Name: "memory", Sink: mem}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return router, mem
}

func closeRouter(t *testing.T, router *logging.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRouterDeliversToSinks(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityDebug
	router, mem := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{
		Type:     "session.player_joined",
		Frame:    42,
		Peer:     logging.PeerRef{ID: "7", Kind: logging.PeerKindPlayer},
		Severity: logging.SeverityInfo,
	})
	router.Publish(context.Background(), logging.Event{
		Type:     "network.message_expired",
		Severity: logging.SeverityWarn,
	})
	closeRouter(t, router)

	events := mem.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Frame != 42 || events[0].Peer.ID != "7" {
		t.Fatalf("event fields lost: %+v", events[0])
	}
	if events[0].Time.IsZero() {
		t.Fatal("router should stamp event time")
	}
	stats := router.Stats()
	if stats.EventsTotal != 2 {
		t.Fatalf("EventsTotal = %d, want 2", stats.EventsTotal)
	}
}

func TestRouterFiltersBySeverity(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router, mem := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{Type: "simulation.catchup_burst", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "session.session_lost", Severity: logging.SeverityError})
	closeRouter(t, router)

	events := mem.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event after filtering, got %d", len(events))
	}
	if events[0].Type != "session.session_lost" {
		t.Fatalf("wrong event survived the filter: %s", events[0].Type)
	}
}

func TestRouterMergesConfiguredFields(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"instance": "test-1"}
	router, mem := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{
		Type:     "session.player_left",
		Severity: logging.SeverityInfo,
		Extra:    map[string]any{"reason": "timeout"},
	})
	closeRouter(t, router)

	events := mem.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["instance"] != "test-1" {
		t.Fatalf("configured field missing: %+v", events[0].Extra)
	}
	if events[0].Extra["reason"] != "timeout" {
		t.Fatalf("event extra overwritten: %+v", events[0].Extra)
	}
}

func TestRouterIgnoresUntypedEvents(t *testing.T) {
	router, mem := newTestRouter(t, logging.DefaultConfig())
	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityError})
	closeRouter(t, router)
	if got := len(mem.Events()); got != 0 {
		t.Fatalf("untyped event should be ignored, got %d", got)
	}
}

func TestRouterSinkLookup(t *testing.T) {
	router, mem := newTestRouter(t, logging.DefaultConfig())
	defer closeRouter(t, router)
	if router.Sink("memory") != logging.Sink(mem) {
		t.Fatal("Sink(memory) should return the registered sink")
	}
	if router.Sink("absent") != nil {
		t.Fatal("Sink(absent) should return nil")
	}
}

func TestWithFieldsDoesNotMutateOriginal(t *testing.T) {
	var captured logging.Event
	pub := logging.WithFields(logging.PublisherFunc(func(_ context.Context, e logging.Event) {
		captured = e
	}), map[string]any{"session": "abc"})

	original := logging.Event{Type: "x", Extra: map[string]any{"k": "v"}}
	pub.Publish(context.Background(), original)

	if captured.Extra["session"] != "abc" || captured.Extra["k"] != "v" {
		t.Fatalf("merged extra wrong: %+v", captured.Extra)
	}
	if _, leaked := original.Extra["session"]; leaked {
		t.Fatal("WithFields mutated the caller's event")
	}
}
