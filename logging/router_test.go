package logging_test

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"tower-arena/server/logging"
	"tower-arena/server/logging/sinks"
)

func fixedClock() logging.Clock {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return logging.ClockFunc(func() time.Time { return at })
}

func TestRouterDeliversToEnabledSinks(t *testing.T) {
	mem := sinks.NewMemory(0)
	skipped := sinks.NewMemory(0)
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.MinimumSeverity = logging.SeverityDebug
	cfg.Fields = map[string]any{"service": "tower"}

	router, err := logging.NewRouter(cfg, fixedClock(), log.New(&bytes.Buffer{}, "", 0), map[string]logging.Sink{
		"memory":  mem,
		"console": skipped,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "test.one", SessionID: "s1"})
	router.Publish(context.Background(), logging.Event{})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := mem.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["service"] != "tower" {
		t.Fatalf("expected router fields to be merged, got %v", events[0].Extra)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected event time to be stamped")
	}
	if len(skipped.Events()) != 0 {
		t.Fatalf("disabled sink received events")
	}
	if stats := router.Stats(); stats.EventsTotal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	mem := sinks.NewMemory(0)
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.MinimumSeverity = logging.SeverityWarn

	router, err := logging.NewRouter(cfg, fixedClock(), nil, map[string]logging.Sink{"memory": mem})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "debug", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "warn", Severity: logging.SeverityWarn})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := mem.Events(); len(got) != 1 || got[0].Type != "warn" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestRouterPublishAfterCloseIsIgnored(t *testing.T) {
	mem := sinks.NewMemory(0)
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	router, _ := logging.NewRouter(cfg, fixedClock(), nil, map[string]logging.Sink{"memory": mem})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "late"})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(mem.Events()) != 0 {
		t.Fatalf("expected no events after close")
	}
}

func TestWithFieldsDoesNotOverrideExtra(t *testing.T) {
	var got logging.Event
	pub := logging.WithFields(logging.PublisherFunc(func(_ context.Context, e logging.Event) { got = e }), map[string]any{
		"a": 1,
		"b": 2,
	})
	pub.Publish(context.Background(), logging.Event{Type: "x", Extra: map[string]any{"a": "kept"}})
	if got.Extra["a"] != "kept" || got.Extra["b"] != 2 {
		t.Fatalf("unexpected extra: %v", got.Extra)
	}
}

func TestMemorySinkLimit(t *testing.T) {
	mem := sinks.NewMemory(2)
	for _, typ := range []logging.EventType{"a", "b", "c"} {
		_ = mem.Write(logging.Event{Type: typ})
	}
	events := mem.Events()
	if len(events) != 2 || events[0].Type != "b" || events[1].Type != "c" {
		t.Fatalf("unexpected retained events: %+v", events)
	}
	if len(mem.OfType("c")) != 1 {
		t.Fatalf("expected OfType to find c")
	}
}
