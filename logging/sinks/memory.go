package sinks

import (
	"context"
	"sync"

	"tower-arena/server/logging"
)

// Memory retains every event; used by tests and the diagnostics endpoint.
type Memory struct {
	mu     sync.RWMutex
	limit  int
	events []logging.Event
}

// NewMemory keeps at most limit events (oldest evicted). Zero keeps everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (s *Memory) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = append(s.events[:0], s.events[len(s.events)-s.limit:]...)
	}
	return nil
}

func (s *Memory) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logging.Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType filters retained events by type.
func (s *Memory) OfType(t logging.EventType) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []logging.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *Memory) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *Memory) Close(context.Context) error { return nil }
