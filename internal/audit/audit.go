// Package audit provides the fire-and-forget audit sink. Core operations
// record who did what to which entity; the sink must never block or fail the
// operation that produced the event.
package audit

import (
	"log/slog"
	"time"
)

// Event is one structured audit record.
type Event struct {
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink accepts audit events. Implementations must not block the caller.
type Sink interface {
	Record(Event)
}

// LogSink writes audit events through slog on a background goroutine.
// Events are buffered; when the buffer is full they are dropped rather than
// blocking the recording operation.
type LogSink struct {
	logger *slog.Logger
	events chan Event
	done   chan struct{}
}

// NewLogSink creates a sink writing to the given logger and starts its
// background writer. Call Close to flush and stop.
func NewLogSink(logger *slog.Logger, buffer int) *LogSink {
	s := &LogSink{
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *LogSink) run() {
	defer close(s.done)
	for e := range s.events {
		s.logger.Info("audit",
			"actor", e.Actor,
			"action", e.Action,
			"entity", e.Entity,
			"entity_id", e.EntityID,
			"metadata", e.Metadata,
			"at", e.At,
		)
	}
}

// Record enqueues an event, dropping it if the buffer is full.
func (s *LogSink) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.events <- e:
	default:
		// Drop if buffer full to avoid blocking core operations.
	}
}

// Close stops the sink after draining buffered events.
func (s *LogSink) Close() {
	close(s.events)
	<-s.done
}

// NopSink discards all events. Used in tests.
type NopSink struct{}

func (NopSink) Record(Event) {}
