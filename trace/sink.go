// Package trace publishes the append-only stream of observable actions
// (tool calls, capability invocations, errors) described in spec.md §3 and
// §6, and lets the gateway's own subsystems fold completed traces back
// into the graph (spec §4.3 update protocol).
package trace

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpgate/gateway/api"
)

// Sink publishes trace events to a stream. Implementations range from an
// in-memory ring (tests, single-process deployments) to a Redis-backed
// Pulse stream (multi-node deployments with external observability
// consumers).
type Sink interface {
	Publish(ctx context.Context, event api.TraceEvent) error
}

// NewEventID mints an id for a new trace event.
func NewEventID() string { return uuid.NewString() }

// MemorySink is a bounded in-memory Sink, the default when no external
// stream backend is configured.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	events   []api.TraceEvent
}

// NewMemorySink constructs a MemorySink retaining at most capacity events,
// dropping the oldest once full.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{capacity: capacity}
}

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, event api.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
	return nil
}

// Events returns a snapshot of currently retained events, oldest first.
func (s *MemorySink) Events() []api.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.TraceEvent, len(s.events))
	copy(out, s.events)
	return out
}

// wireEvent is the JSON payload published onto the trace stream.
type wireEvent struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`
	RootID    string `json:"root_id"`
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	InputFP   string `json:"input_fp,omitempty"`
	OutputFP  string `json:"output_fp,omitempty"`
	Status    string `json:"status"`
	DurationNS int64  `json:"duration_ns"`
	Timestamp string `json:"timestamp"`
}

func toWire(e api.TraceEvent) ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:         e.ID,
		ParentID:   e.ParentID,
		RootID:     e.RootID,
		Kind:       string(e.Kind),
		Target:     e.Target,
		InputFP:    e.InputFP,
		OutputFP:   e.OutputFP,
		Status:     e.Status,
		DurationNS: e.Duration.Nanoseconds(),
		Timestamp:  e.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"),
	})
}
