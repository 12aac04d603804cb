package trace

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/mcpgate/gateway/api"
)

// streamName is the single Pulse stream every trace event is published to;
// RootID is carried in the event body so consumers can filter by workflow.
const streamName = "gateway:trace"

// PulseSink publishes trace events onto a Redis-backed Pulse stream,
// letting external observability consumers subscribe to the same
// append-only trace spec.md describes, across gateway nodes.
type PulseSink struct {
	stream *streaming.Stream
}

// NewPulseSink opens (or creates) the shared trace stream on rdb. maxLen
// bounds the stream's retained length; zero uses Pulse's own default.
func NewPulseSink(rdb *redis.Client, maxLen int) (*PulseSink, error) {
	var opts []streamopts.Stream
	if maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(maxLen))
	}
	s, err := streaming.NewStream(streamName, rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace: open pulse stream: %w", err)
	}
	return &PulseSink{stream: s}, nil
}

// Publish implements Sink, adding event to the stream under its Kind as
// the Pulse event name.
func (s *PulseSink) Publish(ctx context.Context, event api.TraceEvent) error {
	payload, err := toWire(event)
	if err != nil {
		return fmt.Errorf("trace: encode event: %w", err)
	}
	if _, err := s.stream.Add(ctx, string(event.Kind), payload); err != nil {
		return fmt.Errorf("trace: publish event: %w", err)
	}
	return nil
}
