// Package events provides an asynchronous event bus that decouples detection
// persistence from broadcast consumers such as MQTT, notifications and
// enrichment. Publishing never blocks the caller.
package events

import "context"

// Consumer processes detection events delivered by the bus.
type Consumer interface {
	// Name returns the consumer name for identification
	Name() string

	// ProcessDetection handles one event. The context is cancelled once a
	// shutdown drain finishes or times out.
	ProcessDetection(ctx context.Context, event DetectionEvent) error
}

// Stats contains runtime statistics for monitoring
type Stats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}
