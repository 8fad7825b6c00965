// Package eventbus defines the port interface for publishing and consuming
// episode events on the message bus.
package eventbus

import "context"

// Subjects used by the orchestrator. The front end and any observers talk
// to the core over these; no HTTP surface exists in this service.
const (
	SubjectQuerySubmit   = "queries.submit"
	SubjectEpisodeResult = "episodes.result"
	SubjectEpisodeTrace  = "episodes.trace"
	SubjectLowConfidence = "episodes.low_confidence"
	SubjectDeclined      = "episodes.declined"
)

// Handler processes one message from a subject.
type Handler func(subject string, data []byte) error

// Bus is the port interface for the episode event bus.
type Bus interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function stops the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)

	// Close shuts down the bus connection.
	Close() error
}
