// Package provenance defines the port interface for the durable,
// write-once episode audit trail.
package provenance

import (
	"context"

	"github.com/somahq/arbiter/internal/domain/episode"
)

// Store is the port interface for persisting and loading episode records.
// Records are write-once: an episode is persisted exactly once, at its
// terminal state, and never updated in place.
type Store interface {
	// Persist writes the episode record and returns its storage key
	// (file path or database key).
	Persist(ctx context.Context, ep *episode.Episode) (string, error)

	// Get loads a persisted episode by trace ID.
	Get(ctx context.Context, traceID string) (*episode.Episode, error)
}
