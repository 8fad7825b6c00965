// Package fsstore implements the provenance port on the local filesystem:
// one write-once JSON file per episode, named {timestamp}_{traceId}.json.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/somahq/arbiter/internal/domain"
	"github.com/somahq/arbiter/internal/domain/episode"
)

// timestampLayout orders directory listings chronologically.
const timestampLayout = "20060102T150405.000Z"

// Store persists episode records as individual JSON files under dir.
type Store struct {
	dir string
}

// New creates a file-backed provenance store rooted at dir, creating the
// directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("fsstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Persist writes the episode to a new file and returns its path.
// Records are write-once; an existing file for the trace ID is an error.
func (s *Store) Persist(_ context.Context, ep *episode.Episode) (string, error) {
	ts := ep.CompletedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s_%s.json", ts.UTC().Format(timestampLayout), ep.TraceID)
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("fsstore: marshal episode %s: %w", ep.TraceID, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // G304: path built from trusted dir + trace id
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("fsstore: record %s: %w", name, domain.ErrConflict)
		}
		return "", fmt.Errorf("fsstore: create record %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("fsstore: write record %s: %w", name, err)
	}
	return path, nil
}

// Get loads the episode record for the given trace ID.
func (s *Store) Get(_ context.Context, traceID string) (*episode.Episode, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("fsstore: read dir: %w", err)
	}

	suffix := "_" + traceID + ".json"
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name())) //nolint:gosec // G304: name comes from our own listing
		if err != nil {
			return nil, fmt.Errorf("fsstore: read record %s: %w", e.Name(), err)
		}
		var ep episode.Episode
		if err := json.Unmarshal(data, &ep); err != nil {
			return nil, fmt.Errorf("fsstore: parse record %s: %w", e.Name(), err)
		}
		return &ep, nil
	}
	return nil, fmt.Errorf("fsstore: episode %s: %w", traceID, domain.ErrNotFound)
}
