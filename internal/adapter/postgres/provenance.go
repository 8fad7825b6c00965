package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/somahq/arbiter/internal/domain"
	"github.com/somahq/arbiter/internal/domain/episode"
)

// keyLayout formats the timestamp half of a provenance record key.
const keyLayout = "20060102T150405.000Z"

// ProvenanceStore implements the provenance port using PostgreSQL
// (append-only; records are inserted once and never updated).
type ProvenanceStore struct {
	pool *pgxpool.Pool
}

// NewProvenanceStore creates a ProvenanceStore backed by the given pool.
func NewProvenanceStore(pool *pgxpool.Pool) *ProvenanceStore {
	return &ProvenanceStore{pool: pool}
}

// Persist inserts the episode record and returns its key
// ({timestamp}_{traceId}). A second insert for the same trace ID fails;
// records are write-once.
func (s *ProvenanceStore) Persist(ctx context.Context, ep *episode.Episode) (string, error) {
	record, err := json.Marshal(ep)
	if err != nil {
		return "", fmt.Errorf("marshal episode %s: %w", ep.TraceID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO provenance_records (trace_id, outcome, rounds_completed, completed_at, record)
		 VALUES ($1, $2, $3, $4, $5)`,
		ep.TraceID, string(ep.Outcome), ep.RoundsCompleted, ep.CompletedAt, record)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("provenance record %s: %w", ep.TraceID, domain.ErrConflict)
		}
		return "", fmt.Errorf("insert provenance record %s: %w", ep.TraceID, err)
	}

	return ep.CompletedAt.UTC().Format(keyLayout) + "_" + ep.TraceID, nil
}

// Get loads the episode record for the given trace ID.
func (s *ProvenanceStore) Get(ctx context.Context, traceID string) (*episode.Episode, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM provenance_records WHERE trace_id = $1`, traceID).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("provenance record %s: %w", traceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load provenance record %s: %w", traceID, err)
	}

	var ep episode.Episode
	if err := json.Unmarshal(record, &ep); err != nil {
		return nil, fmt.Errorf("parse provenance record %s: %w", traceID, err)
	}
	return &ep, nil
}
