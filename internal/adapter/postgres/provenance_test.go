package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/somahq/arbiter/internal/adapter/postgres"
	"github.com/somahq/arbiter/internal/config"
	"github.com/somahq/arbiter/internal/domain/episode"
)

// testPool connects to the database named by DATABASE_URL, or skips.
func testPool(t *testing.T) *postgres.ProvenanceStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewProvenanceStore(pool)
}

func TestProvenancePersistAndGet(t *testing.T) {
	store := testPool(t)
	ctx := context.Background()

	traceID := uuid.NewString()
	ep := &episode.Episode{
		TraceID: traceID,
		Query:   "integration check",
		Meta:    episode.Meta{Domain: "technical", QueryLength: 17},
		Candidates: []episode.Candidate{
			{Source: "analyst", Role: "deliberate", Text: "ok", Confidence: 0.8},
		},
		RoundsCompleted: 1,
		Outcome:         episode.OutcomeFinalized,
		StartedAt:       time.Now().UTC(),
		CompletedAt:     time.Now().UTC(),
	}

	key, err := store.Persist(ctx, ep)
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if !strings.HasSuffix(key, "_"+traceID) {
		t.Fatalf("unexpected key: %q", key)
	}

	got, err := store.Get(ctx, traceID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Query != ep.Query || got.Outcome != episode.OutcomeFinalized {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Write-once: a second persist for the same trace must fail.
	if _, err := store.Persist(ctx, ep); err == nil {
		t.Fatal("expected duplicate persist to fail")
	}
}
