// Command arbiter runs the consensus reasoning core. It has no HTTP
// surface: queries arrive on the message bus (queries.submit), results are
// published back (episodes.result or a caller-chosen reply subject), and
// every episode leaves one durable provenance record behind.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/somahq/arbiter/internal/adapter/fsstore"
	"github.com/somahq/arbiter/internal/adapter/litellm"
	arbnats "github.com/somahq/arbiter/internal/adapter/nats"
	"github.com/somahq/arbiter/internal/adapter/otel"
	"github.com/somahq/arbiter/internal/adapter/postgres"
	"github.com/somahq/arbiter/internal/adapter/procworker"
	"github.com/somahq/arbiter/internal/adapter/ristretto"
	"github.com/somahq/arbiter/internal/config"
	"github.com/somahq/arbiter/internal/domain/episode"
	"github.com/somahq/arbiter/internal/logger"
	"github.com/somahq/arbiter/internal/port/eventbus"
	"github.com/somahq/arbiter/internal/port/provenance"
	"github.com/somahq/arbiter/internal/port/provider"
	"github.com/somahq/arbiter/internal/resilience"
	"github.com/somahq/arbiter/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// submitRequest is the payload accepted on queries.submit.
type submitRequest struct {
	Query   string        `json:"query"`
	Meta    *episode.Meta `json:"meta,omitempty"`
	ReplyTo string        `json:"reply_to,omitempty"`
}

// submitError is published when a submission cannot be evaluated.
type submitError struct {
	TraceID string `json:"trace_id,omitempty"`
	Error   string `json:"error"`
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"log_level", cfg.Logging.Level,
		"providers", len(cfg.Providers),
		"provenance_backend", cfg.Provenance.Backend,
		"worker_pool_size", cfg.Workers.PoolSize,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := otel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Provenance store ---
	var store provenance.Store
	switch cfg.Provenance.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewProvenanceStore(pool)
		log.Info("postgres provenance store ready")
	default:
		fs, err := fsstore.New(cfg.Provenance.Dir)
		if err != nil {
			return fmt.Errorf("fsstore: %w", err)
		}
		store = fs
		log.Info("file provenance store ready", "dir", cfg.Provenance.Dir)
	}

	// --- NATS ---
	bus, err := arbnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()

	// --- Classification cache ---
	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Providers ---
	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey)
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	litellm.Register(llm)

	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := provider.New("litellm", map[string]string{
			"name": pc.Name, "role": pc.Role, "model": pc.Model,
		})
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	// --- Worker pool (optional) ---
	var pool *procworker.Pool
	if cfg.Workers.Command != "" {
		pool = procworker.New(cfg.Workers.Command, cfg.Workers.Args, cfg.Workers.PoolSize)
		pool.OnExit(func(id int, err error) {
			log.Warn("worker exited", "worker", id, "error", err)
		})
		if err := pool.Start(); err != nil {
			return fmt.Errorf("worker pool: %w", err)
		}
		defer pool.Stop()
	}

	// --- Orchestrator ---
	invokerPool := service.WorkerCaller(nil)
	if pool != nil {
		invokerPool = pool
	}
	invoker := service.NewInvoker(invokerPool, cfg.Workers.CallTimeout, log)
	orch := service.NewOrchestrator(cfg.Orchestrator, providers, invoker, store, log)
	if pool != nil {
		orch.SetWorkerPool(pool, cfg.Workers.CallTimeout)
	}
	orch.SetBus(bus)
	orch.SetCache(cache, cfg.Cache.TTL)
	orch.SetMetrics(metrics)

	// --- Query intake ---
	unsubscribe, err := bus.Subscribe(ctx, eventbus.SubjectQuerySubmit, func(_ string, data []byte) error {
		var req submitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn("malformed submission dropped", "error", err)
			return nil
		}
		if req.Query == "" {
			log.Warn("empty submission dropped")
			return nil
		}
		// Episodes run off the subscriber goroutine so a long reflection
		// loop never blocks intake.
		go handleSubmission(ctx, orch, bus, log, req)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventbus.SubjectQuerySubmit, err)
	}
	defer unsubscribe()

	log.Info("arbiter core ready", "subject", eventbus.SubjectQuerySubmit)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	log.Info("shutting down")
	return nil
}

// handleSubmission evaluates one query and publishes the result. Evaluation
// errors are published too; the episode itself is already persisted by then.
func handleSubmission(ctx context.Context, orch *service.Orchestrator, bus eventbus.Bus, log *slog.Logger, req submitRequest) {
	subject := req.ReplyTo
	if subject == "" {
		subject = eventbus.SubjectEpisodeResult
	}

	res, err := orch.Evaluate(ctx, req.Query, req.Meta)
	if err != nil {
		ev := submitError{Error: err.Error()}
		var epErr *service.EpisodeError
		if errors.As(err, &epErr) {
			ev.TraceID = epErr.TraceID
		}
		publishJSON(ctx, bus, log, subject, ev)
		return
	}
	publishJSON(ctx, bus, log, subject, res)
}

func publishJSON(ctx context.Context, bus eventbus.Bus, log *slog.Logger, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("result marshal failed", "error", err)
		return
	}
	if err := bus.Publish(ctx, subject, data); err != nil {
		log.Error("result publish failed", "subject", subject, "error", err)
	}
}
