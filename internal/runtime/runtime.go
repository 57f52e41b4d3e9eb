// Package runtime assembles the daemon: storage, locks, broker, agent,
// buffering, and the HTTP surface, with ordered teardown.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/taskweave/taskweave/internal/agent"
	"github.com/taskweave/taskweave/internal/broker"
	"github.com/taskweave/taskweave/internal/buffer"
	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/events"
	"github.com/taskweave/taskweave/internal/infra"
	"github.com/taskweave/taskweave/internal/locks"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/parts"
	"github.com/taskweave/taskweave/internal/server"
	"github.com/taskweave/taskweave/internal/storage"
)

// Runtime owns every long-lived component of the daemon.
type Runtime struct {
	cfg      *config.Config
	logger   *observability.Logger
	db       *sql.DB
	redis    *redis.Client
	broker   *broker.Broker
	server   *server.Server
	shutdown *infra.ShutdownCoordinator
}

// Build connects every dependency and wires the pipeline. Components come
// up in dependency order; a failure tears down nothing, the caller exits.
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Runtime, error) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(registry)

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	redisClient, err := locks.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s3Store, err := parts.NewS3Store(ctx, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("build s3 store: %w", err)
	}
	b, err := broker.Dial(cfg.Broker, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	topology := broker.Topology(cfg)
	if err := b.Declare(topology); err != nil {
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	messages := storage.NewMessageStore(db)
	tasks := storage.NewTaskStore(db)
	hydrator := parts.NewHydrator(s3Store, cfg.S3, logger, metrics)
	completePublisher := events.NewCompletePublisher(b, logger)

	provider := agent.NewOpenAIProvider(cfg.LLM, metrics)
	library, err := agent.NewLibrary(tasks, completePublisher, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("build tool library: %w", err)
	}
	loop := agent.NewLoop(provider, library, tasks, logger, cfg.Agent)

	sessionLock := locks.NewSessionLock(redisClient)
	controller := buffer.NewController(cfg, messages, sessionLock, hydrator, loop, b, logger, metrics)
	digest := events.NewDigestConsumer(tasks, events.NewLogDigester(logger), logger)

	handlers := map[string]broker.Handler{
		broker.QueueInsertEntry:   controller.HandleInsertEntry,
		broker.QueueBufferProcess: controller.HandleBufferProcess,
		broker.QueueTaskComplete:  digest.Handle,
	}
	for _, spec := range topology {
		if spec.Parking {
			continue
		}
		handler, ok := handlers[spec.Queue]
		if !ok {
			return nil, fmt.Errorf("no handler for queue %s", spec.Queue)
		}
		b.Register(spec, handler)
	}

	httpSrv := server.New(cfg.Server, controller, registry, logger)

	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		redis:    redisClient,
		broker:   b,
		server:   httpSrv,
		shutdown: infra.NewShutdownCoordinator(30*time.Second, logger),
	}
	r.registerTeardown()
	return r, nil
}

func (r *Runtime) registerTeardown() {
	r.shutdown.RegisterFunc("http", infra.PhaseIntake, func(ctx context.Context) error {
		return r.server.Shutdown(ctx)
	})
	r.shutdown.RegisterFunc("broker", infra.PhaseIntake, func(ctx context.Context) error {
		return r.broker.Close()
	})
	r.shutdown.RegisterFunc("redis", infra.PhaseConnections, func(ctx context.Context) error {
		return r.redis.Close()
	})
	r.shutdown.RegisterFunc("postgres", infra.PhaseConnections, func(ctx context.Context) error {
		return r.db.Close()
	})
}

// Run starts the consumers and the HTTP listener, then blocks until a
// shutdown signal or a fatal listener error.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.broker.Start(ctx); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- r.server.ListenAndServe()
	}()

	done := r.shutdown.OnSignal()
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			r.shutdown.Shutdown(shutdownCtx)
			return fmt.Errorf("http listener: %w", err)
		}
		<-done
	case <-done:
	}
	return nil
}

// Migrate applies the schema against the configured database and closes
// the connection.
func Migrate(ctx context.Context, cfg *config.Config) error {
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	return storage.Migrate(ctx, db)
}
