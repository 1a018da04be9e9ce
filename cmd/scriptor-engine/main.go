// Package main provides the scriptor engine worker: it consumes workflow
// commands from the bus and drives step execution.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/scriptorhq/scriptor/pkg/agents"
	"github.com/scriptorhq/scriptor/pkg/cache"
	"github.com/scriptorhq/scriptor/pkg/checkpoint"
	"github.com/scriptorhq/scriptor/pkg/cmd"
	"github.com/scriptorhq/scriptor/pkg/communicator"
	"github.com/scriptorhq/scriptor/pkg/completion"
	"github.com/scriptorhq/scriptor/pkg/config"
	"github.com/scriptorhq/scriptor/pkg/decision"
	"github.com/scriptorhq/scriptor/pkg/engine"
	"github.com/scriptorhq/scriptor/pkg/log"
	"github.com/scriptorhq/scriptor/pkg/otelhelper"
	"github.com/scriptorhq/scriptor/pkg/recovery"
)

func main() {
	command := &cli.Command{
		Name:                  "scriptor-engine",
		EnableShellCompletion: true,
		Usage:                 "Start an engine worker to drive document workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the scriptor configuration file",
				Required: true,
				Sources:  cli.EnvVars("SCRIPTOR_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "engine-" + uuid.New().String()[:8]
	}

	logger := log.WithModule(nil, "scriptor-engine").With("worker_id", workerID)

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	broadcasts, err := cmd.NewEventBus(command.String("event-bus"), "scriptor-engine", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := broadcasts.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close broadcast bus", "error", err)
		}
	}()

	commands, err := cmd.NewCommandBus(command.String("event-bus"), "scriptor-engine", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := commands.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close command bus", "error", err)
		}
	}()

	var tracer trace.Tracer
	if command.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "scriptor-engine")
		if err != nil {
			return err
		}
	}

	waits := communicator.NewWaitRegistry(cfg.Elicitation.WaitTimeout.Std(), cfg.Elicitation.SweepAge.Std())
	comm := communicator.New(store, communicator.NewBusBroadcaster(broadcasts), waits, logger)
	catalog := agents.NewCatalog(cfg.Paths.AgentsDir, cache.NewManager(cfg.CacheCapacity), logger)
	completions := completion.NewHTTPClient(cfg.Completion.Endpoint, cfg.Completion.Timeout.Std(), logger)
	checkpoints := checkpoint.NewManager(
		store.CheckpointRepository(), store.WorkflowRepository(), comm, cfg.Engine.CheckpointsEnabled, logger)

	eng := engine.New(engine.Deps{
		Config:      *cfg,
		Workflows:   store.WorkflowRepository(),
		Messenger:   comm,
		Catalog:     catalog,
		Completions: completions,
		Decisions:   decision.NewEngine(completions, comm, store.WorkflowRepository(), logger),
		Checkpoints: checkpoints,
		Recovery:    recovery.NewManager(cfg.Retry, logger),
		Waits:       waits,
		Publisher:   broadcasts,
		Tracer:      tracer,
		Logger:      logger,
	})

	worker := NewWorker(workerID, cfg, store, eng, commands, checkpoints, waits, logger)

	return worker.Start(ctx)
}
