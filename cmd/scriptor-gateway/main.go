// Package main provides the scriptor gateway: the HTTP surface users reach
// to answer elicitations, inspect workflows and request cancellation.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/scriptorhq/scriptor/pkg/cmd"
	"github.com/scriptorhq/scriptor/pkg/log"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "scriptor-gateway",
		EnableShellCompletion: true,
		Usage:                 "Serve the user-facing workflow gateway",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the gateway server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule(nil, "scriptor-gateway")
			logger.InfoContext(ctx, "Initializing Scriptor gateway")

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			commands, err := cmd.NewCommandBus(command.String("event-bus"), "scriptor-gateway", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := commands.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close command bus", "error", err)
				}
			}()

			gw := NewGateway(logger, store, commands)

			return gw.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
