package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/gateway"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

type Gateway struct {
	logger   *slog.Logger
	store    persistence.Persistence
	commands eventbus.EventBus
}

func NewGateway(logger *slog.Logger, store persistence.Persistence, commands eventbus.EventBus) *Gateway {
	return &Gateway{
		logger:   logger,
		store:    store,
		commands: commands,
	}
}

// App builds the fiber application. The standalone gateway has no local
// wait registry; engine workers pick commands up from the bus.
func (g *Gateway) App() *fiber.App {
	handlers := gateway.NewHandlers(g.store, nil, g.commands, g.logger)

	return gateway.NewApp(handlers)
}

func (g *Gateway) Start(port int) error {
	g.logger.Info("Starting gateway server", "port", port)

	return g.App().Listen(":" + strconv.Itoa(port))
}
