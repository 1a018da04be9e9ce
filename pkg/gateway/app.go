package gateway

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp builds the fiber application with the gateway's routes.
func NewApp(h *Handlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Scriptor Gateway")
	})

	app.Post("/responses/:messageID", h.HandleUserResponse)

	w := app.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Get("/:id", h.GetWorkflow)
	w.Post("/:id/cancel", h.CancelWorkflow)

	app.Get("/health", h.HealthCheck)

	return app
}
