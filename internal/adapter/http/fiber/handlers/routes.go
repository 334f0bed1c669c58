package handlers

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the local control API. api wraps the /api/v1 group only.
func RegisterRoutes(app *fiber.App, tx *TransactionHandler, health *HealthHandler, api ...fiber.Handler) {
	app.Get("/health/live", health.Live)
	app.Get("/health/ready", health.Ready)
	app.Get("/metrics", Metrics())

	v1 := app.Group("/api/v1", api...)
	v1.Get("/status", tx.Status)
	v1.Post("/connectors/:id/authorize", tx.Authorize)
	v1.Get("/connectors/:id/transaction", tx.GetConnectorTransaction)
	v1.Get("/connectors/:id/metering", tx.GetMetering)
	v1.Get("/transactions/:id", tx.Get)
}
