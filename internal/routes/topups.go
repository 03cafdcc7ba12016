package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/topup"
)

// RegisterTopupRoutes wires payment claims for callers and their review for admins.
func RegisterTopupRoutes(app *fiber.App, d Deps) {
	h := topup.NewHandler(d.Topups)
	required := middleware.Identity(d.Directory, true)

	app.Post("/topups", required, h.Submit)
	app.Get("/topups", required, h.Mine)

	review := app.Group("/admin/topups", required, middleware.AdminOnly())
	review.Get("/", h.List)
	review.Post("/:id/approve", h.Approve)
	review.Post("/:id/reject", h.Reject)
}
