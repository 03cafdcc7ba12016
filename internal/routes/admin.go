package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/admin"
	"github.com/keygate/keygate/internal/middleware"
)

// RegisterAdminRoutes wires the owner-only account operations.
func RegisterAdminRoutes(app *fiber.App, d Deps) {
	h := admin.NewHandler(d.Store, d.Logger)
	guard := []fiber.Handler{middleware.Identity(d.Directory, true), middleware.AdminOnly()}

	app.Post("/premium", append(guard, h.Premium)...)
	app.Post("/grant", append(guard, h.Grant)...)
	app.Post("/admin/sweep", append(guard, h.Sweep)...)
}
