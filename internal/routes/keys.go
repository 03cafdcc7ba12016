package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/auth"
	"github.com/keygate/keygate/internal/middleware"
)

// RegisterKeyRoutes wires credential issuance and balance lookup. All
// issuance paths share one rate limiter per caller.
func RegisterKeyRoutes(app *fiber.App, d Deps) {
	h := auth.NewHandler(d.Store, auth.Options{
		KeyCost:         d.Cfg.KeyCost,
		FreeKeysEnabled: d.Cfg.FreeKeysEnabled,
		Notifier:        d.Notifier,
		Logger:          d.Logger,
	})
	optional := middleware.Identity(d.Directory, false)
	required := middleware.Identity(d.Directory, true)
	limit := middleware.IssueRateLimit(d.Cache, d.Cfg.IssueRateLimit)

	app.Post("/gen_key", optional, limit, h.GenKey)
	app.Post("/key", required, limit, h.PremiumKey)
	app.Post("/keys/purchase", required, limit, h.Purchase)
	app.Get("/balance", required, h.Balance)
}
