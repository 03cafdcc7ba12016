package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/relay"
)

// RegisterRelayRoutes wires the actions gated by a presented API key.
func RegisterRelayRoutes(app *fiber.App, d Deps) {
	h := relay.NewHandler(d.Relay)
	key := middleware.APIKey(d.Store)

	app.Post("/v1/chat/completions", key, h.ChatCompletions)
	app.Post("/g4f/generate", key, h.Generate)
}
