package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/notification"
	"github.com/keygate/keygate/internal/obs"
	"github.com/keygate/keygate/internal/relay"
	"github.com/keygate/keygate/internal/topup"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Mongo  *mongo.Client
	Logger *slog.Logger

	Store     *keystore.Service
	Topups    *topup.Service
	Relay     *relay.Service
	Directory *identity.Directory
	Notifier  notification.Notifier

	Metrics  *obs.Metrics
	Gatherer prometheus.Gatherer
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Store == nil {
		return errors.New("credential store is required")
	}
	if d.Topups == nil {
		return errors.New("topup service is required")
	}
	// The memory backend loses every key on restart.
	if !isDev(d.Cfg.AppEnv) && d.Cfg.StoreBackend == config.BackendMemory {
		return fmt.Errorf("STORE_BACKEND=memory is not allowed when APP_ENV=%s", d.Cfg.AppEnv)
	}
	if d.Relay == nil {
		d.Relay = relay.NewService(relay.Options{Logger: d.Logger})
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Metrics(d.Metrics))
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"name":       d.Cfg.AppName,
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
			"endpoints":  endpoints,
		})
	})
	RegisterHealthRoutes(app, d)
	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(obs.Handler(d.Gatherer)))
	}

	RegisterKeyRoutes(app, d)
	RegisterTopupRoutes(app, d)
	RegisterAdminRoutes(app, d)
	RegisterRelayRoutes(app, d)
	return nil
}

var endpoints = []string{
	"POST /gen_key",
	"POST /key",
	"POST /keys/purchase",
	"GET /balance",
	"POST /topups",
	"GET /topups",
	"POST /premium",
	"POST /grant",
	"POST /admin/sweep",
	"GET /admin/topups",
	"POST /v1/chat/completions",
	"POST /g4f/generate",
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
