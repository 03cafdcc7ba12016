package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/httperr"
	"github.com/keygate/keygate/internal/identity"
)

const callerLocal = "caller"

// Identity resolves the X-TG-ID header against dir. With required set, a
// missing or malformed identity rejects the request; otherwise an absent
// header passes through anonymously.
func Identity(dir *identity.Directory, required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get(identity.Header)
		if raw == "" && !required {
			return c.Next()
		}
		caller, err := dir.Resolve(raw)
		if err != nil {
			return httperr.From(err)
		}
		c.Locals(callerLocal, caller)
		return c.Next()
	}
}

// AdminOnly rejects callers that are not on the admin allow-list. It must run
// after Identity.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller, ok := CallerFrom(c)
		if !ok {
			return httperr.From(identity.ErrMissing)
		}
		if !caller.Admin {
			return fiber.NewError(fiber.StatusForbidden, "only admins may do this")
		}
		return c.Next()
	}
}

// CallerFrom returns the caller resolved by Identity.
func CallerFrom(c *fiber.Ctx) (identity.Caller, bool) {
	caller, ok := c.Locals(callerLocal).(identity.Caller)
	return caller, ok
}
