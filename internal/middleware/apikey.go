package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/httperr"
	"github.com/keygate/keygate/internal/keystore"
)

// APIKeyHeader is the primary credential header. Authorization: Bearer is
// accepted as well.
const APIKeyHeader = "X-API-Key"

const credentialLocal = "credential"

// Verifier checks a presented API key.
type Verifier interface {
	Verify(ctx context.Context, token string) (keystore.Credential, error)
}

// APIKey guards privileged routes with a credential verified by v.
func APIKey(v Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := presentedKey(c)
		if token == "" {
			return httperr.From(keystore.ErrUnauthorized)
		}
		cred, err := v.Verify(c.UserContext(), token)
		if err != nil {
			return httperr.From(err)
		}
		c.Locals(credentialLocal, cred)
		return c.Next()
	}
}

func presentedKey(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get(APIKeyHeader)); key != "" {
		return key
	}
	authz := c.Get(fiber.HeaderAuthorization)
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// CredentialFrom returns the credential verified by APIKey.
func CredentialFrom(c *fiber.Ctx) (keystore.Credential, bool) {
	cred, ok := c.Locals(credentialLocal).(keystore.Credential)
	return cred, ok
}
