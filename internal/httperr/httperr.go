// Package httperr translates domain errors into HTTP responses. Clients get a
// short fixed message per category; the full error only reaches the logs.
package httperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/keystore"
)

// From maps err to a *fiber.Error. Errors that are already *fiber.Error pass
// through unchanged.
func From(err error) error {
	if err == nil {
		return nil
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe
	}
	status, msg := classify(err)
	return fiber.NewError(status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrMissing):
		return http.StatusUnauthorized, "identity required"
	case errors.Is(err, identity.ErrInvalid):
		return http.StatusBadRequest, "invalid identity"
	case errors.Is(err, keystore.ErrUnauthorized):
		return http.StatusUnauthorized, "missing API key"
	case errors.Is(err, keystore.ErrNotFound):
		return http.StatusUnauthorized, "invalid API key"
	case errors.Is(err, keystore.ErrExpired):
		return http.StatusForbidden, "API key expired"
	case errors.Is(err, keystore.ErrNotPremium):
		return http.StatusForbidden, "premium required"
	case errors.Is(err, keystore.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, keystore.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient balance"
	case errors.Is(err, keystore.ErrInvalidOwner):
		return http.StatusBadRequest, "invalid owner or amount"
	case errors.Is(err, keystore.ErrConflict):
		return http.StatusConflict, "conflict, retry"
	case errors.Is(err, keystore.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Handler renders errors as {"error": message} and logs server-side failures.
func Handler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var (
			status int
			msg    string
			fe     *fiber.Error
		)
		if errors.As(err, &fe) {
			status, msg = fe.Code, fe.Message
		} else {
			status, msg = classify(err)
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", slog.String("path", c.Path()), slog.Int("status", status), slog.Any("error", err))
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
}
