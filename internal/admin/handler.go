package admin

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/httperr"
	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/middleware"
)

// Handler exposes the admin-only account operations. Routes must be guarded
// with middleware.AdminOnly.
type Handler struct {
	store  *keystore.Service
	logger *slog.Logger
}

// NewHandler constructs an admin handler.
func NewHandler(store *keystore.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{store: store, logger: logger}
}

// userRef accepts a user id given either as a JSON number or a string.
type userRef string

func (u *userRef) UnmarshalJSON(b []byte) error {
	*u = userRef(bytes.Trim(b, `"`))
	return nil
}

func (u userRef) owner() (string, error) {
	return identity.Parse(string(u))
}

type premiumRequest struct {
	UserID userRef `json:"user_id"`
	Revoke bool    `json:"revoke"`
}

// Premium grants, or with revoke set removes, the premium entitlement.
func (h *Handler) Premium(c *fiber.Ctx) error {
	var req premiumRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	owner, err := req.UserID.owner()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "user_id must be a Telegram user id")
	}
	if _, err := h.store.SetPremium(c.UserContext(), owner, !req.Revoke); err != nil {
		return httperr.From(err)
	}
	h.audit(c, "premium", owner, slog.Bool("revoke", req.Revoke))

	msg := "Premium granted"
	if req.Revoke {
		msg = "Premium revoked"
	}
	return c.JSON(fiber.Map{"status": "success", "user_id": owner, "message": msg})
}

type grantRequest struct {
	UserID userRef `json:"user_id"`
	Amount int64   `json:"amount"`
}

// Grant adds (or with a negative amount, removes) balance.
func (h *Handler) Grant(c *fiber.Ctx) error {
	var req grantRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	owner, err := req.UserID.owner()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "user_id must be a Telegram user id")
	}
	if req.Amount == 0 {
		return fiber.NewError(http.StatusBadRequest, "amount must not be zero")
	}
	balance, err := h.store.AdjustBalance(c.UserContext(), owner, req.Amount)
	if err != nil {
		return httperr.From(err)
	}
	h.audit(c, "grant", owner, slog.Int64("amount", req.Amount), slog.Int64("balance", balance))
	return c.JSON(fiber.Map{"status": "success", "user_id": owner, "balance": balance})
}

// Sweep removes expired credentials immediately.
func (h *Handler) Sweep(c *fiber.Ctx) error {
	removed, err := h.store.SweepExpired(c.UserContext())
	if err != nil {
		return httperr.From(err)
	}
	h.audit(c, "sweep", "", slog.Int("removed", removed))
	return c.JSON(fiber.Map{"removed": removed})
}

func (h *Handler) audit(c *fiber.Ctx, action, target string, attrs ...any) {
	caller, _ := middleware.CallerFrom(c)
	attrs = append(attrs, slog.String("action", action), slog.String("admin", caller.ID))
	if target != "" {
		attrs = append(attrs, slog.String("target", target))
	}
	h.logger.Info("admin action", attrs...)
}
