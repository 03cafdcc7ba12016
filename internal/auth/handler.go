package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/httperr"
	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/notification"
)

// AnonymousOwner owns free keys requested without an identity.
const AnonymousOwner = "anonymous"

// Options configures the issuance handlers.
type Options struct {
	KeyCost         int64
	FreeKeysEnabled bool
	Notifier        notification.Notifier
	Logger          *slog.Logger
}

// Handler exposes credential issuance endpoints.
type Handler struct {
	store    *keystore.Service
	cost     int64
	freeKeys bool
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewHandler constructs an issuance handler over store.
func NewHandler(store *keystore.Service, opts Options) *Handler {
	h := &Handler{
		store:    store,
		cost:     opts.KeyCost,
		freeKeys: opts.FreeKeysEnabled,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}
	return h
}

type genKeyResponse struct {
	Key    string `json:"key"`
	Expiry string `json:"expiry"`
}

// GenKey issues a free key with the default validity.
func (h *Handler) GenKey(c *fiber.Ctx) error {
	if !h.freeKeys {
		return fiber.NewError(http.StatusNotFound, "free keys are disabled")
	}
	owner := AnonymousOwner
	if caller, ok := middleware.CallerFrom(c); ok {
		owner = caller.ID
	}
	cred, err := h.store.Issue(c.UserContext(), keystore.IssueInput{Owner: owner, Kind: keystore.KindFree})
	if err != nil {
		return httperr.From(err)
	}
	return c.Status(http.StatusOK).JSON(genKeyResponse{Key: cred.Token, Expiry: formatTime(cred.ExpiresAt)})
}

type premiumKeyRequest struct {
	Username string `json:"username"`
}

type premiumKeyResponse struct {
	APIKey    string `json:"api_key"`
	ExpiresAt string `json:"expires_at"`
}

// PremiumKey issues a key to a premium caller, labelled with the requested username.
func (h *Handler) PremiumKey(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return httperr.From(identity.ErrMissing)
	}
	var req premiumKeyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}
	cred, err := h.store.IssuePremium(c.UserContext(), caller.ID, req.Username)
	if err != nil {
		if errors.Is(err, keystore.ErrNotPremium) {
			return fiber.NewError(http.StatusForbidden, "only premium users can generate API keys")
		}
		return httperr.From(err)
	}
	return c.Status(http.StatusOK).JSON(premiumKeyResponse{APIKey: cred.Token, ExpiresAt: formatTime(cred.ExpiresAt)})
}

type purchaseRequest struct {
	Label string `json:"label"`
}

type purchaseResponse struct {
	Key       string `json:"key"`
	Expiry    string `json:"expiry"`
	Remaining int64  `json:"remaining"`
}

// Purchase debits the key cost from the caller's balance and issues a key.
func (h *Handler) Purchase(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return httperr.From(identity.ErrMissing)
	}
	var req purchaseRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}
	res, err := h.store.DebitAndIssue(c.UserContext(), keystore.DebitInput{Owner: caller.ID, Label: req.Label, Cost: h.cost})
	if errors.Is(err, keystore.ErrInsufficientBalance) {
		return c.Status(http.StatusPaymentRequired).JSON(fiber.Map{
			"error":   "insufficient balance",
			"balance": res.Balance,
			"cost":    h.cost,
		})
	}
	if err != nil {
		return httperr.From(err)
	}

	notification.BestEffort(c.UserContext(), h.notifier, h.logger, notification.Message{
		Kind:        notification.KindCredentialIssued,
		Destination: caller.ID,
		Body:        fmt.Sprintf("A new API key was purchased for %d credits. It expires %s. Remaining balance: %d.", h.cost, formatTime(res.Credential.ExpiresAt), res.Balance),
	})
	return c.Status(http.StatusCreated).JSON(purchaseResponse{
		Key:       res.Credential.Token,
		Expiry:    formatTime(res.Credential.ExpiresAt),
		Remaining: res.Balance,
	})
}

type balanceResponse struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Premium bool   `json:"premium"`
	Cost    int64  `json:"cost"`
}

// Balance reports the caller's balance, creating the account on first touch.
func (h *Handler) Balance(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return httperr.From(identity.ErrMissing)
	}
	acct, err := h.store.Touch(c.UserContext(), caller.ID)
	if err != nil {
		return httperr.From(err)
	}
	return c.JSON(balanceResponse{Owner: acct.Owner, Balance: acct.Balance, Premium: acct.Premium, Cost: h.cost})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
