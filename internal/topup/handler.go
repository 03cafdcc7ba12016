package topup

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/httperr"
	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/middleware"
)

// Handler exposes HTTP endpoints for the top-up workflow.
type Handler struct {
	service *Service
}

// NewHandler constructs a top-up handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Submit records a payment claim for the caller.
func (h *Handler) Submit(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return httperr.From(identity.ErrMissing)
	}
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	created, err := h.service.Submit(c.UserContext(), caller.ID, req.Amount, req.Reference)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(created))
}

// Mine lists the caller's requests.
func (h *Handler) Mine(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return httperr.From(identity.ErrMissing)
	}
	reqs, err := h.service.Mine(c.UserContext(), caller.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"topups": toResponses(reqs)})
}

// List lists requests for admins, filtered by ?status=.
func (h *Handler) List(c *fiber.Ctx) error {
	status := Status(strings.ToLower(c.Query("status")))
	reqs, err := h.service.List(c.UserContext(), status)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"topups": toResponses(reqs)})
}

// Approve credits a pending request.
func (h *Handler) Approve(c *fiber.Ctx) error {
	caller, _ := middleware.CallerFrom(c)
	req, balance, err := h.service.Approve(c.UserContext(), c.Params("id"), caller.ID)
	if err != nil {
		return mapError(err)
	}
	resp := toResponse(req)
	resp.Balance = &balance
	return c.JSON(resp)
}

// Reject declines a pending request.
func (h *Handler) Reject(c *fiber.Ctx) error {
	caller, _ := middleware.CallerFrom(c)
	req, err := h.service.Reject(c.UserContext(), c.Params("id"), caller.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(toResponse(req))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "topup not found")
	case errors.Is(err, ErrAlreadyDecided):
		return fiber.NewError(http.StatusConflict, "topup already decided")
	case errors.Is(err, ErrInvalid):
		return fiber.NewError(http.StatusBadRequest, strings.TrimPrefix(err.Error(), "topup: "))
	default:
		return httperr.From(err)
	}
}
