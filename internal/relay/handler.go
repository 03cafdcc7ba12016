package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/httperr"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/middleware"
)

// Handler exposes the relay endpoints. Routes must be guarded with
// middleware.APIKey.
type Handler struct {
	service *Service
}

// NewHandler constructs a relay handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// ChatCompletions relays an OpenAI-style chat completion request.
func (h *Handler) ChatCompletions(c *fiber.Ctx) error {
	cred, err := credential(c)
	if err != nil {
		return err
	}
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	reply, model, err := h.service.Chat(c.UserContext(), cred, req.Model, req.Messages)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(chatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []chatChoice{{
			Message:      Message{Role: "assistant", Content: reply},
			FinishReason: "stop",
		}},
	})
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	ChatID int64  `json:"chat_id"`
}

// Generate delivers a prompt to a chat through the bot.
func (h *Handler) Generate(c *fiber.Ctx) error {
	cred, err := credential(c)
	if err != nil {
		return err
	}
	var req generateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.service.Deliver(c.UserContext(), cred, req.ChatID, req.Prompt); err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"status": "success", "sent": req.Prompt, "to": req.ChatID})
}

func credential(c *fiber.Ctx) (keystore.Credential, error) {
	cred, ok := middleware.CredentialFrom(c)
	if !ok {
		return keystore.Credential{}, httperr.From(keystore.ErrUnauthorized)
	}
	return cred, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return fiber.NewError(http.StatusBadRequest, strings.TrimPrefix(err.Error(), "relay: "))
	case errors.Is(err, ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "relay backend not configured")
	case errors.Is(err, ErrUpstream):
		return fiber.NewError(http.StatusBadGateway, "upstream request failed")
	default:
		return httperr.From(err)
	}
}
