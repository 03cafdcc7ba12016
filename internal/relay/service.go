// Package relay performs the privileged actions a verified API key unlocks:
// relaying chat completions upstream and delivering messages through the bot.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/logging"
)

var (
	// ErrInvalid reports a malformed relay request.
	ErrInvalid = errors.New("relay: invalid request")
	// ErrUnavailable reports that the needed backend is not configured.
	ErrUnavailable = errors.New("relay: backend not configured")
	// ErrUpstream reports a failure of the completion backend or the bot.
	ErrUpstream = errors.New("relay: upstream failure")
)

const (
	processingText = "✨ Your request is being processed..."
	deliveredText  = "✅ Message sent successfully."
	failedText     = "❌ Failed to deliver the message. Please try again later."
	maxPromptLen   = 4096
)

// Messenger sends and edits chat messages.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) (messageID int, err error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// Options configures a Service.
type Options struct {
	Completer      Completer
	Messenger      Messenger
	DefaultModel   string
	SupportContact string
	Logger         *slog.Logger
}

// Service executes relay actions on behalf of a verified credential.
type Service struct {
	completer    Completer
	messenger    Messenger
	defaultModel string
	support      string
	logger       *slog.Logger
}

// NewService builds a relay service. A nil Completer or Messenger disables
// the corresponding action.
func NewService(opts Options) *Service {
	s := &Service{
		completer:    opts.Completer,
		messenger:    opts.Messenger,
		defaultModel: opts.DefaultModel,
		support:      strings.TrimSpace(opts.SupportContact),
		logger:       opts.Logger,
	}
	if s.defaultModel == "" {
		s.defaultModel = "gpt-4o-mini"
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// Chat relays a conversation upstream and returns the assistant reply and
// the model used.
func (s *Service) Chat(ctx context.Context, cred keystore.Credential, model string, messages []Message) (string, string, error) {
	if s.completer == nil {
		return "", "", ErrUnavailable
	}
	if len(messages) == 0 {
		return "", "", fmt.Errorf("%w: messages are required", ErrInvalid)
	}
	for _, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return "", "", fmt.Errorf("%w: unsupported role %q", ErrInvalid, m.Role)
		}
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = s.defaultModel
	}

	reply, err := s.completer.Complete(ctx, model, messages)
	if err != nil {
		s.logger.Error("chat completion failed", slog.String("owner", cred.Owner), slog.String("model", model), slog.Any("error", err))
		return "", "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	s.logger.Info("chat completion relayed", slog.String("owner", cred.Owner), slog.String("model", model), slog.Int("messages", len(messages)))
	return reply, model, nil
}

// Deliver posts prompt to chatID through the bot: a processing notice first,
// then the prompt, then the notice is edited to report the outcome.
func (s *Service) Deliver(ctx context.Context, cred keystore.Credential, chatID int64, prompt string) error {
	if s.messenger == nil {
		return ErrUnavailable
	}
	if chatID == 0 {
		return fmt.Errorf("%w: chat_id is required", ErrInvalid)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	if len(prompt) > maxPromptLen {
		return fmt.Errorf("%w: prompt too long", ErrInvalid)
	}

	noticeID, err := s.messenger.Send(ctx, chatID, processingText)
	if err != nil {
		s.logger.Error("deliver notice failed", slog.String("owner", cred.Owner), slog.Int64("chat_id", chatID), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	if _, err := s.messenger.Send(ctx, chatID, prompt); err != nil {
		s.logger.Error("deliver prompt failed", slog.String("owner", cred.Owner), slog.Int64("chat_id", chatID), slog.Any("error", err))
		if editErr := s.messenger.Edit(context.WithoutCancel(ctx), chatID, noticeID, failedText); editErr != nil {
			s.logger.Warn("edit failure notice failed", slog.Int64("chat_id", chatID), slog.Any("error", editErr))
		}
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	if err := s.messenger.Edit(ctx, chatID, noticeID, s.successText()); err != nil {
		s.logger.Warn("edit success notice failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
	s.logger.Info("message delivered", slog.String("owner", cred.Owner), slog.Int64("chat_id", chatID))
	return nil
}

func (s *Service) successText() string {
	if s.support == "" {
		return deliveredText
	}
	return deliveredText + "\nContact support at " + s.support
}
