package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/keygate/keygate/internal/notification"
)

// Messenger sends and edits messages in arbitrary chats.
type Messenger struct {
	api botAPI
}

// Send posts text to chatID and returns the new message id.
func (m *Messenger) Send(_ context.Context, chatID int64, text string) (int, error) {
	msg, err := m.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return msg.MessageID, nil
}

// Edit replaces the text of a message sent earlier.
func (m *Messenger) Edit(_ context.Context, chatID int64, messageID int, text string) error {
	if _, err := m.api.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// Notifier delivers notifications as direct messages; the destination owner
// id is the user's private chat id.
type Notifier struct {
	api botAPI
}

// Send implements notification.Notifier.
func (n *Notifier) Send(_ context.Context, message notification.Message) error {
	chatID, err := strconv.ParseInt(message.Destination, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram notify: destination %q is not a chat id", message.Destination)
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, message.Body)); err != nil {
		return fmt.Errorf("telegram notify: %w", err)
	}
	return nil
}
