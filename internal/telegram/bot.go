// Package telegram runs the bot front end over the Bot API: a long-polling
// command loop plus adapters that let the rest of the service send messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/topup"
)

const pollTimeout = 60

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options configures the command handler.
type Options struct {
	Store           *keystore.Service
	Topups          *topup.Service
	Directory       *identity.Directory
	KeyCost         int64
	FreeKeysEnabled bool
	SupportContact  string
	Logger          *slog.Logger
}

// Bot answers commands sent to the bot account.
type Bot struct {
	api      botAPI
	store    *keystore.Service
	topups   *topup.Service
	dir      *identity.Directory
	cost     int64
	freeKeys bool
	support  string
	logger   *slog.Logger
	commands map[string]command
}

type command struct {
	admin bool
	run   func(ctx context.Context, caller identity.Caller, args []string) (string, error)
}

// Client is an authorized Bot API connection shared by the command loop and
// the outbound adapters.
type Client struct {
	api      botAPI
	username string
}

// Dial authorizes token against the Bot API.
func Dial(token string) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	return &Client{api: api, username: api.Self.UserName}, nil
}

// Username is the bot account name.
func (c *Client) Username() string {
	return c.username
}

// Messenger returns an adapter that sends and edits chat messages.
func (c *Client) Messenger() *Messenger {
	return &Messenger{api: c.api}
}

// Notifier returns an adapter that delivers notifications as direct messages.
func (c *Client) Notifier() *Notifier {
	return &Notifier{api: c.api}
}

// NewBot builds the command handler on client.
func NewBot(client *Client, opts Options) *Bot {
	b := &Bot{
		api:      client.api,
		store:    opts.Store,
		topups:   opts.Topups,
		dir:      opts.Directory,
		cost:     opts.KeyCost,
		freeKeys: opts.FreeKeysEnabled,
		support:  opts.SupportContact,
		logger:   opts.Logger,
	}
	if b.logger == nil {
		b.logger = logging.Discard()
	}
	b.commands = map[string]command{
		"start":     {run: b.start},
		"help":      {run: b.help},
		"gen_key":   {run: b.genKey},
		"key":       {run: b.premiumKey},
		"buy":       {run: b.buy},
		"balance":   {run: b.balance},
		"topup":     {run: b.submitTopup},
		"grant":     {admin: true, run: b.grant},
		"premium":   {admin: true, run: b.premium(true)},
		"unpremium": {admin: true, run: b.premium(false)},
		"pending":   {admin: true, run: b.pending},
		"approve":   {admin: true, run: b.approve},
		"reject":    {admin: true, run: b.reject},
	}
	return b
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message"}

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handle(ctx, update.Message)
		}
	}
}

func (b *Bot) handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	reply := b.dispatch(ctx, b.dir.FromUserID(msg.From.ID), msg.Command(), strings.Fields(msg.CommandArguments()))
	if reply == "" {
		return
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
		b.logger.Warn("telegram reply failed", slog.Int64("chat_id", msg.Chat.ID), slog.Any("error", err))
	}
}

func (b *Bot) dispatch(ctx context.Context, caller identity.Caller, name string, args []string) string {
	cmd, ok := b.commands[name]
	if !ok {
		return "Unknown command. Send /help for the list."
	}
	if cmd.admin && !caller.Admin {
		return "This command is reserved for administrators."
	}
	started := time.Now()
	reply, err := cmd.run(ctx, caller, args)
	if err != nil {
		b.logger.Warn("telegram command failed",
			slog.String("command", name),
			slog.String("caller", caller.ID),
			slog.Duration("duration", time.Since(started)),
			slog.Any("error", err),
		)
		return b.errorText(err)
	}
	b.logger.Info("telegram command",
		slog.String("command", name),
		slog.String("caller", caller.ID),
		slog.Duration("duration", time.Since(started)),
	)
	return reply
}

// usageError is returned for malformed arguments; its text is shown as is.
type usageError string

func (e usageError) Error() string { return string(e) }

func (b *Bot) errorText(err error) string {
	var usage usageError
	switch {
	case errors.As(err, &usage):
		return usage.Error()
	case errors.Is(err, keystore.ErrInsufficientBalance):
		return "Insufficient balance. Send /topup to add credits."
	case errors.Is(err, keystore.ErrNotPremium):
		return "Only premium users can generate API keys." + b.contactSuffix()
	case errors.Is(err, keystore.ErrInvalidOwner), errors.Is(err, topup.ErrInvalid):
		return "That request is not valid."
	case errors.Is(err, topup.ErrNotFound):
		return "No top-up request with that id."
	case errors.Is(err, topup.ErrAlreadyDecided):
		return "That top-up request was already decided."
	case errors.Is(err, keystore.ErrStorageUnavailable):
		return "The service is temporarily unavailable. Try again later."
	default:
		return "Something went wrong. Try again later."
	}
}

func (b *Bot) contactSuffix() string {
	if b.support == "" {
		return ""
	}
	return " Contact " + b.support + "."
}

func (b *Bot) start(ctx context.Context, caller identity.Caller, _ []string) (string, error) {
	acct, err := b.store.Touch(ctx, caller.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Welcome! Your balance is %d credits. A key costs %d credits.\nSend /help to see what I can do.", acct.Balance, b.cost), nil
}

func (b *Bot) help(ctx context.Context, caller identity.Caller, _ []string) (string, error) {
	acct, err := b.store.Touch(ctx, caller.ID)
	if err != nil {
		return "", err
	}
	status := "standard"
	if acct.Premium {
		status = "premium"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account: %s, balance %d credits.\n\n", status, acct.Balance)
	if b.freeKeys {
		sb.WriteString("/gen_key - free API key\n")
	}
	fmt.Fprintf(&sb, "/buy [label] - buy a key for %d credits\n", b.cost)
	sb.WriteString("/key [label] - premium API key\n")
	sb.WriteString("/balance - show your balance\n")
	sb.WriteString("/topup <amount> <reference> - report a payment for review\n")
	if caller.Admin {
		sb.WriteString("\nAdmin: /grant <user> <amount>, /premium <user>, /unpremium <user>, /pending, /approve <id>, /reject <id>\n")
	}
	if b.support != "" {
		fmt.Fprintf(&sb, "\nSupport: %s", b.support)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) genKey(ctx context.Context, caller identity.Caller, _ []string) (string, error) {
	if !b.freeKeys {
		return "Free keys are currently disabled. Use /buy instead.", nil
	}
	cred, err := b.store.Issue(ctx, keystore.IssueInput{Owner: caller.ID, Kind: keystore.KindFree})
	if err != nil {
		return "", err
	}
	return keyText(cred), nil
}

func (b *Bot) premiumKey(ctx context.Context, caller identity.Caller, args []string) (string, error) {
	cred, err := b.store.IssuePremium(ctx, caller.ID, strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	return keyText(cred), nil
}

func (b *Bot) buy(ctx context.Context, caller identity.Caller, args []string) (string, error) {
	res, err := b.store.DebitAndIssue(ctx, keystore.DebitInput{Owner: caller.ID, Label: strings.Join(args, " "), Cost: b.cost})
	if errors.Is(err, keystore.ErrInsufficientBalance) {
		return fmt.Sprintf("Insufficient balance: you have %d credits, a key costs %d. Send /topup to add credits.", res.Balance, b.cost), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\nRemaining balance: %d credits.", keyText(res.Credential), res.Balance), nil
}

func (b *Bot) balance(ctx context.Context, caller identity.Caller, _ []string) (string, error) {
	acct, err := b.store.Touch(ctx, caller.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Balance: %d credits. A key costs %d.", acct.Balance, b.cost), nil
}

func (b *Bot) submitTopup(ctx context.Context, caller identity.Caller, args []string) (string, error) {
	if len(args) < 2 {
		return "", usageError("Usage: /topup <amount> <payment reference>")
	}
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || amount <= 0 {
		return "", usageError("The amount must be a positive whole number.")
	}
	req, err := b.topups.Submit(ctx, caller.ID, amount, strings.Join(args[1:], " "))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Top-up %s for %d credits submitted. You will be notified once it is reviewed.", req.ID, req.Amount), nil
}

func (b *Bot) grant(ctx context.Context, _ identity.Caller, args []string) (string, error) {
	if len(args) != 2 {
		return "", usageError("Usage: /grant <user id> <amount>")
	}
	owner, err := identity.Parse(args[0])
	if err != nil {
		return "", usageError("The user must be a Telegram user id.")
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount == 0 {
		return "", usageError("The amount must be a non-zero whole number.")
	}
	balance, err := b.store.AdjustBalance(ctx, owner, amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s now has %d credits.", owner, balance), nil
}

func (b *Bot) premium(grant bool) func(context.Context, identity.Caller, []string) (string, error) {
	return func(ctx context.Context, _ identity.Caller, args []string) (string, error) {
		if len(args) != 1 {
			return "", usageError("Usage: /premium <user id> or /unpremium <user id>")
		}
		owner, err := identity.Parse(args[0])
		if err != nil {
			return "", usageError("The user must be a Telegram user id.")
		}
		if _, err := b.store.SetPremium(ctx, owner, grant); err != nil {
			return "", err
		}
		if grant {
			return fmt.Sprintf("User %s is now premium.", owner), nil
		}
		return fmt.Sprintf("User %s is no longer premium.", owner), nil
	}
}

func (b *Bot) pending(ctx context.Context, _ identity.Caller, _ []string) (string, error) {
	reqs, err := b.topups.List(ctx, topup.StatusPending)
	if err != nil {
		return "", err
	}
	if len(reqs) == 0 {
		return "No pending top-ups.", nil
	}
	var sb strings.Builder
	sb.WriteString("Pending top-ups:")
	for _, r := range reqs {
		fmt.Fprintf(&sb, "\n%s  user %s  %d credits  ref %q", r.ID, r.Owner, r.Amount, r.Reference)
	}
	return sb.String(), nil
}

func (b *Bot) approve(ctx context.Context, caller identity.Caller, args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("Usage: /approve <request id>")
	}
	req, balance, err := b.topups.Approve(ctx, args[0], caller.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Approved %s: +%d credits for user %s (balance %d).", req.ID, req.Amount, req.Owner, balance), nil
}

func (b *Bot) reject(ctx context.Context, caller identity.Caller, args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("Usage: /reject <request id>")
	}
	req, err := b.topups.Reject(ctx, args[0], caller.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Rejected %s from user %s.", req.ID, req.Owner), nil
}

func keyText(cred keystore.Credential) string {
	return fmt.Sprintf("Your API key:\n%s\nValid until %s.", cred.Token, cred.ExpiresAt.UTC().Format(time.RFC3339))
}
