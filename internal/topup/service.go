package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/ids"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/notification"
)

const (
	maxReferenceLen = 128
	maxAmount       = 1_000_000
)

// Crediter applies balance changes; *keystore.Service satisfies it.
type Crediter interface {
	AdjustBalance(ctx context.Context, owner string, delta int64) (int64, error)
}

// Options configures a Service.
type Options struct {
	Notifier notification.Notifier
	// Admins receive a notification for every new submission.
	Admins []string
	Logger *slog.Logger
	Clock  func() time.Time
}

// Service runs the manual payment-verification workflow.
type Service struct {
	repo     Repository
	credits  Crediter
	notifier notification.Notifier
	admins   []string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires a Service over repo, crediting approvals through credits.
func NewService(repo Repository, credits Crediter, opts Options) *Service {
	s := &Service{
		repo:     repo,
		credits:  credits,
		notifier: opts.Notifier,
		admins:   opts.Admins,
		logger:   opts.Logger,
		now:      opts.Clock,
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Submit records a pending claim for amount paid under reference.
func (s *Service) Submit(ctx context.Context, owner string, amount int64, reference string) (Request, error) {
	owner = strings.TrimSpace(owner)
	reference = strings.TrimSpace(reference)
	switch {
	case owner == "":
		return Request{}, fmt.Errorf("%w: owner is required", ErrInvalid)
	case amount <= 0 || amount > maxAmount:
		return Request{}, fmt.Errorf("%w: amount must be between 1 and %d", ErrInvalid, maxAmount)
	case reference == "":
		return Request{}, fmt.Errorf("%w: payment reference is required", ErrInvalid)
	case len(reference) > maxReferenceLen:
		return Request{}, fmt.Errorf("%w: payment reference too long", ErrInvalid)
	}

	now := s.now()
	req := Request{
		ID:        ids.NewAt(now),
		Owner:     owner,
		Amount:    amount,
		Reference: reference,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return Request{}, fmt.Errorf("store topup: %w", err)
	}
	s.logger.Info("topup submitted", slog.String("id", req.ID), slog.String("owner", owner), slog.Int64("amount", amount))

	for _, admin := range s.admins {
		notification.BestEffort(ctx, s.notifier, s.logger, notification.Message{
			Kind:        notification.KindTopupSubmitted,
			Destination: admin,
			Body:        fmt.Sprintf("Top-up %s from %s: %d credits, reference %q. /approve %s or /reject %s", req.ID, owner, amount, reference, req.ID, req.ID),
		})
	}
	return req, nil
}

// Mine lists the owner's requests.
func (s *Service) Mine(ctx context.Context, owner string) ([]Request, error) {
	return s.repo.List(ctx, strings.TrimSpace(owner), "")
}

// List lists requests with the given status, or all when status is empty.
func (s *Service) List(ctx context.Context, status Status) ([]Request, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	return s.repo.List(ctx, "", status)
}

// Approve marks the request approved and credits its amount. The decision is
// taken first so two concurrent approvals credit once; a failed credit
// reopens the request.
func (s *Service) Approve(ctx context.Context, id, admin string) (Request, int64, error) {
	req, err := s.repo.Decide(ctx, id, StatusApproved, admin, s.now())
	if err != nil {
		return Request{}, 0, err
	}

	balance, err := s.credits.AdjustBalance(ctx, req.Owner, req.Amount)
	if err != nil {
		if reopenErr := s.repo.Reopen(context.WithoutCancel(ctx), id); reopenErr != nil {
			s.logger.Error("topup reopen failed", slog.String("id", id), slog.Any("error", reopenErr))
			err = errors.Join(err, reopenErr)
		}
		s.logger.Error("topup credit failed", slog.String("id", id), slog.String("owner", req.Owner), slog.Any("error", err))
		return Request{}, 0, err
	}

	s.logger.Info("topup approved", slog.String("id", id), slog.String("owner", req.Owner), slog.Int64("amount", req.Amount), slog.String("admin", admin))
	notification.BestEffort(ctx, s.notifier, s.logger, notification.Message{
		Kind:        notification.KindTopupDecided,
		Destination: req.Owner,
		Body:        fmt.Sprintf("Your top-up %s was approved: +%d credits. Balance: %d.", req.ID, req.Amount, balance),
	})
	return req, balance, nil
}

// Reject marks the request rejected without touching the balance.
func (s *Service) Reject(ctx context.Context, id, admin string) (Request, error) {
	req, err := s.repo.Decide(ctx, id, StatusRejected, admin, s.now())
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("topup rejected", slog.String("id", id), slog.String("owner", req.Owner), slog.String("admin", admin))
	notification.BestEffort(ctx, s.notifier, s.logger, notification.Message{
		Kind:        notification.KindTopupDecided,
		Destination: req.Owner,
		Body:        fmt.Sprintf("Your top-up %s (reference %q) was rejected.", req.ID, req.Reference),
	})
	return req, nil
}
