package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/obs"
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Validity      time.Duration
	StartingBonus int64
	Logger        *slog.Logger
	Metrics       *obs.Metrics
	Clock         func() time.Time
	Tokens        func() (string, error)
}

// Service is the credential store: it issues and verifies API keys and owns
// every balance mutation. The HTTP and bot layers only call its methods.
type Service struct {
	backend  Backend
	validity time.Duration
	bonus    int64
	logger   *slog.Logger
	metrics  *obs.Metrics
	now      func() time.Time
	tokens   func() (string, error)
}

// NewService builds a Service over backend.
func NewService(backend Backend, opts Options) *Service {
	s := &Service{
		backend:  backend,
		validity: opts.Validity,
		bonus:    opts.StartingBonus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		tokens:   opts.Tokens,
	}
	if s.validity <= 0 {
		s.validity = DefaultValidity
	}
	if s.bonus < 0 {
		s.bonus = 0
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.tokens == nil {
		s.tokens = NewToken
	}
	return s
}

// Validity is the default credential lifetime.
func (s *Service) Validity() time.Duration {
	return s.validity
}

// IssueInput describes a credential to issue.
type IssueInput struct {
	Owner    string
	Label    string
	Kind     Kind
	Validity time.Duration
}

// DebitInput describes a balance-gated issuance.
type DebitInput struct {
	Owner    string
	Label    string
	Cost     int64
	Validity time.Duration
}

// Issue generates a token, persists its credential and returns it with the
// plaintext token set. The write is complete when Issue returns.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Credential, error) {
	owner, err := normalizeOwner(in.Owner)
	if err != nil {
		return Credential{}, err
	}
	if in.Kind == "" {
		in.Kind = KindFree
	}
	s.sweep(ctx)

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		cred, err := s.newCredential(owner, in.Label, in.Kind, in.Validity)
		if err != nil {
			return Credential{}, err
		}
		err = s.backend.InsertCredential(ctx, cred)
		if errors.Is(err, ErrTokenCollision) {
			s.logger.Warn("token collision, regenerating", slog.String("owner", owner))
			continue
		}
		if err != nil {
			s.logger.Error("issue credential failed", slog.String("owner", owner), slog.Any("error", err))
			return Credential{}, err
		}
		s.metrics.CredentialIssued(string(cred.Kind))
		s.logger.Info("credential issued",
			slog.String("owner", owner),
			slog.String("kind", string(cred.Kind)),
			slog.String("digest", shortDigest(cred.Digest)),
			slog.Time("expires_at", cred.ExpiresAt),
		)
		return cred, nil
	}
	return Credential{}, ErrConflict
}

// IssuePremium issues a credential only when the owner's account carries the
// premium flag.
func (s *Service) IssuePremium(ctx context.Context, owner, label string) (Credential, error) {
	acct, err := s.Touch(ctx, owner)
	if err != nil {
		return Credential{}, err
	}
	if !acct.Premium {
		return Credential{}, ErrNotPremium
	}
	return s.Issue(ctx, IssueInput{Owner: acct.Owner, Label: label, Kind: KindPremium})
}

// Verify reports the credential behind token. The credential is read, the
// expiry sweep is triggered, and the result is judged by comparing against the
// current time: an expired credential yields ErrExpired on the call that
// observes it and ErrNotFound once swept.
func (s *Service) Verify(ctx context.Context, token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.metrics.Verification("unauthorized")
		return Credential{}, ErrUnauthorized
	}

	cred, err := s.backend.FindCredential(ctx, Digest(token))
	now := s.now()
	s.sweep(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.Verification("not_found")
		} else {
			s.metrics.Verification("error")
		}
		return Credential{}, err
	}
	if !cred.Live(now) {
		s.metrics.Verification("expired")
		return Credential{}, ErrExpired
	}
	s.metrics.Verification("ok")
	return cred, nil
}

// SweepExpired removes every credential whose expiry has passed and returns
// how many were removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	removed, err := s.backend.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.Swept(removed)
	if removed > 0 {
		s.logger.Info("expired credentials swept", slog.Int("removed", removed))
	}
	return removed, nil
}

// sweep is the opportunistic variant run inline with issue and verify; a
// failing sweep never fails the triggering call.
func (s *Service) sweep(ctx context.Context) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.logger.Warn("expiry sweep failed", slog.Any("error", err))
	}
}

// Touch returns the owner's account, creating it with the starting bonus on
// first interaction.
func (s *Service) Touch(ctx context.Context, owner string) (Account, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return Account{}, err
	}
	acct, created, err := s.backend.EnsureAccount(ctx, owner, s.bonus, s.now())
	if err != nil {
		return Account{}, err
	}
	if created {
		s.logger.Info("account created", slog.String("owner", owner), slog.Int64("bonus", s.bonus))
	}
	return acct, nil
}

// AdjustBalance applies delta to the owner's balance and returns the new
// balance. A delta that would make the balance negative fails with
// ErrInvalidOwner and changes nothing.
func (s *Service) AdjustBalance(ctx context.Context, owner string, delta int64) (int64, error) {
	acct, err := s.Touch(ctx, owner)
	if err != nil {
		return 0, err
	}
	if delta == 0 {
		return acct.Balance, nil
	}
	acct, err = s.backend.AdjustBalance(ctx, acct.Owner, delta, s.now())
	if err != nil {
		return acct.Balance, err
	}
	s.logger.Info("balance adjusted", slog.String("owner", acct.Owner), slog.Int64("delta", delta), slog.Int64("balance", acct.Balance))
	return acct.Balance, nil
}

// SetPremium grants or revokes the premium entitlement.
func (s *Service) SetPremium(ctx context.Context, owner string, premium bool) (Account, error) {
	acct, err := s.Touch(ctx, owner)
	if err != nil {
		return Account{}, err
	}
	acct, err = s.backend.SetPremium(ctx, acct.Owner, premium, s.now())
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("premium updated", slog.String("owner", acct.Owner), slog.Bool("premium", premium))
	return acct, nil
}

// DebitAndIssue deducts in.Cost and issues a credential as one unit. When the
// balance is short it fails with ErrInsufficientBalance, reports the unchanged
// balance and mutates nothing. Of two concurrent calls that can only be funded
// once, exactly one succeeds.
func (s *Service) DebitAndIssue(ctx context.Context, in DebitInput) (Issued, error) {
	if in.Cost <= 0 {
		return Issued{}, fmt.Errorf("cost must be positive")
	}
	acct, err := s.Touch(ctx, in.Owner)
	if err != nil {
		return Issued{}, err
	}
	s.sweep(ctx)

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		cred, err := s.newCredential(acct.Owner, in.Label, KindPurchased, in.Validity)
		if err != nil {
			return Issued{}, err
		}
		balance, err := s.backend.DebitAndInsert(ctx, acct.Owner, in.Cost, cred)
		switch {
		case err == nil:
			s.metrics.Debit("ok")
			s.metrics.CredentialIssued(string(cred.Kind))
			s.logger.Info("credential purchased",
				slog.String("owner", acct.Owner),
				slog.Int64("cost", in.Cost),
				slog.Int64("balance", balance),
				slog.String("digest", shortDigest(cred.Digest)),
			)
			return Issued{Credential: cred, Balance: balance}, nil
		case errors.Is(err, ErrTokenCollision):
			s.logger.Warn("token collision, regenerating", slog.String("owner", acct.Owner))
			continue
		case errors.Is(err, ErrInsufficientBalance):
			s.metrics.Debit("insufficient")
			return Issued{Balance: balance}, err
		default:
			s.metrics.Debit("error")
			s.logger.Error("debit and issue failed", slog.String("owner", acct.Owner), slog.Any("error", err))
			return Issued{}, err
		}
	}
	return Issued{}, ErrConflict
}

func (s *Service) newCredential(owner, label string, kind Kind, validity time.Duration) (Credential, error) {
	if validity <= 0 {
		validity = s.validity
	}
	token, err := s.tokens()
	if err != nil {
		return Credential{}, fmt.Errorf("generate token: %w", err)
	}
	issuedAt := s.now()
	return Credential{
		Token:     token,
		Digest:    Digest(token),
		Owner:     owner,
		Label:     strings.TrimSpace(label),
		Kind:      kind,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(validity),
	}, nil
}

func normalizeOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidOwner)
	}
	return owner, nil
}
