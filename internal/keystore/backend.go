// Package keystore issues, verifies and expires API keys and keeps the
// per-owner balances that pay for them.
package keystore

import (
	"context"
	"time"
)

const (
	// DefaultValidity is the lifetime of a credential when none is configured.
	DefaultValidity = 30 * 24 * time.Hour

	maxIssueAttempts = 3
)

// Backend is the persistence contract implemented by the memory, file, postgres
// and mongo backends. Each implementation provides its own atomicity for
// AdjustBalance and DebitAndInsert: no read-modify-write of a balance may
// interleave with another for the same owner.
type Backend interface {
	// InsertCredential stores cred keyed by its digest, failing with
	// ErrTokenCollision if the digest already exists.
	InsertCredential(ctx context.Context, cred Credential) error
	FindCredential(ctx context.Context, digest string) (Credential, error)
	// DeleteExpired removes credentials whose expiry is strictly before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// EnsureAccount creates the account with bonus as its starting balance if it
	// does not exist yet. created reports whether this call created it.
	EnsureAccount(ctx context.Context, owner string, bonus int64, now time.Time) (acct Account, created bool, err error)
	FindAccount(ctx context.Context, owner string) (Account, error)
	AdjustBalance(ctx context.Context, owner string, delta int64, now time.Time) (Account, error)
	SetPremium(ctx context.Context, owner string, premium bool, now time.Time) (Account, error)
	// DebitAndInsert decrements the balance by cost and stores cred as one unit.
	// On ErrInsufficientBalance the returned balance is the unchanged current one.
	DebitAndInsert(ctx context.Context, owner string, cost int64, cred Credential) (int64, error)
}
