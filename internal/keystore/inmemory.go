package keystore

import (
	"context"
	"sync"
	"time"
)

type inMemoryBackend struct {
	mu          sync.Mutex
	credentials map[string]Credential
	accounts    map[string]Account
}

// NewInMemory creates a concurrency-safe in-memory backend useful for tests and
// single-process deployments. All state is lost on exit.
func NewInMemory() Backend {
	return &inMemoryBackend{
		credentials: make(map[string]Credential),
		accounts:    make(map[string]Account),
	}
}

func (b *inMemoryBackend) InsertCredential(_ context.Context, cred Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.credentials[cred.Digest]; exists {
		return ErrTokenCollision
	}
	b.credentials[cred.Digest] = cred
	return nil
}

func (b *inMemoryBackend) FindCredential(_ context.Context, digest string) (Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cred, ok := b.credentials[digest]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (b *inMemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for digest, cred := range b.credentials {
		if cred.ExpiresAt.Before(now) {
			delete(b.credentials, digest)
			removed++
		}
	}
	return removed, nil
}

func (b *inMemoryBackend) EnsureAccount(_ context.Context, owner string, bonus int64, now time.Time) (Account, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acct, ok := b.accounts[owner]; ok {
		return acct, false, nil
	}
	acct := Account{Owner: owner, Balance: bonus, CreatedAt: now, UpdatedAt: now}
	b.accounts[owner] = acct
	return acct, true, nil
}

func (b *inMemoryBackend) FindAccount(_ context.Context, owner string) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[owner]
	if !ok {
		return Account{}, errNoAccount
	}
	return acct, nil
}

func (b *inMemoryBackend) AdjustBalance(_ context.Context, owner string, delta int64, now time.Time) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[owner]
	if !ok {
		return Account{}, errNoAccount
	}
	balance, err := adjusted(acct.Balance, delta)
	if err != nil {
		return acct, err
	}
	acct.Balance = balance
	acct.UpdatedAt = now
	b.accounts[owner] = acct
	return acct, nil
}

func (b *inMemoryBackend) SetPremium(_ context.Context, owner string, premium bool, now time.Time) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[owner]
	if !ok {
		return Account{}, errNoAccount
	}
	acct.Premium = premium
	acct.UpdatedAt = now
	b.accounts[owner] = acct
	return acct, nil
}

func (b *inMemoryBackend) DebitAndInsert(_ context.Context, owner string, cost int64, cred Credential) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[owner]
	if !ok {
		return 0, errNoAccount
	}
	if acct.Balance < cost {
		return acct.Balance, ErrInsufficientBalance
	}
	if _, exists := b.credentials[cred.Digest]; exists {
		return acct.Balance, ErrTokenCollision
	}
	acct.Balance -= cost
	acct.UpdatedAt = cred.IssuedAt
	b.accounts[owner] = acct
	b.credentials[cred.Digest] = cred
	return acct.Balance, nil
}
