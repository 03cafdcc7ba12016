package keystore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/jsonfile"
)

type fileState struct {
	Credentials map[string]Credential `json:"credentials"`
	Accounts    map[string]Account    `json:"accounts"`
}

func (s fileState) clone() fileState {
	return fileState{Credentials: maps.Clone(s.Credentials), Accounts: maps.Clone(s.Accounts)}
}

// FileBackend keeps the whole store in one JSON document. Every mutation is
// applied to a copy, written out under an exclusive lock, and only then made
// visible; a failed write leaves both disk and memory unchanged.
type FileBackend struct {
	mu    sync.Mutex
	path  string
	state fileState
}

// OpenFile loads the document at path, treating a missing file as an empty store.
func OpenFile(path string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	state := fileState{}
	if _, err := jsonfile.Load(path, &state); err != nil {
		return nil, storageErr("load store", err)
	}
	if state.Credentials == nil {
		state.Credentials = make(map[string]Credential)
	}
	if state.Accounts == nil {
		state.Accounts = make(map[string]Account)
	}
	return &FileBackend{path: path, state: state}, nil
}

func (f *FileBackend) mutate(op string, fn func(s *fileState) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := jsonfile.Save(f.path, next); err != nil {
		return storageErr(op, err)
	}
	f.state = next
	return nil
}

// InsertCredential persists a credential keyed by digest.
func (f *FileBackend) InsertCredential(_ context.Context, cred Credential) error {
	return f.mutate("insert credential", func(s *fileState) error {
		if _, exists := s.Credentials[cred.Digest]; exists {
			return ErrTokenCollision
		}
		s.Credentials[cred.Digest] = cred
		return nil
	})
}

// FindCredential looks a credential up by digest.
func (f *FileBackend) FindCredential(_ context.Context, digest string) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.state.Credentials[digest]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// DeleteExpired rewrites the document only when something was removed.
func (f *FileBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	expired := 0
	for _, cred := range f.state.Credentials {
		if cred.ExpiresAt.Before(now) {
			expired++
		}
	}
	f.mu.Unlock()
	if expired == 0 {
		return 0, nil
	}

	removed := 0
	err := f.mutate("sweep credentials", func(s *fileState) error {
		for digest, cred := range s.Credentials {
			if cred.ExpiresAt.Before(now) {
				delete(s.Credentials, digest)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// EnsureAccount creates the account with the starting bonus on first touch.
func (f *FileBackend) EnsureAccount(_ context.Context, owner string, bonus int64, now time.Time) (Account, bool, error) {
	f.mu.Lock()
	acct, ok := f.state.Accounts[owner]
	f.mu.Unlock()
	if ok {
		return acct, false, nil
	}

	created := false
	err := f.mutate("create account", func(s *fileState) error {
		if existing, ok := s.Accounts[owner]; ok {
			acct = existing
			return nil
		}
		acct = Account{Owner: owner, Balance: bonus, CreatedAt: now, UpdatedAt: now}
		s.Accounts[owner] = acct
		created = true
		return nil
	})
	if err != nil {
		return Account{}, false, err
	}
	return acct, created, nil
}

// FindAccount returns the stored account for owner.
func (f *FileBackend) FindAccount(_ context.Context, owner string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.state.Accounts[owner]
	if !ok {
		return Account{}, errNoAccount
	}
	return acct, nil
}

// AdjustBalance applies delta, refusing to go below zero.
func (f *FileBackend) AdjustBalance(_ context.Context, owner string, delta int64, now time.Time) (Account, error) {
	var acct Account
	err := f.mutate("adjust balance", func(s *fileState) error {
		current, ok := s.Accounts[owner]
		if !ok {
			return errNoAccount
		}
		acct = current
		balance, err := adjusted(current.Balance, delta)
		if err != nil {
			return err
		}
		current.Balance = balance
		current.UpdatedAt = now
		s.Accounts[owner] = current
		acct = current
		return nil
	})
	return acct, err
}

// SetPremium toggles the premium entitlement.
func (f *FileBackend) SetPremium(_ context.Context, owner string, premium bool, now time.Time) (Account, error) {
	var acct Account
	err := f.mutate("set premium", func(s *fileState) error {
		current, ok := s.Accounts[owner]
		if !ok {
			return errNoAccount
		}
		current.Premium = premium
		current.UpdatedAt = now
		s.Accounts[owner] = current
		acct = current
		return nil
	})
	return acct, err
}

// DebitAndInsert debits cost and stores cred in a single document rewrite.
func (f *FileBackend) DebitAndInsert(_ context.Context, owner string, cost int64, cred Credential) (int64, error) {
	var balance int64
	err := f.mutate("debit and issue", func(s *fileState) error {
		acct, ok := s.Accounts[owner]
		if !ok {
			return errNoAccount
		}
		balance = acct.Balance
		if acct.Balance < cost {
			return ErrInsufficientBalance
		}
		if _, exists := s.Credentials[cred.Digest]; exists {
			return ErrTokenCollision
		}
		acct.Balance -= cost
		acct.UpdatedAt = cred.IssuedAt
		s.Accounts[owner] = acct
		s.Credentials[cred.Digest] = cred
		balance = acct.Balance
		return nil
	})
	return balance, err
}
