package keystore

import "time"

// SeedBalance is a test helper that sets an owner's balance directly when using
// the in-memory backend, creating the account if needed.
func SeedBalance(b Backend, owner string, amount int64) {
	if mem, ok := b.(*inMemoryBackend); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		acct, exists := mem.accounts[owner]
		if !exists {
			now := time.Now().UTC()
			acct = Account{Owner: owner, CreatedAt: now, UpdatedAt: now}
		}
		acct.Balance = amount
		mem.accounts[owner] = acct
	}
}
