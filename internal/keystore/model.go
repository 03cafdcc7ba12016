package keystore

import "time"

// Kind records which issuance path produced a credential.
type Kind string

const (
	KindFree      Kind = "free"
	KindPremium   Kind = "premium"
	KindPurchased Kind = "purchased"
)

// Credential is an issued API key. Token holds the plaintext only on the value
// returned by issuance; backends persist the Digest.
type Credential struct {
	Token     string    `json:"-"`
	Digest    string    `json:"digest"`
	Owner     string    `json:"owner"`
	Label     string    `json:"label,omitempty"`
	Kind      Kind      `json:"kind"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the credential is still valid at now. The expiry
// instant itself is inclusive.
func (c Credential) Live(now time.Time) bool {
	return !now.After(c.ExpiresAt)
}

// Account is the balance and entitlement record of an owner.
type Account struct {
	Owner     string    `json:"owner"`
	Balance   int64     `json:"balance"`
	Premium   bool      `json:"premium"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Issued is the outcome of a balance-gated issuance.
type Issued struct {
	Credential Credential
	Balance    int64
}
