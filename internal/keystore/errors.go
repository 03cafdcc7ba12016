package keystore

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotFound indicates the presented token is unknown (or has already been swept).
	ErrNotFound = errors.New("keystore: credential not found")

	// ErrExpired indicates the credential exists but its expiry instant has passed.
	ErrExpired = errors.New("keystore: credential expired")

	// ErrUnauthorized indicates no credential, or a malformed one, was presented.
	ErrUnauthorized = errors.New("keystore: missing or malformed credential")

	// ErrForbidden indicates the caller is known but lacks the required privilege.
	ErrForbidden = errors.New("keystore: forbidden")

	// ErrNotPremium is returned by premium-gated issuance for accounts without the flag.
	ErrNotPremium = fmt.Errorf("%w: premium required", ErrForbidden)

	// ErrInsufficientBalance indicates the account cannot cover the requested cost.
	ErrInsufficientBalance = errors.New("keystore: insufficient balance")

	// ErrInvalidOwner covers empty owner identities and adjustments that would
	// drive a balance below zero or past the int64 range.
	ErrInvalidOwner = errors.New("keystore: invalid owner")

	// ErrConflict is returned when a fresh token could not be generated after
	// repeated collisions.
	ErrConflict = errors.New("keystore: conflict")

	// ErrTokenCollision is reported by backends when the credential digest is already stored.
	ErrTokenCollision = errors.New("keystore: token collision")

	// ErrStorageUnavailable wraps every unexpected backend I/O failure.
	ErrStorageUnavailable = errors.New("keystore: storage unavailable")

	errNoAccount = errors.New("keystore: account not found")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// adjusted returns balance+delta, or ErrInvalidOwner when the result would be
// negative or overflow.
func adjusted(balance, delta int64) (int64, error) {
	if delta > 0 && balance > math.MaxInt64-delta {
		return balance, fmt.Errorf("%w: balance would overflow", ErrInvalidOwner)
	}
	if balance+delta < 0 {
		return balance, fmt.Errorf("%w: balance would become negative", ErrInvalidOwner)
	}
	return balance + delta, nil
}

// rejectedAdjust explains why a guarded database update matched no row.
func rejectedAdjust(balance, delta int64) error {
	if _, err := adjusted(balance, delta); err != nil {
		return err
	}
	return fmt.Errorf("%w: balance would become negative", ErrInvalidOwner)
}
