package topup

import (
	"errors"
	"time"
)

// Status is the review state of a top-up request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

var (
	// ErrNotFound indicates no request has the given id.
	ErrNotFound = errors.New("topup: request not found")
	// ErrAlreadyDecided indicates the request left the pending state earlier.
	ErrAlreadyDecided = errors.New("topup: request already decided")
	// ErrInvalid covers malformed submissions.
	ErrInvalid = errors.New("topup: invalid request")
)

// Request is a user's claim that an off-platform payment was made. Approving
// it credits Amount to the owner's balance.
type Request struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at"`
	DecidedBy string    `json:"decided_by,omitempty"`
}
