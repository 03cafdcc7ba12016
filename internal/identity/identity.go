// Package identity resolves the caller behind a request. Owners are Telegram
// user ids, carried over HTTP in the X-TG-ID header and taken from the sender
// of a bot update.
package identity

import (
	"errors"
	"strconv"
	"strings"
)

// Header carries the caller's Telegram user id on HTTP requests.
const Header = "X-TG-ID"

var (
	// ErrMissing reports a request without an identity.
	ErrMissing = errors.New("identity required")
	// ErrInvalid reports an identity that is not a Telegram user id.
	ErrInvalid = errors.New("invalid identity")
)

// Caller is a resolved identity.
type Caller struct {
	ID    string
	Admin bool
}

// Directory holds the admin allow-list.
type Directory struct {
	admins map[string]struct{}
}

// NewDirectory builds a directory from admin ids. Blank and malformed ids are
// skipped.
func NewDirectory(adminIDs ...string) *Directory {
	d := &Directory{admins: make(map[string]struct{}, len(adminIDs))}
	for _, raw := range adminIDs {
		id, err := Parse(raw)
		if err != nil {
			continue
		}
		d.admins[id] = struct{}{}
	}
	return d
}

// IsAdmin reports whether id is on the allow-list.
func (d *Directory) IsAdmin(id string) bool {
	if d == nil {
		return false
	}
	_, ok := d.admins[id]
	return ok
}

// Admins returns the number of configured admins.
func (d *Directory) Admins() int {
	if d == nil {
		return 0
	}
	return len(d.admins)
}

// Resolve parses raw and attaches the admin flag.
func (d *Directory) Resolve(raw string) (Caller, error) {
	id, err := Parse(raw)
	if err != nil {
		return Caller{}, err
	}
	return Caller{ID: id, Admin: d.IsAdmin(id)}, nil
}

// FromUserID builds a caller from a bot update sender.
func (d *Directory) FromUserID(userID int64) Caller {
	id := FormatID(userID)
	return Caller{ID: id, Admin: d.IsAdmin(id)}
}

// Parse canonicalizes a Telegram user id.
func Parse(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissing
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return "", ErrInvalid
	}
	return FormatID(n), nil
}

// FormatID renders a Telegram user id as an owner string.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
