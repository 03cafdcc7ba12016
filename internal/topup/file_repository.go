package topup

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/jsonfile"
)

// FileRepository keeps all requests in one JSON document, rewritten on every
// change. Memory is updated only after the write succeeds.
type FileRepository struct {
	mu       sync.Mutex
	path     string
	requests map[string]Request
}

// OpenFileRepository loads the document at path; a missing file is an empty store.
func OpenFileRepository(path string) (*FileRepository, error) {
	if path == "" {
		return nil, errors.New("topup store path is required")
	}
	requests := make(map[string]Request)
	if _, err := jsonfile.Load(path, &requests); err != nil {
		return nil, err
	}
	return &FileRepository{path: path, requests: requests}, nil
}

func (r *FileRepository) update(fn func(next map[string]Request) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(r.requests)
	if err := fn(next); err != nil {
		return err
	}
	if err := jsonfile.Save(r.path, next); err != nil {
		return err
	}
	r.requests = next
	return nil
}

// Create inserts a request.
func (r *FileRepository) Create(_ context.Context, req Request) error {
	return r.update(func(next map[string]Request) error {
		if _, exists := next[req.ID]; exists {
			return errors.New("topup: duplicate id")
		}
		next[req.ID] = req
		return nil
	})
}

// Get fetches a request by id.
func (r *FileRepository) Get(_ context.Context, id string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

// List returns matching requests oldest first.
func (r *FileRepository) List(_ context.Context, owner string, status Status) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filterRequests(r.requests, owner, status), nil
}

// Decide moves a pending request to status.
func (r *FileRepository) Decide(_ context.Context, id string, status Status, by string, at time.Time) (Request, error) {
	var decided Request
	err := r.update(func(next map[string]Request) error {
		var err error
		decided, err = decide(next, id, status, by, at)
		return err
	})
	return decided, err
}

// Reopen returns a request to pending.
func (r *FileRepository) Reopen(_ context.Context, id string) error {
	return r.update(func(next map[string]Request) error {
		return reopen(next, id)
	})
}
