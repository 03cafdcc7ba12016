package topup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu       sync.Mutex
	requests map[string]Request
}

// NewMemoryRepository builds an in-memory request store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{requests: make(map[string]Request)}
}

func (r *memoryRepository) Create(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.requests[req.ID]; exists {
		return errors.New("topup: duplicate id")
	}
	r.requests[req.ID] = req
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (r *memoryRepository) List(_ context.Context, owner string, status Status) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filterRequests(r.requests, owner, status), nil
}

func (r *memoryRepository) Decide(_ context.Context, id string, status Status, by string, at time.Time) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return decide(r.requests, id, status, by, at)
}

func (r *memoryRepository) Reopen(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reopen(r.requests, id)
}

func filterRequests(all map[string]Request, owner string, status Status) []Request {
	var out []Request
	for _, req := range all {
		if owner != "" && req.Owner != owner {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func decide(all map[string]Request, id string, status Status, by string, at time.Time) (Request, error) {
	req, ok := all[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrAlreadyDecided
	}
	req.Status = status
	req.DecidedAt = at
	req.DecidedBy = by
	all[id] = req
	return req, nil
}

func reopen(all map[string]Request, id string) error {
	req, ok := all[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = StatusPending
	req.DecidedAt = time.Time{}
	req.DecidedBy = ""
	all[id] = req
	return nil
}
