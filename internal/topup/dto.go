package topup

import "time"

// SubmitRequest is the body of POST /topups.
type SubmitRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Response is the wire form of a Request.
type Response struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	Amount    int64      `json:"amount"`
	Reference string     `json:"reference"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Balance   *int64     `json:"balance,omitempty"`
}

func toResponse(req Request) Response {
	resp := Response{
		ID:        req.ID,
		Owner:     req.Owner,
		Amount:    req.Amount,
		Reference: req.Reference,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
		DecidedBy: req.DecidedBy,
	}
	if !req.DecidedAt.IsZero() {
		at := req.DecidedAt
		resp.DecidedAt = &at
	}
	return resp
}

func toResponses(reqs []Request) []Response {
	out := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toResponse(req))
	}
	return out
}
