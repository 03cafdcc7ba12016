package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists top-up requests.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	// List returns requests oldest first. Empty owner or status match all.
	List(ctx context.Context, owner string, status Status) ([]Request, error)
	// Decide moves a pending request to status, failing with
	// ErrAlreadyDecided if it is no longer pending.
	Decide(ctx context.Context, id string, status Status, by string, at time.Time) (Request, error)
	// Reopen returns a decided request to pending.
	Reopen(ctx context.Context, id string) error
}

const topupSchema = `CREATE TABLE IF NOT EXISTS topups (
        id         TEXT PRIMARY KEY,
        owner      TEXT NOT NULL,
        amount     BIGINT NOT NULL CHECK (amount > 0),
        reference  TEXT NOT NULL,
        status     TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        decided_at TIMESTAMPTZ,
        decided_by TEXT NOT NULL DEFAULT ''
    )`

const topupColumns = `id, owner, amount, reference, status, created_at, decided_at, decided_by`

// PostgresRepository stores top-up requests in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the topups table if it is missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, topupSchema)
	return err
}

// Create inserts a request.
func (r *PostgresRepository) Create(ctx context.Context, req Request) error {
	_, err := r.db.Exec(ctx, `INSERT INTO topups (id, owner, amount, reference, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, req.ID, req.Owner, req.Amount, req.Reference, string(req.Status), req.CreatedAt.UTC())
	return err
}

// Get fetches a request by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Request, error) {
	row := r.db.QueryRow(ctx, `SELECT `+topupColumns+` FROM topups WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

// List fetches requests matching the optional filters.
func (r *PostgresRepository) List(ctx context.Context, owner string, status Status) ([]Request, error) {
	rows, err := r.db.Query(ctx, `SELECT `+topupColumns+` FROM topups
        WHERE ($1 = '' OR owner = $1) AND ($2 = '' OR status = $2)
        ORDER BY id`, owner, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Decide updates the request only while it is still pending.
func (r *PostgresRepository) Decide(ctx context.Context, id string, status Status, by string, at time.Time) (Request, error) {
	row := r.db.QueryRow(ctx, `UPDATE topups SET status = $2, decided_at = $3, decided_by = $4
        WHERE id = $1 AND status = 'pending'
        RETURNING `+topupColumns, id, string(status), at.UTC(), by)
	req, err := scanRequest(row)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return Request{}, err
	}
	return Request{}, ErrAlreadyDecided
}

// Reopen clears the decision.
func (r *PostgresRepository) Reopen(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE topups SET status = 'pending', decided_at = NULL, decided_by = '' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req       Request
		status    string
		decidedAt *time.Time
	)
	if err := row.Scan(&req.ID, &req.Owner, &req.Amount, &req.Reference, &status, &req.CreatedAt, &decidedAt, &req.DecidedBy); err != nil {
		return Request{}, fmt.Errorf("scan topup: %w", err)
	}
	req.Status = Status(status)
	req.CreatedAt = req.CreatedAt.UTC()
	if decidedAt != nil {
		req.DecidedAt = decidedAt.UTC()
	}
	return req, nil
}
