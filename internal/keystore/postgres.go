package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
        digest     TEXT PRIMARY KEY,
        owner      TEXT NOT NULL,
        label      TEXT NOT NULL DEFAULT '',
        kind       TEXT NOT NULL,
        issued_at  TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        CHECK (expires_at > issued_at)
    )`,
	`CREATE INDEX IF NOT EXISTS credentials_expires_at_idx ON credentials (expires_at)`,
	`CREATE TABLE IF NOT EXISTS accounts (
        owner      TEXT PRIMARY KEY,
        balance    BIGINT NOT NULL CHECK (balance >= 0),
        premium    BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
}

const accountColumns = `owner, balance, premium, created_at, updated_at`

// PostgresBackend persists credentials and accounts in PostgreSQL. Balance
// mutations are single conditional UPDATE statements, so the row lock taken
// by the database serializes concurrent writers for the same owner.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// NewPostgresBackend constructs a Postgres-backed keystore backend.
func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// EnsureSchema creates the tables used by the backend if they are missing.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return storageErr("ensure schema", err)
		}
	}
	return nil
}

// InsertCredential stores the credential, reporting a digest clash as ErrTokenCollision.
func (p *PostgresBackend) InsertCredential(ctx context.Context, cred Credential) error {
	return insertCredential(ctx, p.db, cred)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertCredential(ctx context.Context, db rowQuerier, cred Credential) error {
	const query = `INSERT INTO credentials (digest, owner, label, kind, issued_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (digest) DO NOTHING
        RETURNING digest`
	var digest string
	err := db.QueryRow(ctx, query, cred.Digest, cred.Owner, cred.Label, string(cred.Kind), cred.IssuedAt.UTC(), cred.ExpiresAt.UTC()).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTokenCollision
	}
	if err != nil {
		return storageErr("insert credential", err)
	}
	return nil
}

// FindCredential fetches a credential by digest.
func (p *PostgresBackend) FindCredential(ctx context.Context, digest string) (Credential, error) {
	row := p.db.QueryRow(ctx, `SELECT digest, owner, label, kind, issued_at, expires_at
        FROM credentials WHERE digest = $1`, digest)
	var (
		cred Credential
		kind string
	)
	if err := row.Scan(&cred.Digest, &cred.Owner, &cred.Label, &kind, &cred.IssuedAt, &cred.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, storageErr("find credential", err)
	}
	cred.Kind = Kind(kind)
	cred.IssuedAt = cred.IssuedAt.UTC()
	cred.ExpiresAt = cred.ExpiresAt.UTC()
	return cred, nil
}

// DeleteExpired removes every credential that expired before now.
func (p *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	cmd, err := p.db.Exec(ctx, `DELETE FROM credentials WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, storageErr("sweep credentials", err)
	}
	return int(cmd.RowsAffected()), nil
}

// EnsureAccount inserts the account with the starting bonus unless it exists.
func (p *PostgresBackend) EnsureAccount(ctx context.Context, owner string, bonus int64, now time.Time) (Account, bool, error) {
	row := p.db.QueryRow(ctx, `INSERT INTO accounts (owner, balance, premium, created_at, updated_at)
        VALUES ($1, $2, FALSE, $3, $3)
        ON CONFLICT (owner) DO NOTHING
        RETURNING `+accountColumns, owner, bonus, now.UTC())
	acct, err := scanAccount(row)
	if err == nil {
		return acct, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, false, storageErr("create account", err)
	}
	acct, err = p.FindAccount(ctx, owner)
	if err != nil {
		return Account{}, false, err
	}
	return acct, false, nil
}

// FindAccount fetches the account for owner.
func (p *PostgresBackend) FindAccount(ctx context.Context, owner string) (Account, error) {
	row := p.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner = $1`, owner)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, errNoAccount
		}
		return Account{}, storageErr("find account", err)
	}
	return acct, nil
}

// AdjustBalance applies delta with a guard that keeps the balance inside
// [0, MaxInt64]. The guard sums in numeric so it cannot overflow itself.
func (p *PostgresBackend) AdjustBalance(ctx context.Context, owner string, delta int64, now time.Time) (Account, error) {
	row := p.db.QueryRow(ctx, `UPDATE accounts SET balance = balance + $2::bigint, updated_at = $3
        WHERE owner = $1 AND balance::numeric + $2::bigint BETWEEN 0 AND 9223372036854775807
        RETURNING `+accountColumns, owner, delta, now.UTC())
	acct, err := scanAccount(row)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, storageErr("adjust balance", err)
	}
	current, err := p.FindAccount(ctx, owner)
	if err != nil {
		return Account{}, err
	}
	return current, rejectedAdjust(current.Balance, delta)
}

// SetPremium toggles the premium flag.
func (p *PostgresBackend) SetPremium(ctx context.Context, owner string, premium bool, now time.Time) (Account, error) {
	row := p.db.QueryRow(ctx, `UPDATE accounts SET premium = $2, updated_at = $3
        WHERE owner = $1
        RETURNING `+accountColumns, owner, premium, now.UTC())
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, errNoAccount
		}
		return Account{}, storageErr("set premium", err)
	}
	return acct, nil
}

// DebitAndInsert runs the conditional debit and the credential insert in one transaction.
func (p *PostgresBackend) DebitAndInsert(ctx context.Context, owner string, cost int64, cred Credential) (int64, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, storageErr("begin debit", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var balance int64
	err = tx.QueryRow(ctx, `UPDATE accounts SET balance = balance - $2, updated_at = $3
        WHERE owner = $1 AND balance >= $2
        RETURNING balance`, owner, cost, cred.IssuedAt.UTC()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE owner = $1`, owner).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, errNoAccount
			}
			return 0, storageErr("read balance", err)
		}
		return balance, ErrInsufficientBalance
	}
	if err != nil {
		return 0, storageErr("debit balance", err)
	}

	if err := insertCredential(ctx, tx, cred); err != nil {
		return balance + cost, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("commit debit", err)
	}
	return balance, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	if err := row.Scan(&acct.Owner, &acct.Balance, &acct.Premium, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}
