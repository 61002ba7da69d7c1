package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cory-johannsen/lobby/internal/account"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// AccountRepository is an account.Store backed by the accounts table.
type AccountRepository struct {
	db *Pool
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be open with migrations applied.
func NewAccountRepository(db *Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Lookup implements account.Store.
func (r *AccountRepository) Lookup(ctx context.Context, key string) (account.Record, error) {
	var rec account.Record
	err := r.db.pool.QueryRow(ctx,
		`SELECT username, salt, password_hash, avatar, created_at
		 FROM accounts WHERE username_key = $1`,
		key,
	).Scan(&rec.Username, &rec.Salt, &rec.Hash, &rec.Avatar, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Record{}, account.ErrNotFound
		}
		return account.Record{}, fmt.Errorf("querying account: %w", err)
	}
	return rec, nil
}

// Insert implements account.Store.
func (r *AccountRepository) Insert(ctx context.Context, key string, rec account.Record) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO accounts (username_key, username, salt, password_hash, avatar, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key, rec.Username, rec.Salt, rec.Hash, rec.Avatar, rec.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return account.ErrExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// SetAvatar implements account.Store.
func (r *AccountRepository) SetAvatar(ctx context.Context, key, avatar string) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE accounts SET avatar = $1 WHERE username_key = $2`,
		avatar, key,
	)
	if err != nil {
		return fmt.Errorf("updating avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
