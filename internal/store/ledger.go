package store

import (
	"context"
	"database/sql"
	"errors"

	"panelsim/internal/types"
)

// The ledger methods implement credit.Ledger on top of the
// credit_accounts table. Every mutation is a single conditional UPDATE
// so concurrent writers cannot interleave a read-modify-write.

// EnsureAccount creates user's account with an initial balance if it
// does not exist yet. Existing accounts are left alone.
func (s *Store) EnsureAccount(ctx context.Context, userID string, initial float64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO credit_accounts (user_id, balance) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING",
		userID, initial)
	return err
}

// Grant adds credits to a user's balance, creating the account if
// needed. Used by the operator CLI, not the billing path.
func (s *Store) Grant(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, &types.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = CURRENT_TIMESTAMP`,
		userID, amount)
	if err != nil {
		return 0, err
	}
	return s.Balance(ctx, userID)
}

// Balance returns user's current balance.
func (s *Store) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM credit_accounts WHERE user_id = ?", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrNotFound
	}
	return balance, err
}

// Withdraw subtracts amount if and only if the balance covers it.
// Fails with ErrInsufficientCredits otherwise, leaving the balance
// untouched.
func (s *Store) Withdraw(ctx context.Context, userID string, amount float64) (float64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND balance >= ?`,
		amount, userID, amount)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// Distinguish a missing account from an uncovered amount.
		if _, err := s.Balance(ctx, userID); err != nil {
			return 0, err
		}
		return 0, types.ErrInsufficientCredits
	}
	return s.Balance(ctx, userID)
}

// WithdrawUpTo subtracts amount, clamping the balance at zero instead
// of failing. Used when reconciling a hold that underestimated usage.
func (s *Store) WithdrawUpTo(ctx context.Context, userID string, amount float64) (float64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = MAX(balance - ?, 0), updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`,
		amount, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, types.ErrNotFound
	}
	return s.Balance(ctx, userID)
}

// Deposit adds amount back to an existing account.
func (s *Store) Deposit(ctx context.Context, userID string, amount float64) (float64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`,
		amount, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, types.ErrNotFound
	}
	return s.Balance(ctx, userID)
}
