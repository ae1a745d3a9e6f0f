package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// PostgresLedger keeps balances in the credit_balances table. Deductions are
// a single conditional update so concurrent gateways never overdraw.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Deduct(ctx context.Context, account string, amount int) (int, error) {
	query := `
		UPDATE credit_balances
		SET balance = balance - $2, updated_at = NOW()
		WHERE account = $1 AND balance >= $2
		RETURNING balance
	`

	var balance int
	err := l.db.QueryRowContext(ctx, query, account, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		current, berr := l.Balance(ctx, account)
		if berr != nil {
			return 0, berr
		}
		return current, domain.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("%w: deduct credits: %v", domain.ErrLedgerUnavailable, err)
	}
	return balance, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, account string) (int, error) {
	var balance int
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE account = $1`, account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query balance: %v", domain.ErrLedgerUnavailable, err)
	}
	return balance, nil
}

// Credit tops up an account, creating it when missing.
func (l *PostgresLedger) Credit(ctx context.Context, account string, amount int) (int, error) {
	query := `
		INSERT INTO credit_balances (account, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE
		SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance
	`
	var balance int
	if err := l.db.QueryRowContext(ctx, query, account, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}
	return balance, nil
}
