// Package ledger talks to the pay-per-use credit balance consulted once a
// caller's free daily quota is spent. The gateway never caches balances.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

type Ledger interface {
	Deduct(ctx context.Context, account string, amount int) (int, error)
	Balance(ctx context.Context, account string) (int, error)
}

type InMemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{balances: make(map[string]int)}
}

// Credit adds amount to an account and returns the new balance.
func (l *InMemoryLedger) Credit(account string, amount int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
	return l.balances[account]
}

func (l *InMemoryLedger) Deduct(ctx context.Context, account string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount %d", domain.ErrInvalidRequest, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[account]
	if bal < amount {
		return bal, domain.ErrInsufficientCredits
	}
	l.balances[account] = bal - amount
	return l.balances[account], nil
}

func (l *InMemoryLedger) Balance(ctx context.Context, account string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}
