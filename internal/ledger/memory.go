package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"genstudio/internal/models"
)

// Memory is an in-process ledger with the same semantics as Postgres: one
// lock per account stands in for row-level isolation, so unrelated users
// never contend. Used in tests and single-node setups without a database.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu      sync.Mutex
	balance int64
	plan    string
	created time.Time
	updated time.Time
	history []models.CreditTransaction // newest last
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*memAccount)}
}

// EnsureAccount creates the account with a seed balance if it does not exist.
func (m *Memory) EnsureAccount(_ context.Context, userID string, seedBalance int64, plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		now := time.Now().UTC()
		m.accounts[userID] = &memAccount{balance: seedBalance, plan: plan, created: now, updated: now}
	}
	return nil
}

func (m *Memory) get(userID string) (*memAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

func (m *Memory) Balance(_ context.Context, userID string) (models.CreditAccount, error) {
	acc, err := m.get(userID)
	if err != nil {
		return models.CreditAccount{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return models.CreditAccount{
		UserID:    userID,
		Balance:   acc.balance,
		Plan:      acc.plan,
		CreatedAt: acc.created,
		UpdatedAt: acc.updated,
	}, nil
}

func (m *Memory) Check(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	acc, err := m.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return acc.Balance >= amount, nil
}

func (m *Memory) Deduct(_ context.Context, userID string, amount int64, reason, relatedJobID string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	acc, err := m.get(userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	// Re-check under the account lock; a prior Check is advisory only.
	if acc.balance < amount {
		return models.CreditTransaction{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, acc.balance, amount)
	}

	before := acc.balance
	acc.balance -= amount
	acc.updated = time.Now().UTC()

	record := models.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          models.TxDeduction,
		Amount:        -amount,
		BalanceBefore: before,
		BalanceAfter:  acc.balance,
		Reason:        reason,
		CreatedAt:     acc.updated,
	}
	if relatedJobID != "" {
		record.RelatedJobID = &relatedJobID
	}
	checkInvariant(record)
	acc.history = append(acc.history, record)
	return record, nil
}

func (m *Memory) Credit(_ context.Context, userID string, amount int64, kind, reason, relatedPaymentID string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	if !models.ValidTxKind(kind) || kind == models.TxDeduction {
		return models.CreditTransaction{}, fmt.Errorf("invalid credit kind %q", kind)
	}
	acc, err := m.get(userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	before := acc.balance
	acc.balance += amount
	acc.updated = time.Now().UTC()

	record := models.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  acc.balance,
		Reason:        reason,
		CreatedAt:     acc.updated,
	}
	if relatedPaymentID != "" {
		record.RelatedPaymentID = &relatedPaymentID
	}
	checkInvariant(record)
	acc.history = append(acc.history, record)
	return record, nil
}

func (m *Memory) Stats(ctx context.Context, userID string) (Stats, error) {
	acc, err := m.get(userID)
	if err != nil {
		return Stats{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	stats := Stats{
		CurrentBalance: acc.balance,
		Plan:           acc.plan,
		Counts:         make(map[string]int64),
	}
	for _, record := range acc.history {
		stats.Counts[record.Kind]++
		switch record.Kind {
		case models.TxDeduction:
			stats.TotalUsed += -record.Amount
		case models.TxPurchase:
			stats.TotalPurchased += record.Amount
		}
	}
	return stats, nil
}

func (m *Memory) History(_ context.Context, userID string, page, pageSize int, kind string) ([]models.CreditTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	acc, err := m.get(userID)
	if err != nil {
		return nil, 0, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	// Newest first.
	filtered := make([]models.CreditTransaction, 0, len(acc.history))
	for i := len(acc.history) - 1; i >= 0; i-- {
		record := acc.history[i]
		if kind != "" && record.Kind != kind {
			continue
		}
		filtered = append(filtered, record)
	}

	total := int64(len(filtered))
	start := (page - 1) * pageSize
	if start >= len(filtered) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	out := make([]models.CreditTransaction, end-start)
	copy(out, filtered[start:end])
	return out, total, nil
}
