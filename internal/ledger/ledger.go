// Package ledger is the authoritative store of prepaid credit balances and
// their append-only transaction history. Balances are mutated only here, and
// every deduction re-checks affordability inside the same atomic unit as the
// decrement, so an earlier Check can never be trusted into overdraft.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"genstudio/internal/models"
)

var (
	// ErrInsufficientCredits is user-facing and non-retryable without a top-up.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound means the user has no credit account.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrInvalidAmount rejects zero or negative operation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Ledger exposes the credit operations the orchestrator and API consume.
type Ledger interface {
	// Check reports whether the user can afford amount. Read-only; Deduct
	// re-checks authoritatively.
	Check(ctx context.Context, userID string, amount int64) (bool, error)

	// Deduct atomically decrements the balance and appends a deduction
	// transaction (negative amount). Fails with ErrInsufficientCredits when
	// the balance cannot cover it at deduction time.
	Deduct(ctx context.Context, userID string, amount int64, reason, relatedJobID string) (models.CreditTransaction, error)

	// Credit atomically increments the balance and appends a transaction of
	// the given kind (purchase, bonus or refund) with positive amount.
	Credit(ctx context.Context, userID string, amount int64, kind, reason, relatedPaymentID string) (models.CreditTransaction, error)

	// Balance returns the account's current balance and plan.
	Balance(ctx context.Context, userID string) (models.CreditAccount, error)

	// History returns transactions newest-first with the total row count for
	// pagination. kind filters to one transaction kind when non-empty.
	History(ctx context.Context, userID string, page, pageSize int, kind string) ([]models.CreditTransaction, int64, error)

	// Stats aggregates per-kind totals for the account.
	Stats(ctx context.Context, userID string) (Stats, error)

	// EnsureAccount creates the account with a seed balance if it does not
	// exist. Existing accounts are left untouched.
	EnsureAccount(ctx context.Context, userID string, seedBalance int64, plan string) error
}

// checkInvariant panics when a written transaction does not reconcile with
// the balance mutation it accompanied. This is a programming bug in the
// atomic-update boundary, never a recoverable user condition, so it crashes
// loudly instead of clamping.
func checkInvariant(tx models.CreditTransaction) {
	if tx.BalanceAfter != tx.BalanceBefore+tx.Amount || tx.BalanceAfter < 0 {
		panic(fmt.Sprintf(
			"ledger invariant violated: user=%s kind=%s amount=%d before=%d after=%d",
			tx.UserID, tx.Kind, tx.Amount, tx.BalanceBefore, tx.BalanceAfter,
		))
	}
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
