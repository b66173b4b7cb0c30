package models

import (
	"time"
)

// Credit transaction kinds. Deductions carry a negative amount, everything
// else a positive one.
const (
	TxDeduction = "deduction"
	TxPurchase  = "purchase"
	TxBonus     = "bonus"
	TxRefund    = "refund"
)

// ValidTxKind reports whether kind is one of the known transaction kinds.
func ValidTxKind(kind string) bool {
	switch kind {
	case TxDeduction, TxPurchase, TxBonus, TxRefund:
		return true
	}
	return false
}

// CreditAccount is the prepaid balance for one user. Balance never goes
// negative; every mutation happens through the ledger.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one append-only ledger row. BalanceAfter always equals
// BalanceBefore + Amount, and the account balance always equals the
// BalanceAfter of its newest transaction.
type CreditTransaction struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Kind             string    `json:"kind"`
	Amount           int64     `json:"amount"`
	BalanceBefore    int64     `json:"balance_before"`
	BalanceAfter     int64     `json:"balance_after"`
	Reason           string    `json:"reason"`
	RelatedJobID     *string   `json:"related_job_id,omitempty"`
	RelatedPaymentID *string   `json:"related_payment_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ProviderHealth is the rolling reliability snapshot for one provider.
type ProviderHealth struct {
	Provider          string    `json:"provider"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LastCheckedAt     time.Time `json:"last_checked_at"`
	Available         bool      `json:"available"`
}
