package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"genstudio/internal/models"
)

// Postgres is the production ledger. The conditional UPDATE carries the
// affordability re-check and the decrement in one statement, and the
// transaction row is appended inside the same database transaction, so the
// per-account history is always ordered consistently with the balance.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Postgres)(nil)

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureAccount creates the account with a seed balance if it does not exist.
func (p *Postgres) EnsureAccount(ctx context.Context, userID string, seedBalance int64, plan string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, plan, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, seedBalance, plan)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, userID string) (models.CreditAccount, error) {
	var acc models.CreditAccount
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, balance, plan, created_at, updated_at
		FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&acc.UserID, &acc.Balance, &acc.Plan, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditAccount{}, ErrAccountNotFound
	}
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("query balance: %w", err)
	}
	return acc, nil
}

func (p *Postgres) Check(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	acc, err := p.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return acc.Balance >= amount, nil
}

func (p *Postgres) Deduct(ctx context.Context, userID string, amount int64, reason, relatedJobID string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// The authoritative re-check: the decrement only lands when the balance
	// still covers it, closing the check-then-deduct race.
	var after int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		acc, berr := p.Balance(ctx, userID)
		if berr != nil {
			return models.CreditTransaction{}, berr
		}
		return models.CreditTransaction{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, acc.Balance, amount)
	}
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("deduct balance: %w", err)
	}

	record := models.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          models.TxDeduction,
		Amount:        -amount,
		BalanceBefore: after + amount,
		BalanceAfter:  after,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	if relatedJobID != "" {
		record.RelatedJobID = &relatedJobID
	}
	checkInvariant(record)

	if err := p.insertTransaction(ctx, tx, record); err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit deduct: %w", err)
	}
	return record, nil
}

func (p *Postgres) Credit(ctx context.Context, userID string, amount int64, kind, reason, relatedPaymentID string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	if !models.ValidTxKind(kind) || kind == models.TxDeduction {
		return models.CreditTransaction{}, fmt.Errorf("invalid credit kind %q", kind)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var after int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance
	`, userID, amount).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditTransaction{}, ErrAccountNotFound
	}
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("credit balance: %w", err)
	}

	record := models.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: after - amount,
		BalanceAfter:  after,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	if relatedPaymentID != "" {
		record.RelatedPaymentID = &relatedPaymentID
	}
	checkInvariant(record)

	if err := p.insertTransaction(ctx, tx, record); err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit credit: %w", err)
	}
	return record, nil
}

func (p *Postgres) insertTransaction(ctx context.Context, tx pgx.Tx, record models.CreditTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, kind, amount, balance_before, balance_after, reason, related_job_id, related_payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID, record.UserID, record.Kind, record.Amount, record.BalanceBefore, record.BalanceAfter,
		record.Reason, record.RelatedJobID, record.RelatedPaymentID, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, userID string, page, pageSize int, kind string) ([]models.CreditTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	where := `WHERE user_id = $1`
	args := []any{userID}
	if kind != "" {
		where += ` AND kind = $2`
		args = append(args, kind)
	}

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM credit_transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf(`
		SELECT id, user_id, kind, amount, balance_before, balance_after, reason, related_job_id, related_payment_id, created_at
		FROM credit_transactions %s
		ORDER BY created_at DESC, id DESC
		LIMIT %d OFFSET %d
	`, where, pageSize, offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.CreditTransaction
	for rows.Next() {
		var record models.CreditTransaction
		var jobID, paymentID pgtype.Text
		if err := rows.Scan(&record.ID, &record.UserID, &record.Kind, &record.Amount,
			&record.BalanceBefore, &record.BalanceAfter, &record.Reason, &jobID, &paymentID, &record.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		record.RelatedJobID = textPtr(jobID)
		record.RelatedPaymentID = textPtr(paymentID)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, total, nil
}

// Stats summarizes an account's lifetime credit movement.
type Stats struct {
	CurrentBalance int64            `json:"current_balance"`
	Plan           string           `json:"plan"`
	TotalUsed      int64            `json:"total_used"`
	TotalPurchased int64            `json:"total_purchased"`
	Counts         map[string]int64 `json:"transaction_counts"`
}

// Stats aggregates per-kind totals for the account.
func (p *Postgres) Stats(ctx context.Context, userID string) (Stats, error) {
	acc, err := p.Balance(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT kind, COUNT(*), COALESCE(SUM(amount), 0)
		FROM credit_transactions WHERE user_id = $1 GROUP BY kind
	`, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{
		CurrentBalance: acc.Balance,
		Plan:           acc.Plan,
		Counts:         make(map[string]int64),
	}
	for rows.Next() {
		var kind string
		var count, sum int64
		if err := rows.Scan(&kind, &count, &sum); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Counts[kind] = count
		switch kind {
		case models.TxDeduction:
			stats.TotalUsed += -sum
		case models.TxPurchase:
			stats.TotalPurchased += sum
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
