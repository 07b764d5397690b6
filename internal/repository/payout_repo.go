package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

func (r *PayoutRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payouts (id, freelancer_id, gross, fee, net, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, p.ID, p.FreelancerID, p.Gross, p.Fee, p.Net, p.Status, p.RetryCount).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(r.pool.QueryRow(ctx, selectPayout+` WHERE id = $1`, id))
}

// FindOpenByFreelancerTx returns the freelancer's still-Queued payout, locked
// for update, or ErrNotFound when there is none.
func (r *PayoutRepo) FindOpenByFreelancerTx(ctx context.Context, tx pgx.Tx, freelancerID uuid.UUID) (*models.Payout, error) {
	return scanPayout(tx.QueryRow(ctx, selectPayout+`
		WHERE freelancer_id = $1 AND status = $2
		ORDER BY created_at LIMIT 1 FOR UPDATE
	`, freelancerID, models.PayoutStatusQueued))
}

func (r *PayoutRepo) AddToGrossTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET gross = gross + $1, updated_at = now() WHERE id = $2
	`, amount, id)
	return err
}

// UpdateStatus transitions the payout only if it still has the expected
// status. Pool-level on purpose: payout processing runs outside any contract
// transaction, with this conditional update as its concurrency guard.
func (r *PayoutRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE payouts SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *PayoutRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE payouts SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *PayoutRepo) SetAmounts(ctx context.Context, id uuid.UUID, gross, fee, net int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payouts SET gross = $1, fee = $2, net = $3, updated_at = now() WHERE id = $4
	`, gross, fee, net, id)
	return err
}

func (r *PayoutRepo) SetRailTxIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, railTxID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET rail_tx_id = $1, updated_at = now() WHERE id = $2
	`, railTxID, id)
	return err
}

func (r *PayoutRepo) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE payouts SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1 RETURNING retry_count
	`, id).Scan(&count)
	return count, err
}

const selectPayout = `
	SELECT id, freelancer_id, gross, fee, net, status, retry_count, rail_tx_id, created_at, updated_at
	FROM payouts`

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.FreelancerID, &p.Gross, &p.Fee, &p.Net, &p.Status, &p.RetryCount,
		&p.RailTxID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
