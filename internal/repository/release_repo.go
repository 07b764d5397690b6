package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

// ReleaseRepo stores release records: one row per released milestone, keyed
// by milestone id. The primary key is what makes release at-most-once.
type ReleaseRepo struct {
	pool *pgxpool.Pool
}

func NewReleaseRepo(pool *pgxpool.Pool) *ReleaseRepo {
	return &ReleaseRepo{pool: pool}
}

func (r *ReleaseRepo) InsertTx(ctx context.Context, tx pgx.Tx, rec *models.ReleaseRecord) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO release_records (milestone_id, contract_id, freelancer_id, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING released_at
	`, rec.MilestoneID, rec.ContractID, rec.FreelancerID, rec.Amount).Scan(&rec.ReleasedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// AssignPayoutTx attaches a released milestone to a payout. The NULL guard
// keeps a milestone in at most one payout. Returns false when the record was
// already assigned.
func (r *ReleaseRepo) AssignPayoutTx(ctx context.Context, tx pgx.Tx, milestoneID, payoutID uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE release_records SET payout_id = $1
		WHERE milestone_id = $2 AND payout_id IS NULL
	`, payoutID, milestoneID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ClearPayoutTx detaches a failed payout's milestones so an operator can
// requeue them into a fresh payout.
func (r *ReleaseRepo) ClearPayoutTx(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE release_records SET payout_id = NULL WHERE payout_id = $1`, payoutID)
	return err
}

func (r *ReleaseRepo) ListByPayout(ctx context.Context, payoutID uuid.UUID) ([]*models.ReleaseRecord, error) {
	rows, err := r.pool.Query(ctx, selectRelease+` WHERE payout_id = $1 ORDER BY released_at`, payoutID)
	if err != nil {
		return nil, err
	}
	return collectReleases(rows)
}

// ListUnassigned returns released-but-unpaid records across all freelancers,
// oldest first. Consumed by the payout sweep.
func (r *ReleaseRepo) ListUnassigned(ctx context.Context) ([]*models.ReleaseRecord, error) {
	rows, err := r.pool.Query(ctx, selectRelease+` WHERE payout_id IS NULL ORDER BY released_at`)
	if err != nil {
		return nil, err
	}
	return collectReleases(rows)
}

func (r *ReleaseRepo) GetByMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.ReleaseRecord, error) {
	var rec models.ReleaseRecord
	err := r.pool.QueryRow(ctx, selectRelease+` WHERE milestone_id = $1`, milestoneID).
		Scan(&rec.MilestoneID, &rec.ContractID, &rec.FreelancerID, &rec.Amount, &rec.PayoutID, &rec.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const selectRelease = `
	SELECT milestone_id, contract_id, freelancer_id, amount, payout_id, released_at
	FROM release_records`

func collectReleases(rows pgx.Rows) ([]*models.ReleaseRecord, error) {
	defer rows.Close()
	var list []*models.ReleaseRecord
	for rows.Next() {
		var rec models.ReleaseRecord
		if err := rows.Scan(&rec.MilestoneID, &rec.ContractID, &rec.FreelancerID, &rec.Amount, &rec.PayoutID, &rec.ReleasedAt); err != nil {
			return nil, err
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}
