package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

type MilestoneRepo struct {
	pool *pgxpool.Pool
}

func NewMilestoneRepo(pool *pgxpool.Pool) *MilestoneRepo {
	return &MilestoneRepo{pool: pool}
}

func (r *MilestoneRepo) CreateTx(ctx context.Context, tx pgx.Tx, m *models.Milestone) error {
	return tx.QueryRow(ctx, `
		INSERT INTO milestones (id, contract_id, position, amount, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, m.ID, m.ContractID, m.Position, m.Amount, m.Deadline, m.Status).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *MilestoneRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return scanMilestone(r.pool.QueryRow(ctx, selectMilestone+` WHERE id = $1`, id))
}

// GetForUpdateTx locks the milestone row for the duration of the transaction.
func (r *MilestoneRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Milestone, error) {
	return scanMilestone(tx.QueryRow(ctx, selectMilestone+` WHERE id = $1 FOR UPDATE`, id))
}

func (r *MilestoneRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.Milestone, error) {
	rows, err := r.pool.Query(ctx, selectMilestone+` WHERE contract_id = $1 ORDER BY position`, contractID)
	if err != nil {
		return nil, err
	}
	return collectMilestones(rows)
}

func (r *MilestoneRepo) ListByContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Milestone, error) {
	rows, err := tx.Query(ctx, selectMilestone+` WHERE contract_id = $1 ORDER BY position`, contractID)
	if err != nil {
		return nil, err
	}
	return collectMilestones(rows)
}

// UpdateStatusTx transitions a milestone only if it still has the expected
// current status. Returns false when no row matched, which callers treat as a
// lost race or an illegal transition.
func (r *MilestoneRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE milestones SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *MilestoneRepo) SetArtifactTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, artifactRef string) error {
	_, err := tx.Exec(ctx, `
		UPDATE milestones SET artifact_ref = $1, updated_at = now() WHERE id = $2
	`, artifactRef, id)
	return err
}

func (r *MilestoneRepo) SetChangeNoteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, note string) error {
	_, err := tx.Exec(ctx, `
		UPDATE milestones SET change_note = $1, updated_at = now() WHERE id = $2
	`, note, id)
	return err
}

// DeleteByContractTx removes all milestones of a contract. Only used by the
// pre-funding milestone replacement path, where every milestone is Upcoming.
func (r *MilestoneRepo) DeleteByContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM milestones WHERE contract_id = $1`, contractID)
	return err
}

const selectMilestone = `
	SELECT id, contract_id, position, amount, deadline, status, artifact_ref, change_note, created_at, updated_at
	FROM milestones`

func scanMilestone(row pgx.Row) (*models.Milestone, error) {
	var m models.Milestone
	err := row.Scan(&m.ID, &m.ContractID, &m.Position, &m.Amount, &m.Deadline, &m.Status,
		&m.ArtifactRef, &m.ChangeNote, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMilestones(rows pgx.Rows) ([]*models.Milestone, error) {
	defer rows.Close()
	var list []*models.Milestone
	for rows.Next() {
		var m models.Milestone
		if err := rows.Scan(&m.ID, &m.ContractID, &m.Position, &m.Amount, &m.Deadline, &m.Status,
			&m.ArtifactRef, &m.ChangeNote, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}
