package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) CreateAccountTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_accounts (contract_id, locked_total, released_total, refunded_total)
		VALUES ($1, 0, 0, 0)
	`, contractID)
	return err
}

func (r *EscrowRepo) GetAccount(ctx context.Context, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT contract_id, locked_total, released_total, refunded_total
		FROM escrow_accounts WHERE contract_id = $1
	`, contractID))
}

func (r *EscrowRepo) GetAccountTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return scanAccount(tx.QueryRow(ctx, `
		SELECT contract_id, locked_total, released_total, refunded_total
		FROM escrow_accounts WHERE contract_id = $1
	`, contractID))
}

func (r *EscrowRepo) AddLockedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, amount int64) error {
	result, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET locked_total = locked_total + $1 WHERE contract_id = $2
	`, amount, contractID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MoveLockedToReleasedTx shifts amount from locked to released custody.
// The balance condition makes over-release impossible at the storage layer.
func (r *EscrowRepo) MoveLockedToReleasedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, amount int64) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE escrow_accounts
		SET locked_total = locked_total - $1, released_total = released_total + $1
		WHERE contract_id = $2 AND locked_total >= $1
	`, amount, contractID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MoveLockedToRefundedTx moves the entire remaining locked balance to
// refunded and returns the amount moved.
func (r *EscrowRepo) MoveLockedToRefundedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int64, error) {
	var moved int64
	err := tx.QueryRow(ctx, `
		WITH before AS (
			SELECT locked_total FROM escrow_accounts WHERE contract_id = $1 FOR UPDATE
		)
		UPDATE escrow_accounts
		SET refunded_total = refunded_total + locked_total, locked_total = 0
		WHERE contract_id = $1
		RETURNING (SELECT locked_total FROM before)
	`, contractID).Scan(&moved)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	return moved, err
}

func (r *EscrowRepo) InsertEntryTx(ctx context.Context, tx pgx.Tx, e *models.EscrowEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_entries (id, contract_id, milestone_id, entry_type, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.ID, e.ContractID, e.MilestoneID, e.EntryType, e.Amount).Scan(&e.CreatedAt)
}

func (r *EscrowRepo) ListEntriesByContract(ctx context.Context, contractID uuid.UUID) ([]*models.EscrowEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, contract_id, milestone_id, entry_type, amount, created_at
		FROM escrow_entries WHERE contract_id = $1 ORDER BY created_at
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EscrowEntry
	for rows.Next() {
		var e models.EscrowEntry
		if err := rows.Scan(&e.ID, &e.ContractID, &e.MilestoneID, &e.EntryType, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func scanAccount(row pgx.Row) (*models.EscrowAccount, error) {
	var a models.EscrowAccount
	err := row.Scan(&a.ContractID, &a.LockedTotal, &a.ReleasedTotal, &a.RefundedTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
