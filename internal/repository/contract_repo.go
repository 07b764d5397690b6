package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

// ErrDuplicateKey is returned when an insert hits a unique constraint.
// Services map it onto their own sentinels (double release, duplicate invoice).
var ErrDuplicateKey = errors.New("duplicate key")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type ContractRepo struct {
	pool *pgxpool.Pool
}

func NewContractRepo(pool *pgxpool.Pool) *ContractRepo {
	return &ContractRepo{pool: pool}
}

func (r *ContractRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Contract) error {
	return tx.QueryRow(ctx, `
		INSERT INTO contracts (id, client_id, freelancer_id, total_amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, c.ID, c.ClientID, c.FreelancerID, c.TotalAmount, c.Status).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *ContractRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	return scanContract(r.pool.QueryRow(ctx, `
		SELECT id, client_id, freelancer_id, total_amount, status, created_at, updated_at
		FROM contracts WHERE id = $1
	`, id))
}

// GetTx reads the contract inside the given transaction without locking it.
// Used by read-only snapshot transactions.
func (r *ContractRepo) GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return scanContract(tx.QueryRow(ctx, `
		SELECT id, client_id, freelancer_id, total_amount, status, created_at, updated_at
		FROM contracts WHERE id = $1
	`, id))
}

// GetForUpdateTx locks the contract row for the duration of the transaction.
func (r *ContractRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return scanContract(tx.QueryRow(ctx, `
		SELECT id, client_id, freelancer_id, total_amount, status, created_at, updated_at
		FROM contracts WHERE id = $1 FOR UPDATE
	`, id))
}

// UpdateStatusTx transitions the contract's status only if it still has the
// expected current status. Returns false when no row matched.
func (r *ContractRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE contracts SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	err := row.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.TotalAmount, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
