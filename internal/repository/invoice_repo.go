package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

type InvoiceRepo struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepo(pool *pgxpool.Pool) *InvoiceRepo {
	return &InvoiceRepo{pool: pool}
}

// CreateTx inserts a write-once invoice. The unique index on trigger_ref is
// the storage-level duplicate guard; violations surface as ErrDuplicateKey.
func (r *InvoiceRepo) CreateTx(ctx context.Context, tx pgx.Tx, inv *models.Invoice) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO invoices (id, trigger_ref, contract_id, milestone_id, gross, fee, net)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, inv.ID, inv.TriggerRef, inv.ContractID, inv.MilestoneID, inv.Gross, inv.Fee, inv.Net).Scan(&inv.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (r *InvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx, selectInvoice+` WHERE id = $1`, id))
}

func (r *InvoiceRepo) GetByTriggerRef(ctx context.Context, triggerRef string) (*models.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx, selectInvoice+` WHERE trigger_ref = $1`, triggerRef))
}

func (r *InvoiceRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.Invoice, error) {
	rows, err := r.pool.Query(ctx, selectInvoice+` WHERE contract_id = $1 ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Invoice
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.TriggerRef, &inv.ContractID, &inv.MilestoneID,
			&inv.Gross, &inv.Fee, &inv.Net, &inv.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &inv)
	}
	return list, rows.Err()
}

const selectInvoice = `
	SELECT id, trigger_ref, contract_id, milestone_id, gross, fee, net, created_at
	FROM invoices`

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var inv models.Invoice
	err := row.Scan(&inv.ID, &inv.TriggerRef, &inv.ContractID, &inv.MilestoneID,
		&inv.Gross, &inv.Fee, &inv.Net, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
