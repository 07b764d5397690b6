package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairlance/backend/internal/models"
)

type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

// AppendTx inserts the event with the next per-contract sequence number.
// The cursor upsert takes a row lock, so concurrent appends from the contract
// path and the payout path serialize there; a rolled-back transaction rolls
// the cursor back with it, keeping the sequence gap-free.
func (r *ActivityRepo) AppendTx(ctx context.Context, tx pgx.Tx, e *models.ActivityEvent) error {
	if err := tx.QueryRow(ctx, `
		INSERT INTO activity_cursors (contract_id, seq) VALUES ($1, 1)
		ON CONFLICT (contract_id) DO UPDATE SET seq = activity_cursors.seq + 1
		RETURNING seq
	`, e.ContractID).Scan(&e.Seq); err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO activity_events (contract_id, seq, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, e.ContractID, e.Seq, e.Kind, e.Payload).Scan(&e.CreatedAt)
}

// ListFrom returns up to limit events with seq > sinceSeq, in seq order.
// Readers only ever see a committed prefix.
func (r *ActivityRepo) ListFrom(ctx context.Context, contractID uuid.UUID, sinceSeq int64, limit int) ([]*models.ActivityEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT contract_id, seq, kind, payload, created_at
		FROM activity_events
		WHERE contract_id = $1 AND seq > $2
		ORDER BY seq LIMIT $3
	`, contractID, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*models.ActivityEvent, error) {
	defer rows.Close()
	var list []*models.ActivityEvent
	for rows.Next() {
		var e models.ActivityEvent
		if err := rows.Scan(&e.ContractID, &e.Seq, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
