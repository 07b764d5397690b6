// Package activity is the append-only audit trail. Every state change the
// engine makes writes exactly one event here, in the same transaction as the
// change itself.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairlance/backend/internal/models"
)

// Repo is the minimal storage interface for the log.
type Repo interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e *models.ActivityEvent) error
	ListFrom(ctx context.Context, contractID uuid.UUID, sinceSeq int64, limit int) ([]*models.ActivityEvent, error)
}

type Log struct {
	repo Repo
}

func NewLog(repo Repo) *Log {
	return &Log{repo: repo}
}

// Append records one event inside the caller's transaction. The payload is a
// snapshot of the entity after the change. Storage errors propagate: a state
// change that cannot be logged does not commit.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, kind string, payload any) (*models.ActivityEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal activity payload: %w", err)
	}
	e := &models.ActivityEvent{
		ContractID: contractID,
		Kind:       kind,
		Payload:    raw,
	}
	if err := l.repo.AppendTx(ctx, tx, e); err != nil {
		return nil, fmt.Errorf("append activity event: %w", err)
	}
	return e, nil
}

// ReadFrom returns up to limit committed events with seq > sinceSeq, in seq
// order. Safe to call concurrently with appends.
func (l *Log) ReadFrom(ctx context.Context, contractID uuid.UUID, sinceSeq int64, limit int) ([]*models.ActivityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return l.repo.ListFrom(ctx, contractID, sinceSeq, limit)
}
