package models

import (
	"time"

	"github.com/google/uuid"
)

// Payout status values.
const (
	PayoutStatusQueued     = "queued"
	PayoutStatusProcessing = "processing"
	PayoutStatusSettled    = "settled"
	PayoutStatusFailed     = "failed"
)

// Payout aggregates released funds for one freelancer into a single transfer
// on the external payment rail. Fee and net are computed when processing
// starts; RailTxID is set once the rail accepts the transfer.
type Payout struct {
	ID           uuid.UUID `json:"id"`
	FreelancerID uuid.UUID `json:"freelancer_id"`
	Gross        int64     `json:"gross"`
	Fee          int64     `json:"fee"`
	Net          int64     `json:"net"`
	Status       string    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	RailTxID     *string   `json:"rail_tx_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
