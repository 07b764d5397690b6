package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow entry types, one per kind of balance move. The entries table is the
// append-only trail behind the per-contract account totals.
const (
	EscrowEntryLock    = "escrow_lock"
	EscrowEntryRelease = "escrow_release"
	EscrowEntryRefund  = "escrow_refund"
)

// EscrowAccount holds custody totals for one contract. Mutated exclusively by
// the escrow ledger; lockedTotal + releasedTotal + refundedTotal always equals
// the sum of every amount ever locked.
type EscrowAccount struct {
	ContractID    uuid.UUID `json:"contract_id"`
	LockedTotal   int64     `json:"locked_total"`
	ReleasedTotal int64     `json:"released_total"`
	RefundedTotal int64     `json:"refunded_total"`
}

type EscrowEntry struct {
	ID          uuid.UUID  `json:"id"`
	ContractID  uuid.UUID  `json:"contract_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	EntryType   string     `json:"entry_type"`
	Amount      int64      `json:"amount"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReleaseRecord marks one milestone's funds as released and tracks which
// payout carries them. PayoutID is nil while released-but-unpaid. The record
// is keyed by milestone id, which is what makes release at-most-once.
type ReleaseRecord struct {
	MilestoneID  uuid.UUID  `json:"milestone_id"`
	ContractID   uuid.UUID  `json:"contract_id"`
	FreelancerID uuid.UUID  `json:"freelancer_id"`
	Amount       int64      `json:"amount"`
	PayoutID     *uuid.UUID `json:"payout_id,omitempty"`
	ReleasedAt   time.Time  `json:"released_at"`
}
