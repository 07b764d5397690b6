package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Contract status values.
const (
	ContractStatusActive    = "active"
	ContractStatusCompleted = "completed"
	ContractStatusCancelled = "cancelled"
	ContractStatusDisputed  = "disputed"
)

// Shared error sentinels for the rejection taxonomy. Services wrap these with
// fmt.Errorf("%w: ...") so handlers can match with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
)

type Contract struct {
	ID           uuid.UUID `json:"id"`
	ClientID     uuid.UUID `json:"client_id"`
	FreelancerID uuid.UUID `json:"freelancer_id"`
	TotalAmount  int64     `json:"total_amount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MilestoneSpec is the per-milestone portion of an accepted proposal.
type MilestoneSpec struct {
	Amount   int64      `json:"amount"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// AcceptedProposal is the event contract with the proposal collaborator.
// A contract is only ever created from one of these; proposal negotiation
// itself happens upstream.
type AcceptedProposal struct {
	ProposalID   uuid.UUID       `json:"proposal_id"`
	ClientID     uuid.UUID       `json:"client_id"`
	FreelancerID uuid.UUID       `json:"freelancer_id"`
	AgreedAmount int64           `json:"agreed_amount"`
	Milestones   []MilestoneSpec `json:"milestones"`
}
