package models

import (
	"time"

	"github.com/google/uuid"
)

// Milestone status values. Approved is transient: it only exists inside the
// approve transaction and is never visible in a committed row.
const (
	MilestoneStatusUpcoming         = "upcoming"
	MilestoneStatusFunded           = "funded"
	MilestoneStatusSubmitted        = "submitted"
	MilestoneStatusRequestedChanges = "requested_changes"
	MilestoneStatusApproved         = "approved"
	MilestoneStatusReleased         = "released"
	MilestoneStatusCancelled        = "cancelled"
)

type Milestone struct {
	ID          uuid.UUID  `json:"id"`
	ContractID  uuid.UUID  `json:"contract_id"`
	Position    int        `json:"position"`
	Amount      int64      `json:"amount"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Status      string     `json:"status"`
	ArtifactRef *string    `json:"artifact_ref,omitempty"`
	ChangeNote  *string    `json:"change_note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the milestone can never transition again.
func (m *Milestone) Terminal() bool {
	return m.Status == MilestoneStatusReleased || m.Status == MilestoneStatusCancelled
}

// HoldsFunds reports whether the milestone's amount is currently part of the
// escrow account's locked balance.
func (m *Milestone) HoldsFunds() bool {
	switch m.Status {
	case MilestoneStatusFunded, MilestoneStatusSubmitted, MilestoneStatusRequestedChanges:
		return true
	}
	return false
}
