package models

import (
	"time"

	"github.com/google/uuid"
)

// Invoice is a write-once billing document. TriggerRef is "milestone:<id>" or
// "contract:<id>" and is unique: generating twice for the same trigger fails.
// Corrections are issued as new compensating invoices, never edits.
type Invoice struct {
	ID          uuid.UUID  `json:"id"`
	TriggerRef  string     `json:"trigger_ref"`
	ContractID  uuid.UUID  `json:"contract_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	Gross       int64      `json:"gross"`
	Fee         int64      `json:"fee"`
	Net         int64      `json:"net"`
	CreatedAt   time.Time  `json:"created_at"`
}
