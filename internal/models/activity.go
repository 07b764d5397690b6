package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Activity event kinds, one per state change the engine can make.
const (
	EventContractCreated      = "ContractCreated"
	EventContractCompleted    = "ContractCompleted"
	EventContractCancelled    = "ContractCancelled"
	EventMilestonesReplaced   = "MilestonesReplaced"
	EventMilestoneFunded      = "MilestoneFunded"
	EventDeliverableSubmitted = "DeliverableSubmitted"
	EventChangesRequested     = "ChangesRequested"
	EventMilestoneReleased    = "MilestoneReleased"
	EventMilestoneCancelled   = "MilestoneCancelled"
	EventEscrowRefunded       = "EscrowRefunded"
	EventPayoutQueued         = "PayoutQueued"
	EventPayoutSettled        = "PayoutSettled"
	EventPayoutFailed         = "PayoutFailed"
	EventInvoiceGenerated     = "InvoiceGenerated"
)

// ActivityEvent is one append-only audit record. Seq is assigned per contract
// and strictly increasing; Payload is a snapshot of the entity after the
// change.
type ActivityEvent struct {
	ContractID uuid.UUID       `json:"contract_id"`
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}
