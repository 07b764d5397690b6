// Package invoice produces write-once billing documents. An invoice is a
// deterministic function of its trigger's final state; regeneration is
// forbidden, and corrections are issued as new compensating invoices.
package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairlance/backend/internal/models"
	"github.com/fairlance/backend/internal/repository"
)

// ErrInvoiceExists is returned when an invoice for the trigger already exists.
var ErrInvoiceExists = fmt.Errorf("%w: invoice already exists", models.ErrValidation)

// FeeSchedule computes the platform fee for a gross amount. The schedule
// itself is external configuration; main wires one in from the environment.
type FeeSchedule func(gross int64) int64

// FlatBps returns a schedule charging a flat rate in basis points.
func FlatBps(bps int64) FeeSchedule {
	return func(gross int64) int64 {
		return gross * bps / 10000
	}
}

// Repo is the minimal storage interface for invoices. CreateTx must fail with
// repository.ErrDuplicateKey when the trigger_ref is taken.
type Repo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, inv *models.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
}

type Generator struct {
	repo Repo
	fees FeeSchedule
}

func NewGenerator(repo Repo, fees FeeSchedule) *Generator {
	return &Generator{repo: repo, fees: fees}
}

// GenerateForMilestone emits the invoice for one released milestone, with the
// fee schedule applied to its amount. Trigger ref "milestone:<id>".
func (g *Generator) GenerateForMilestone(ctx context.Context, tx pgx.Tx, contractID, milestoneID uuid.UUID, gross int64) (*models.Invoice, error) {
	fee := g.fees(gross)
	return g.create(ctx, tx, &models.Invoice{
		ID:          uuid.New(),
		TriggerRef:  "milestone:" + milestoneID.String(),
		ContractID:  contractID,
		MilestoneID: &milestoneID,
		Gross:       gross,
		Fee:         fee,
		Net:         gross - fee,
	})
}

// GenerateForContract emits the contract-completion invoice summarizing the
// total released amount. Trigger ref "contract:<id>".
func (g *Generator) GenerateForContract(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, totalReleased int64) (*models.Invoice, error) {
	fee := g.fees(totalReleased)
	return g.create(ctx, tx, &models.Invoice{
		ID:         uuid.New(),
		TriggerRef: "contract:" + contractID.String(),
		ContractID: contractID,
		Gross:      totalReleased,
		Fee:        fee,
		Net:        totalReleased - fee,
	})
}

func (g *Generator) create(ctx context.Context, tx pgx.Tx, inv *models.Invoice) (*models.Invoice, error) {
	if err := g.repo.CreateTx(ctx, tx, inv); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w (%s)", ErrInvoiceExists, inv.TriggerRef)
		}
		return nil, err
	}
	return inv, nil
}

// Get returns an invoice by id.
func (g *Generator) Get(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return g.repo.GetByID(ctx, id)
}
