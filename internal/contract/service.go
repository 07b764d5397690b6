// Package contract is the aggregate root of the engine: it creates contracts
// from accepted proposals, drives milestones through the approval state
// machine, and enforces the cross-milestone invariants. All mutations on one
// contract run inside its exclusive section.
package contract

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairlance/backend/internal/models"
)

// ContractRepo is the contract storage interface used by the service.
type ContractRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Contract) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
}

// MilestoneRepo is the milestone storage interface used by the service.
type MilestoneRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, m *models.Milestone) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Milestone, error)
	ListByContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Milestone, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
	SetArtifactTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, artifactRef string) error
	SetChangeNoteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, note string) error
	DeleteByContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error
}

// Ledger is the escrow interface the service moves money through.
type Ledger interface {
	CreateAccount(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error
	GetAccountTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error)
	Lock(ctx context.Context, tx pgx.Tx, contractID, milestoneID uuid.UUID, amount int64, captureRef string) error
	Release(ctx context.Context, tx pgx.Tx, contractID, milestoneID, freelancerID uuid.UUID, amount int64) (*models.ReleaseRecord, error)
	RefundAll(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int64, error)
}

// ActivityLog appends audit events inside the mutation's transaction.
type ActivityLog interface {
	Append(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, kind string, payload any) (*models.ActivityEvent, error)
}

// PayoutEnqueuer hands a fresh release record to the payout scheduler, inside
// the release transaction.
type PayoutEnqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, rec *models.ReleaseRecord) error
}

// CompletionInvoicer emits the contract-completion invoice.
type CompletionInvoicer interface {
	GenerateForContract(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, totalReleased int64) (*models.Invoice, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Snapshot is a consistent point-in-time view of one contract.
type Snapshot struct {
	Contract   *models.Contract      `json:"contract"`
	Milestones []*models.Milestone   `json:"milestones"`
	Escrow     *models.EscrowAccount `json:"escrow"`
}

type Service struct {
	pool       TxBeginner
	contracts  ContractRepo
	milestones MilestoneRepo
	ledger     Ledger
	payouts    PayoutEnqueuer
	invoices   CompletionInvoicer
	log        ActivityLog
	locks      *keyedLocks
}

func NewService(pool TxBeginner, contracts ContractRepo, milestones MilestoneRepo, ledger Ledger, payouts PayoutEnqueuer, invoices CompletionInvoicer, log ActivityLog) *Service {
	return &Service{
		pool:       pool,
		contracts:  contracts,
		milestones: milestones,
		ledger:     ledger,
		payouts:    payouts,
		invoices:   invoices,
		log:        log,
		locks:      newKeyedLocks(),
	}
}

// CreateContract turns an accepted proposal into a contract with its
// milestones (all Upcoming) and a zeroed escrow account.
func (s *Service) CreateContract(ctx context.Context, p models.AcceptedProposal) (*Snapshot, error) {
	if len(p.Milestones) == 0 {
		return nil, fmt.Errorf("%w: proposal has no milestones", models.ErrValidation)
	}
	var sum int64
	for _, spec := range p.Milestones {
		if spec.Amount <= 0 {
			return nil, fmt.Errorf("%w: milestone amount must be > 0", models.ErrValidation)
		}
		sum += spec.Amount
	}
	if sum != p.AgreedAmount {
		return nil, fmt.Errorf("%w: milestone amounts sum to %d, agreed amount is %d", models.ErrValidation, sum, p.AgreedAmount)
	}

	c := &models.Contract{
		ID:           uuid.New(),
		ClientID:     p.ClientID,
		FreelancerID: p.FreelancerID,
		TotalAmount:  p.AgreedAmount,
		Status:       models.ContractStatusActive,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.contracts.CreateTx(ctx, tx, c); err != nil {
		return nil, err
	}
	milestones := make([]*models.Milestone, 0, len(p.Milestones))
	for i, spec := range p.Milestones {
		m := &models.Milestone{
			ID:         uuid.New(),
			ContractID: c.ID,
			Position:   i,
			Amount:     spec.Amount,
			Deadline:   spec.Deadline,
			Status:     models.MilestoneStatusUpcoming,
		}
		if err := s.milestones.CreateTx(ctx, tx, m); err != nil {
			return nil, err
		}
		milestones = append(milestones, m)
	}
	if err := s.ledger.CreateAccount(ctx, tx, c.ID); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, tx, c.ID, models.EventContractCreated, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Snapshot{Contract: c, Milestones: milestones, Escrow: &models.EscrowAccount{ContractID: c.ID}}, nil
}

// GetContractSnapshot reads contract, milestones, and escrow balances in one
// repeatable-read transaction, so a milestone mid-transition is never visible.
func (s *Service) GetContractSnapshot(ctx context.Context, contractID uuid.UUID) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	milestones, err := s.milestones.ListByContractTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	account, err := s.ledger.GetAccountTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Contract: c, Milestones: milestones, Escrow: account}, nil
}

// ReplaceMilestones swaps the milestone plan before any funding has happened.
// Forbidden once any milestone has left Upcoming.
func (s *Service) ReplaceMilestones(ctx context.Context, contractID uuid.UUID, specs []models.MilestoneSpec) (*Snapshot, error) {
	unlock := s.locks.acquire(contractID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdateTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ContractStatusActive {
		return nil, fmt.Errorf("%w: contract is %s", models.ErrInvalidTransition, c.Status)
	}
	existing, err := s.milestones.ListByContractTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	for _, m := range existing {
		if m.Status != models.MilestoneStatusUpcoming {
			return nil, fmt.Errorf("%w: milestone %s is %s, plan is frozen after funding", models.ErrInvalidTransition, m.ID, m.Status)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: contract needs at least one milestone", models.ErrValidation)
	}
	var sum int64
	for _, spec := range specs {
		if spec.Amount <= 0 {
			return nil, fmt.Errorf("%w: milestone amount must be > 0", models.ErrValidation)
		}
		sum += spec.Amount
	}
	if sum != c.TotalAmount {
		return nil, fmt.Errorf("%w: milestone amounts sum to %d, contract total is %d", models.ErrValidation, sum, c.TotalAmount)
	}

	if err := s.milestones.DeleteByContractTx(ctx, tx, contractID); err != nil {
		return nil, err
	}
	replaced := make([]*models.Milestone, 0, len(specs))
	for i, spec := range specs {
		m := &models.Milestone{
			ID:         uuid.New(),
			ContractID: contractID,
			Position:   i,
			Amount:     spec.Amount,
			Deadline:   spec.Deadline,
			Status:     models.MilestoneStatusUpcoming,
		}
		if err := s.milestones.CreateTx(ctx, tx, m); err != nil {
			return nil, err
		}
		replaced = append(replaced, m)
	}
	if _, err := s.log.Append(ctx, tx, contractID, models.EventMilestonesReplaced, replaced); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Snapshot{Contract: c, Milestones: replaced, Escrow: &models.EscrowAccount{ContractID: contractID}}, nil
}

// FundMilestone locks a captured amount into escrow and moves the milestone
// from Upcoming to Funded. The amount must match the milestone exactly.
func (s *Service) FundMilestone(ctx context.Context, milestoneID uuid.UUID, amount int64, captureRef string) (*models.Milestone, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.acquire(m.ContractID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !canTransition(m.Status, models.MilestoneStatusFunded) {
		return nil, fmt.Errorf("%w: cannot fund milestone in status %s", models.ErrInvalidTransition, m.Status)
	}
	if amount != m.Amount {
		return nil, fmt.Errorf("%w: funding amount %d does not match milestone amount %d", models.ErrValidation, amount, m.Amount)
	}
	c, err := s.contracts.GetForUpdateTx(ctx, tx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ContractStatusActive {
		return nil, fmt.Errorf("%w: contract is %s", models.ErrInvalidTransition, c.Status)
	}

	if err := s.ledger.Lock(ctx, tx, c.ID, m.ID, amount, captureRef); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, m, models.MilestoneStatusFunded); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, tx, c.ID, models.EventMilestoneFunded, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// SubmitDeliverable records the artifact and moves the milestone to
// Submitted. Valid from Funded and from RequestedChanges (the resubmit loop).
func (s *Service) SubmitDeliverable(ctx context.Context, milestoneID uuid.UUID, artifactRef string) (*models.Milestone, error) {
	if artifactRef == "" {
		return nil, fmt.Errorf("%w: artifact_ref is required", models.ErrValidation)
	}
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.acquire(m.ContractID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !canTransition(m.Status, models.MilestoneStatusSubmitted) {
		return nil, fmt.Errorf("%w: cannot submit deliverable in status %s", models.ErrInvalidTransition, m.Status)
	}
	if err := s.milestones.SetArtifactTx(ctx, tx, m.ID, artifactRef); err != nil {
		return nil, err
	}
	m.ArtifactRef = &artifactRef
	if err := s.transition(ctx, tx, m, models.MilestoneStatusSubmitted); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, tx, m.ContractID, models.EventDeliverableSubmitted, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// RequestChanges sends a submitted deliverable back to the freelancer with a
// note. This is the single permitted backward edge in the state machine.
func (s *Service) RequestChanges(ctx context.Context, milestoneID uuid.UUID, note string) (*models.Milestone, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.acquire(m.ContractID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !canTransition(m.Status, models.MilestoneStatusRequestedChanges) {
		return nil, fmt.Errorf("%w: cannot request changes in status %s", models.ErrInvalidTransition, m.Status)
	}
	if err := s.milestones.SetChangeNoteTx(ctx, tx, m.ID, note); err != nil {
		return nil, err
	}
	m.ChangeNote = &note
	if err := s.transition(ctx, tx, m, models.MilestoneStatusRequestedChanges); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, tx, m.ContractID, models.EventChangesRequested, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ApproveMilestone approves a submitted deliverable and releases its funds.
// Approval and release commit as one unit: any failure past this point rolls
// the whole transaction back and the milestone stays Submitted, so there is
// no approved-but-unpaid state.
func (s *Service) ApproveMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.Milestone, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.acquire(m.ContractID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !canTransition(m.Status, models.MilestoneStatusApproved) {
		return nil, fmt.Errorf("%w: cannot approve milestone in status %s", models.ErrInvalidTransition, m.Status)
	}
	c, err := s.contracts.GetForUpdateTx(ctx, tx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ContractStatusActive {
		return nil, fmt.Errorf("%w: contract is %s", models.ErrInvalidTransition, c.Status)
	}

	// Approved is passed through inside this transaction only; the committed
	// row goes straight to Released.
	if err := s.transition(ctx, tx, m, models.MilestoneStatusReleased); err != nil {
		return nil, err
	}
	rec, err := s.ledger.Release(ctx, tx, c.ID, m.ID, c.FreelancerID, m.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.payouts.Enqueue(ctx, tx, rec); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, tx, c.ID, models.EventMilestoneReleased, m); err != nil {
		return nil, err
	}
	if err := s.maybeComplete(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// CancelContract cancels a contract on which no work has been submitted yet,
// refunding all locked funds. Anything Submitted or later must resolve
// through the dispute path instead.
func (s *Service) CancelContract(ctx context.Context, contractID uuid.UUID, reason string) (*Snapshot, error) {
	unlock := s.locks.acquire(contractID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdateTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ContractStatusActive {
		return nil, fmt.Errorf("%w: contract is %s", models.ErrInvalidTransition, c.Status)
	}
	milestones, err := s.milestones.ListByContractTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		switch m.Status {
		case models.MilestoneStatusUpcoming, models.MilestoneStatusFunded, models.MilestoneStatusCancelled:
		default:
			return nil, fmt.Errorf("%w: milestone %s is %s, in-flight work must resolve before cancellation", models.ErrInvalidTransition, m.ID, m.Status)
		}
	}

	for _, m := range milestones {
		if m.Status == models.MilestoneStatusCancelled {
			continue
		}
		if err := s.transition(ctx, tx, m, models.MilestoneStatusCancelled); err != nil {
			return nil, err
		}
		if _, err := s.log.Append(ctx, tx, contractID, models.EventMilestoneCancelled, m); err != nil {
			return nil, err
		}
	}
	refunded, err := s.ledger.RefundAll(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if refunded > 0 {
		payload := map[string]any{"contract_id": contractID, "amount": refunded}
		if _, err := s.log.Append(ctx, tx, contractID, models.EventEscrowRefunded, payload); err != nil {
			return nil, err
		}
	}
	changed, err := s.contracts.UpdateStatusTx(ctx, tx, contractID, models.ContractStatusActive, models.ContractStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: contract is no longer active", models.ErrInvalidTransition)
	}
	c.Status = models.ContractStatusCancelled
	payload := map[string]any{"contract_id": contractID, "reason": reason}
	if _, err := s.log.Append(ctx, tx, contractID, models.EventContractCancelled, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Snapshot{Contract: c, Milestones: milestones}, nil
}

// transition applies a validated status change. A zero row count means the
// row changed under us despite the exclusive section; treat it as a lost race.
func (s *Service) transition(ctx context.Context, tx pgx.Tx, m *models.Milestone, to string) error {
	changed, err := s.milestones.UpdateStatusTx(ctx, tx, m.ID, m.Status, to)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: milestone %s is no longer %s", models.ErrInvalidTransition, m.ID, m.Status)
	}
	m.Status = to
	return nil
}

// maybeComplete finishes the contract once every milestone is terminal and at
// least one released, emitting the completion event and invoice.
func (s *Service) maybeComplete(ctx context.Context, tx pgx.Tx, c *models.Contract) error {
	milestones, err := s.milestones.ListByContractTx(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	var released int64
	for _, m := range milestones {
		if !m.Terminal() {
			return nil
		}
		if m.Status == models.MilestoneStatusReleased {
			released += m.Amount
		}
	}
	if released == 0 {
		return nil
	}
	changed, err := s.contracts.UpdateStatusTx(ctx, tx, c.ID, models.ContractStatusActive, models.ContractStatusCompleted)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	c.Status = models.ContractStatusCompleted
	if _, err := s.invoices.GenerateForContract(ctx, tx, c.ID, released); err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, tx, c.ID, models.EventContractCompleted, c); err != nil {
		return err
	}
	return nil
}
