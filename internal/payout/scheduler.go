// Package payout batches released funds into transfers on the external
// payment rail. Payouts never mix funds across freelancers, every rail call
// carries an idempotency token, and a payout that exhausts its retries is
// surfaced as Failed, never dropped.
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairlance/backend/internal/invoice"
	"github.com/fairlance/backend/internal/models"
)

var (
	// ErrRailTransfer marks a failed rail call; the job layer retries it
	// with backoff up to the configured bound.
	ErrRailTransfer = errors.New("payment rail transfer failed")

	// ErrAlreadyQueued is returned when a release record is already part of
	// a payout.
	ErrAlreadyQueued = errors.New("release already assigned to a payout")

	// ErrPayoutTerminal is returned when processing is requested for a
	// payout already marked Failed. Failed payouts need operator action.
	ErrPayoutTerminal = errors.New("payout is in a terminal failed state")
)

// Cadence selects when released funds become payouts.
type Cadence string

const (
	// CadenceImmediate creates or extends a payout inside the release
	// transaction and schedules processing right away.
	CadenceImmediate Cadence = "immediate"
	// CadencePeriodic leaves releases unassigned; the periodic sweep groups
	// them per freelancer.
	CadencePeriodic Cadence = "periodic"
)

// Repo is the payout storage interface used by the scheduler.
type Repo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	FindOpenByFreelancerTx(ctx context.Context, tx pgx.Tx, freelancerID uuid.UUID) (*models.Payout, error)
	AddToGrossTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
	SetAmounts(ctx context.Context, id uuid.UUID, gross, fee, net int64) error
	SetRailTxIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, railTxID string) error
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)
}

// ReleaseRepo is the release-record interface used by the scheduler.
type ReleaseRepo interface {
	AssignPayoutTx(ctx context.Context, tx pgx.Tx, milestoneID, payoutID uuid.UUID) (bool, error)
	ListByPayout(ctx context.Context, payoutID uuid.UUID) ([]*models.ReleaseRecord, error)
	ListUnassigned(ctx context.Context) ([]*models.ReleaseRecord, error)
}

// Invoicer emits the per-milestone invoice when a payout settles.
type Invoicer interface {
	GenerateForMilestone(ctx context.Context, tx pgx.Tx, contractID, milestoneID uuid.UUID, gross int64) (*models.Invoice, error)
}

// ActivityLog appends audit events for payout state changes.
type ActivityLog interface {
	Append(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, kind string, payload any) (*models.ActivityEvent, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InsertProcessPayoutTxFunc enqueues a ProcessPayout job within the given
// transaction. Provided by main as a closure over river.Client.InsertTx.
type InsertProcessPayoutTxFunc func(ctx context.Context, tx pgx.Tx, args ProcessPayoutArgs) error

type Service struct {
	pool             TxBeginner
	payouts          Repo
	releases         ReleaseRepo
	invoices         Invoicer
	log              ActivityLog
	rail             Rail
	fees             invoice.FeeSchedule
	cadence          Cadence
	insertProcessJob InsertProcessPayoutTxFunc
}

func NewService(pool TxBeginner, payouts Repo, releases ReleaseRepo, invoices Invoicer, log ActivityLog, rail Rail, fees invoice.FeeSchedule, cadence Cadence, insertProcessJob InsertProcessPayoutTxFunc) *Service {
	return &Service{
		pool:             pool,
		payouts:          payouts,
		releases:         releases,
		invoices:         invoices,
		log:              log,
		rail:             rail,
		fees:             fees,
		cadence:          cadence,
		insertProcessJob: insertProcessJob,
	}
}

// Enqueue takes a fresh release record inside the release transaction. With
// immediate cadence it joins the freelancer's open payout (or opens one) and
// schedules processing; with periodic cadence the record stays unassigned
// until the sweep picks it up.
func (s *Service) Enqueue(ctx context.Context, tx pgx.Tx, rec *models.ReleaseRecord) error {
	if s.cadence == CadencePeriodic {
		return nil
	}

	p, err := s.payouts.FindOpenByFreelancerTx(ctx, tx, rec.FreelancerID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		p = &models.Payout{
			ID:           uuid.New(),
			FreelancerID: rec.FreelancerID,
			Gross:        rec.Amount,
			Status:       models.PayoutStatusQueued,
		}
		if err := s.payouts.CreateTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.insertProcessJob(ctx, tx, ProcessPayoutArgs{PayoutID: p.ID}); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := s.payouts.AddToGrossTx(ctx, tx, p.ID, rec.Amount); err != nil {
			return err
		}
		p.Gross += rec.Amount
	}

	assigned, err := s.releases.AssignPayoutTx(ctx, tx, rec.MilestoneID, p.ID)
	if err != nil {
		return err
	}
	if !assigned {
		return fmt.Errorf("%w: milestone %s", ErrAlreadyQueued, rec.MilestoneID)
	}
	_, err = s.log.Append(ctx, tx, rec.ContractID, models.EventPayoutQueued, p)
	return err
}

// Sweep groups all released-but-unpaid records into one payout per freelancer
// and schedules processing for each. Returns the number of payouts created.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	recs, err := s.releases.ListUnassigned(ctx)
	if err != nil {
		return 0, err
	}
	byFreelancer := make(map[uuid.UUID][]*models.ReleaseRecord)
	var order []uuid.UUID
	for _, rec := range recs {
		if _, seen := byFreelancer[rec.FreelancerID]; !seen {
			order = append(order, rec.FreelancerID)
		}
		byFreelancer[rec.FreelancerID] = append(byFreelancer[rec.FreelancerID], rec)
	}

	created := 0
	for _, freelancerID := range order {
		if err := s.sweepFreelancer(ctx, freelancerID, byFreelancer[freelancerID]); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (s *Service) sweepFreelancer(ctx context.Context, freelancerID uuid.UUID, recs []*models.ReleaseRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p := &models.Payout{
		ID:           uuid.New(),
		FreelancerID: freelancerID,
		Status:       models.PayoutStatusQueued,
	}
	if err := s.payouts.CreateTx(ctx, tx, p); err != nil {
		return err
	}
	contracts := make(map[uuid.UUID]bool)
	for _, rec := range recs {
		assigned, err := s.releases.AssignPayoutTx(ctx, tx, rec.MilestoneID, p.ID)
		if err != nil {
			return err
		}
		if !assigned {
			// Another sweep got here first; leave it out of this payout.
			continue
		}
		p.Gross += rec.Amount
		contracts[rec.ContractID] = true
	}
	if p.Gross == 0 {
		return tx.Rollback(ctx)
	}
	if err := s.payouts.AddToGrossTx(ctx, tx, p.ID, p.Gross); err != nil {
		return err
	}
	if err := s.insertProcessJob(ctx, tx, ProcessPayoutArgs{PayoutID: p.ID}); err != nil {
		return err
	}
	for contractID := range contracts {
		if _, err := s.log.Append(ctx, tx, contractID, models.EventPayoutQueued, p); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ProcessPayout drives one payout to Settled. It is idempotent: a payout
// already Settled is a no-op, and the rail call carries the payout id as
// idempotency token, so retries after a crash cannot double-transfer. The
// Processing status is the only concurrency guard around the rail call: no
// contract lock is held here.
func (s *Service) ProcessPayout(ctx context.Context, payoutID uuid.UUID) error {
	p, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return err
	}
	switch p.Status {
	case models.PayoutStatusSettled:
		return nil
	case models.PayoutStatusFailed:
		return fmt.Errorf("%w: payout %s", ErrPayoutTerminal, payoutID)
	case models.PayoutStatusQueued:
		moved, err := s.payouts.UpdateStatus(ctx, payoutID, models.PayoutStatusQueued, models.PayoutStatusProcessing)
		if err != nil {
			return err
		}
		if !moved {
			// Lost the race; re-read and fall through only if another
			// worker crashed mid-processing.
			if p, err = s.payouts.GetByID(ctx, payoutID); err != nil {
				return err
			}
			if p.Status == models.PayoutStatusSettled {
				return nil
			}
			if p.Status == models.PayoutStatusFailed {
				return fmt.Errorf("%w: payout %s", ErrPayoutTerminal, payoutID)
			}
		}
	}

	recs, err := s.releases.ListByPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	var gross int64
	for _, rec := range recs {
		gross += rec.Amount
	}
	fee := s.fees(gross)
	net := gross - fee
	if err := s.payouts.SetAmounts(ctx, payoutID, gross, fee, net); err != nil {
		return err
	}

	result, err := s.rail.Transfer(ctx, TransferRequest{
		IdempotencyKey: payoutID.String(),
		FreelancerID:   p.FreelancerID,
		Amount:         net,
	})
	if err != nil {
		if _, rerr := s.payouts.IncrementRetry(ctx, payoutID); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: %v", ErrRailTransfer, err)
	}

	return s.settle(ctx, payoutID, result.RailTxID, gross, fee, net, recs)
}

func (s *Service) settle(ctx context.Context, payoutID uuid.UUID, railTxID string, gross, fee, net int64, recs []*models.ReleaseRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	moved, err := s.payouts.UpdateStatusTx(ctx, tx, payoutID, models.PayoutStatusProcessing, models.PayoutStatusSettled)
	if err != nil {
		return err
	}
	if !moved {
		// Already settled by a concurrent worker.
		return nil
	}
	if err := s.payouts.SetRailTxIDTx(ctx, tx, payoutID, railTxID); err != nil {
		return err
	}
	contracts := make(map[uuid.UUID]bool)
	for _, rec := range recs {
		if _, err := s.invoices.GenerateForMilestone(ctx, tx, rec.ContractID, rec.MilestoneID, rec.Amount); err != nil {
			if errors.Is(err, invoice.ErrInvoiceExists) {
				continue
			}
			return err
		}
		contracts[rec.ContractID] = true
	}
	settled := &models.Payout{
		ID: payoutID, Gross: gross, Fee: fee, Net: net,
		Status: models.PayoutStatusSettled, RailTxID: &railTxID,
	}
	for contractID := range contracts {
		if _, err := s.log.Append(ctx, tx, contractID, models.EventPayoutSettled, settled); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// MarkFailed makes retry exhaustion visible: the payout moves to Failed and
// each affected contract gets exactly one PayoutFailed event. The conditional
// status update makes repeated calls no-ops.
func (s *Service) MarkFailed(ctx context.Context, payoutID uuid.UUID, cause string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	moved, err := s.payouts.UpdateStatusTx(ctx, tx, payoutID, models.PayoutStatusProcessing, models.PayoutStatusFailed)
	if err != nil {
		return err
	}
	if !moved {
		if moved, err = s.payouts.UpdateStatusTx(ctx, tx, payoutID, models.PayoutStatusQueued, models.PayoutStatusFailed); err != nil {
			return err
		}
	}
	if !moved {
		// Already terminal.
		return nil
	}
	recs, err := s.releases.ListByPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	contracts := make(map[uuid.UUID]bool)
	for _, rec := range recs {
		contracts[rec.ContractID] = true
	}
	payload := map[string]any{"payout_id": payoutID, "cause": cause}
	for contractID := range contracts {
		if _, err := s.log.Append(ctx, tx, contractID, models.EventPayoutFailed, payload); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetPayout returns the payout together with its source milestone ids.
func (s *Service) GetPayout(ctx context.Context, payoutID uuid.UUID) (*models.Payout, []uuid.UUID, error) {
	p, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, nil, err
	}
	recs, err := s.releases.ListByPayout(ctx, payoutID)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]uuid.UUID, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.MilestoneID)
	}
	return p, ids, nil
}
