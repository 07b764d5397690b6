// Package escrow is the only component allowed to move funds between locked,
// released, and refunded custody. Every mutation is transactional and leaves
// an append-only trail entry behind.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairlance/backend/internal/models"
	"github.com/fairlance/backend/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when a lock is requested without a
	// confirmed upstream capture, or a release exceeds the locked balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyReleased is returned on a second release attempt for the
	// same milestone. The first release stands; the duplicate has no effect.
	ErrAlreadyReleased = errors.New("milestone already released")
)

// AccountRepo is the minimal account interface the ledger mutates through.
type AccountRepo interface {
	CreateAccountTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error
	GetAccount(ctx context.Context, contractID uuid.UUID) (*models.EscrowAccount, error)
	GetAccountTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error)
	AddLockedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, amount int64) error
	MoveLockedToReleasedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, amount int64) (bool, error)
	MoveLockedToRefundedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int64, error)
	InsertEntryTx(ctx context.Context, tx pgx.Tx, e *models.EscrowEntry) error
}

// ReleaseRepo records per-milestone releases. Inserting twice for the same
// milestone must fail with repository.ErrDuplicateKey.
type ReleaseRepo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, rec *models.ReleaseRecord) error
}

// Ledger owns all EscrowAccount mutation. Callers provide the transaction;
// the ledger never commits or rolls back itself, so a failed release unwinds
// together with whatever state change triggered it.
type Ledger struct {
	accounts AccountRepo
	releases ReleaseRepo
}

func NewLedger(accounts AccountRepo, releases ReleaseRepo) *Ledger {
	return &Ledger{accounts: accounts, releases: releases}
}

// CreateAccount opens the zeroed escrow account for a new contract.
func (l *Ledger) CreateAccount(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error {
	return l.accounts.CreateAccountTx(ctx, tx, contractID)
}

// GetAccount returns the current custody totals.
func (l *Ledger) GetAccount(ctx context.Context, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return l.accounts.GetAccount(ctx, contractID)
}

// GetAccountTx reads the custody totals inside the caller's transaction.
func (l *Ledger) GetAccountTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return l.accounts.GetAccountTx(ctx, tx, contractID)
}

// Lock takes custody of a captured amount. The ledger trusts that the
// external capture already happened; captureRef is the proof of it, and a
// lock without one is rejected.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, contractID, milestoneID uuid.UUID, amount int64, captureRef string) error {
	if captureRef == "" {
		return fmt.Errorf("%w: no capture confirmation for milestone %s", ErrInsufficientFunds, milestoneID)
	}
	if err := l.accounts.AddLockedTx(ctx, tx, contractID, amount); err != nil {
		return err
	}
	return l.accounts.InsertEntryTx(ctx, tx, &models.EscrowEntry{
		ID:          uuid.New(),
		ContractID:  contractID,
		MilestoneID: &milestoneID,
		EntryType:   models.EscrowEntryLock,
		Amount:      amount,
	})
}

// Release irreversibly moves a milestone's funds from locked to released
// custody and returns the release record the payout scheduler consumes.
// At most once per milestone: the record insert is keyed by milestone id, so
// a second attempt fails with ErrAlreadyReleased and changes nothing.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, contractID, milestoneID, freelancerID uuid.UUID, amount int64) (*models.ReleaseRecord, error) {
	rec := &models.ReleaseRecord{
		MilestoneID:  milestoneID,
		ContractID:   contractID,
		FreelancerID: freelancerID,
		Amount:       amount,
	}
	if err := l.releases.InsertTx(ctx, tx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: milestone %s", ErrAlreadyReleased, milestoneID)
		}
		return nil, err
	}
	moved, err := l.accounts.MoveLockedToReleasedTx(ctx, tx, contractID, amount)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: locked balance below %d for contract %s", ErrInsufficientFunds, amount, contractID)
	}
	if err := l.accounts.InsertEntryTx(ctx, tx, &models.EscrowEntry{
		ID:          uuid.New(),
		ContractID:  contractID,
		MilestoneID: &milestoneID,
		EntryType:   models.EscrowEntryRelease,
		Amount:      amount,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// RefundAll moves the entire remaining locked balance to refunded custody and
// returns the amount moved. Used by contract cancellation.
func (l *Ledger) RefundAll(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int64, error) {
	moved, err := l.accounts.MoveLockedToRefundedTx(ctx, tx, contractID)
	if err != nil {
		return 0, err
	}
	if moved == 0 {
		return 0, nil
	}
	if err := l.accounts.InsertEntryTx(ctx, tx, &models.EscrowEntry{
		ID:         uuid.New(),
		ContractID: contractID,
		EntryType:  models.EscrowEntryRefund,
		Amount:     moved,
	}); err != nil {
		return 0, err
	}
	return moved, nil
}
