package payout

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// ProcessPayoutArgs schedules processing of one payout.
type ProcessPayoutArgs struct {
	PayoutID uuid.UUID `json:"payout_id"`
}

func (ProcessPayoutArgs) Kind() string { return "process_payout" }

// ProcessPayoutWorker drives a payout through the rail call. River retries
// failed attempts with exponential backoff; once attempts are exhausted the
// payout is marked Failed and the job cancelled so it is never retried again.
type ProcessPayoutWorker struct {
	river.WorkerDefaults[ProcessPayoutArgs]
	svc    *Service
	logger *slog.Logger
}

func NewProcessPayoutWorker(svc *Service, logger *slog.Logger) *ProcessPayoutWorker {
	return &ProcessPayoutWorker{svc: svc, logger: logger}
}

func (w *ProcessPayoutWorker) Work(ctx context.Context, job *river.Job[ProcessPayoutArgs]) error {
	err := w.svc.ProcessPayout(ctx, job.Args.PayoutID)
	if err == nil {
		return nil
	}
	if job.Attempt >= job.MaxAttempts {
		w.logger.Error("payout retries exhausted, marking failed",
			"payout_id", job.Args.PayoutID, "attempt", job.Attempt, "error", err)
		if ferr := w.svc.MarkFailed(ctx, job.Args.PayoutID, err.Error()); ferr != nil {
			return ferr
		}
		return river.JobCancel(err)
	}
	w.logger.Warn("payout attempt failed, will retry",
		"payout_id", job.Args.PayoutID, "attempt", job.Attempt, "error", err)
	return err
}

// SweepPayoutsArgs triggers one pass of the periodic payout sweep.
type SweepPayoutsArgs struct{}

func (SweepPayoutsArgs) Kind() string { return "sweep_payouts" }

type SweepPayoutsWorker struct {
	river.WorkerDefaults[SweepPayoutsArgs]
	svc    *Service
	logger *slog.Logger
}

func NewSweepPayoutsWorker(svc *Service, logger *slog.Logger) *SweepPayoutsWorker {
	return &SweepPayoutsWorker{svc: svc, logger: logger}
}

func (w *SweepPayoutsWorker) Work(ctx context.Context, job *river.Job[SweepPayoutsArgs]) error {
	created, err := w.svc.Sweep(ctx)
	if err != nil {
		return err
	}
	if created > 0 {
		w.logger.Info("payout sweep complete", "payouts_created", created)
	}
	return nil
}
