package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/royalty/internal/engine"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"go.uber.org/zap"
)

const (
	payoutCloseCreated  = "created"
	payoutCloseExisting = "existing"
	payoutCloseSkipped  = "below_threshold"
	payoutCloseHeld     = "held_after_failure"
	payoutCloseFailed   = "failed"
)

// AllocationSweepJob allocates facts that were ingested without completing
// allocation and accrues allocations whose accrual never landed.
func (s *Scheduler) AllocationSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAllocationSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	factIDs, err := s.allocations.ListPendingFacts(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.facts.fetch.failed", JobAllocationSweep, err)
		return err
	}
	settled := 0
	for _, id := range factIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.engine.SettleFact(ctx, id); err != nil {
			if engine.IsBlocked(err) {
				run.IncDeferred()
				schedMetrics.IncBatchDeferred(JobAllocationSweep, string(royaltyerr.KindOf(err)))
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.fact.settle.failed", JobAllocationSweep, err,
				zap.String("fact_id", id.String()),
			)
			continue
		}
		settled++
	}
	run.AddProcessed(settled)
	schedMetrics.AddBatchProcessed(JobAllocationSweep, "revenue_fact", settled)

	allocations, err := s.fetchUnaccruedAllocations(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.allocations.fetch.failed", JobAllocationSweep, err)
		return errors.Join(jobErr, err)
	}
	accrued := 0
	for _, a := range allocations {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		applied, err := s.payouts.Accrue(ctx, a)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.allocation.accrue.failed", JobAllocationSweep, err,
				zap.String("allocation_id", a.ID.String()),
			)
			continue
		}
		if applied {
			accrued++
		}
	}
	run.AddProcessed(accrued)
	schedMetrics.AddBatchProcessed(JobAllocationSweep, "allocation", accrued)

	return jobErr
}

// ReconcileBlockedJob retries facts whose allocation was blocked by invalid
// agreements. Facts stay blocked until their agreements are corrected.
func (s *Scheduler) ReconcileBlockedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileBlocked, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	factIDs, err := s.allocations.ListBlockedFacts(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.blocked.fetch.failed", JobReconcileBlocked, err)
		return err
	}

	var jobErr error
	released := 0
	for _, id := range factIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.engine.SettleFact(ctx, id); err != nil {
			if engine.IsBlocked(err) {
				run.IncDeferred()
				schedMetrics.IncBatchDeferred(JobReconcileBlocked, string(royaltyerr.KindOf(err)))
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.blocked.settle.failed", JobReconcileBlocked, err,
				zap.String("fact_id", id.String()),
			)
			continue
		}
		released++
		s.logger(ctx).Info("blocked fact allocated", zap.String("fact_id", id.String()))
	}
	run.AddProcessed(released)
	schedMetrics.AddBatchProcessed(JobReconcileBlocked, "revenue_fact", released)
	return jobErr
}

// ClosePayoutsJob closes the current batch of every recipient holding a
// positive balance. Closing is idempotent per batch, so every tick can run it.
// A batch whose payout failed is held until an explicit close or the next
// schedule date.
func (s *Scheduler) ClosePayoutsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobClosePayouts, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	startedAt := s.clock.Now()
	scheduleDate := payoutdomain.ScheduleDateFor(startedAt, s.policies.Get().Payout.Schedule)

	var (
		jobErr error
		after  payoutdomain.AccrualKey
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		accruals, err := s.payouts.ListOpenAccruals(ctx, after, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.accruals.fetch.failed", JobClosePayouts, err)
			return errors.Join(jobErr, err)
		}
		if len(accruals) == 0 {
			break
		}

		closed := 0
		for _, accrual := range accruals {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			outcome, err := s.closeBatch(ctx, accrual, scheduleDate, startedAt)
			schedMetrics.IncPayoutClose(outcome)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.payout.close.failed", JobClosePayouts, err,
					zap.String("recipient_id", accrual.RecipientID),
					zap.String("currency", accrual.Currency),
				)
				continue
			}
			if outcome == payoutCloseCreated {
				closed++
			}
		}
		run.AddProcessed(closed)
		schedMetrics.AddBatchProcessed(JobClosePayouts, "payout", closed)

		last := accruals[len(accruals)-1]
		after = payoutdomain.AccrualKey{RecipientID: last.RecipientID, Currency: last.Currency}
		if len(accruals) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

// closeBatch reports a payout created before since as one closed by an
// earlier run.
func (s *Scheduler) closeBatch(ctx context.Context, accrual payoutdomain.Accrual, scheduleDate, since time.Time) (string, error) {
	payout, err := s.payouts.CloseBatch(ctx, payoutdomain.CloseRequest{
		RecipientID:  accrual.RecipientID,
		Currency:     accrual.Currency,
		ScheduleDate: scheduleDate,
		HoldFailed:   true,
	})
	switch {
	case errors.Is(err, payoutdomain.ErrBatchHeld):
		return payoutCloseHeld, nil
	case err != nil:
		return payoutCloseFailed, err
	case payout == nil:
		return payoutCloseSkipped, nil
	case payout.CreatedAt.Before(since):
		return payoutCloseExisting, nil
	}
	return payoutCloseCreated, nil
}
