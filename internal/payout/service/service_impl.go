package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	"github.com/smallbiznis/royalty/internal/catalog"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	obslogger "github.com/smallbiznis/royalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/smallbiznis/royalty/pkg/lock"
	"github.com/smallbiznis/royalty/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCloseAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       payoutdomain.Repository
	Policies   *config.PolicyHolder
	Locker     lock.Locker                `optional:"true"`
	Directory  catalog.RecipientDirectory `optional:"true"`
	Rates      catalog.RateProvider       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       payoutdomain.Repository
	policies   *config.PolicyHolder
	locker     lock.Locker
	directory  catalog.RecipientDirectory
	rates      catalog.RateProvider
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	locker := p.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		policies:   p.Policies,
		locker:     locker,
		directory:  p.Directory,
		rates:      p.Rates,
		obsMetrics: p.ObsMetrics,
	}
}

// Accrue adds an allocation to its recipient balance once. It reports false
// when the allocation was already accrued.
func (s *Service) Accrue(ctx context.Context, allocation allocationdomain.Allocation) (bool, error) {
	recipientID := strings.TrimSpace(allocation.RecipientID)
	if allocation.ID == 0 || recipientID == "" || allocation.Amount == 0 {
		return false, payoutdomain.ErrInvalidAllocation
	}
	currency, err := money.NormalizeCurrency(allocation.Currency)
	if err != nil {
		return false, err
	}

	policy := s.policies.Get().Payout
	var (
		applied   bool
		cancelled []payoutdomain.Payout
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		inserted, err := s.repo.InsertEntry(ctx, tx, &payoutdomain.AccrualEntry{
			ID:          s.genID.Generate(),
			SourceType:  payoutdomain.EntrySourceAllocation,
			SourceID:    allocation.ID.String(),
			RecipientID: recipientID,
			Currency:    currency,
			Amount:      allocation.Amount,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		applied = true
		if err := s.repo.AddToBalance(ctx, tx, recipientID, currency, allocation.Amount, now); err != nil {
			return err
		}

		if allocation.Amount > 0 || policy.ReversalPolicy != config.ReversalPolicyCancelPending {
			return nil
		}
		pending, err := s.repo.ListPendingPayouts(ctx, tx, recipientID, currency)
		if err != nil {
			return err
		}
		for _, payout := range pending {
			updated, err := s.transitionTx(ctx, tx, payout.ID, []payoutdomain.Status{payoutdomain.StatusPending},
				payoutdomain.StatusCancelled, transitionOptions{reason: "reversal_received"})
			if err != nil {
				return err
			}
			cancelled = append(cancelled, *updated)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	status := "duplicate"
	if applied {
		status = "applied"
	}
	s.obsMetrics.RecordAccrual(ctx, currency, status)
	for _, payout := range cancelled {
		s.obsMetrics.RecordPayoutEvent(ctx, payout.Currency, string(payoutdomain.StatusCancelled))
		obslogger.WithRecipient(s.log, recipientID, currency).Info("pending payout cancelled by reversal",
			zap.String("payout_id", payout.ID.String()),
			zap.String("allocation_id", allocation.ID.String()),
		)
	}
	return applied, nil
}

// CloseBatch turns the accrued balance of a recipient into a payout for the
// schedule date. It returns nil without mutating anything when the payable
// amount is below the currency threshold.
func (s *Service) CloseBatch(ctx context.Context, req payoutdomain.CloseRequest) (*payoutdomain.Payout, error) {
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		return nil, payoutdomain.ErrInvalidRecipient
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.ScheduleDate.IsZero() {
		return nil, payoutdomain.ErrInvalidScheduleDate
	}
	scheduleDate := truncateDay(req.ScheduleDate)

	unlock, err := s.locker.Lock(ctx, "payout:"+recipientID+":"+currency)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := obslogger.WithRecipient(obslogger.WithContext(ctx, s.log), recipientID, currency)
	for attempt := 0; attempt < maxCloseAttempts; attempt++ {
		payout, err := s.closeOnce(ctx, recipientID, currency, scheduleDate, req.HoldFailed)
		if errors.Is(err, payoutdomain.ErrConcurrentClose) {
			log.Debug("accrual moved during close, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		return payout, err
	}
	log.Warn("payout close gave up after concurrent updates", zap.Int("attempts", maxCloseAttempts))
	return nil, payoutdomain.ErrConcurrentClose
}

func (s *Service) closeOnce(ctx context.Context, recipientID, currency string, scheduleDate time.Time, holdFailed bool) (*payoutdomain.Payout, error) {
	latest, err := s.repo.FindLatestForBatch(ctx, s.db, recipientID, currency, scheduleDate)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status.ClaimsBatch() {
		return latest, nil
	}
	if latest != nil && latest.Status == payoutdomain.StatusFailed && holdFailed {
		return nil, payoutdomain.ErrBatchHeld
	}
	attempt := 1
	if latest != nil {
		attempt = latest.Attempt + 1
	}

	accrual, err := s.repo.FindAccrual(ctx, s.db, recipientID, currency)
	if err != nil {
		return nil, err
	}
	if accrual == nil {
		return nil, nil
	}

	policy := s.policies.Get().Payout
	cp := policy.ForCurrency(currency)
	settlement := payoutdomain.ComputeSettlement(accrual.Balance, cp)
	if settlement.Payable <= 0 || settlement.Payable < cp.MinimumAmount {
		s.obsMetrics.RecordPayoutEvent(ctx, currency, "below_threshold")
		return nil, nil
	}

	method, settlementCurrency, settlementAmount, rate, err := s.settle(ctx, recipientID, currency, settlement.Payable, scheduleDate, policy)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	payout := payoutdomain.Payout{
		ID:                 s.genID.Generate(),
		RecipientID:        recipientID,
		Currency:           currency,
		ScheduleDate:       scheduleDate,
		Attempt:            attempt,
		Amount:             settlement.Payable,
		Fee:                settlement.Fee,
		Method:             method,
		Status:             payoutdomain.StatusPending,
		SettlementCurrency: settlementCurrency,
		SettlementAmount:   settlementAmount,
		FXRate:             rate.String(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.CompareAndSetBalance(ctx, tx, *accrual, settlement.Remainder, now)
		if err != nil {
			return err
		}
		if !ok {
			return payoutdomain.ErrConcurrentClose
		}
		inserted, err := s.repo.InsertPayout(ctx, tx, &payout)
		if err != nil {
			return err
		}
		if !inserted {
			return payoutdomain.ErrConcurrentClose
		}
		if _, err := s.repo.InsertEntry(ctx, tx, &payoutdomain.AccrualEntry{
			ID:          s.genID.Generate(),
			SourceType:  payoutdomain.EntrySourcePayout,
			SourceID:    payout.ID.String(),
			RecipientID: recipientID,
			Currency:    currency,
			Amount:      -payout.Gross(),
			PayoutID:    &payout.ID,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return s.repo.LinkEntries(ctx, tx, recipientID, currency, payout.ID)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPayoutEvent(ctx, currency, "closed")
	obslogger.WithRecipient(s.log, recipientID, currency).Info("payout batch closed",
		zap.String("payout_id", payout.ID.String()),
		zap.Time("schedule_date", scheduleDate),
		zap.Int("attempt", attempt),
		zap.Int64("amount", payout.Amount),
		zap.Int64("fee", payout.Fee),
		zap.Int64("remainder", settlement.Remainder),
	)
	return &payout, nil
}

// settle resolves the payout method and converts the payable amount when the
// recipient is paid in another currency.
func (s *Service) settle(ctx context.Context, recipientID, currency string, payable int64, at time.Time, policy config.PayoutPolicy) (string, string, int64, decimal.Decimal, error) {
	method := policy.DefaultMethod
	target := currency
	if s.directory != nil {
		recipient, err := s.directory.Resolve(ctx, recipientID)
		if err != nil {
			return "", "", 0, decimal.Zero, royaltyerr.External("recipient_directory", err)
		}
		if recipient != nil {
			if strings.TrimSpace(recipient.Method) != "" {
				method = recipient.Method
			}
			if strings.TrimSpace(recipient.PayoutCurrency) != "" {
				code, err := money.NormalizeCurrency(recipient.PayoutCurrency)
				if err != nil {
					return "", "", 0, decimal.Zero, royaltyerr.External("recipient_directory", err)
				}
				target = code
			}
		}
	}
	if target == currency {
		return method, currency, payable, decimal.NewFromInt(1), nil
	}

	if s.rates == nil {
		return "", "", 0, decimal.Zero, royaltyerr.External("rate_provider", catalog.ErrRateUnavailable)
	}
	rate, err := s.rates.Rate(ctx, currency, target, at)
	if err != nil {
		return "", "", 0, decimal.Zero, royaltyerr.External("rate_provider", err)
	}
	if !rate.IsPositive() {
		return "", "", 0, decimal.Zero, royaltyerr.External("rate_provider", fmt.Errorf("non-positive rate %s for %s/%s", rate, currency, target))
	}
	scale, err := money.Scale(target)
	if err != nil {
		return "", "", 0, decimal.Zero, err
	}
	converted := money.FromMinor(payable, currency).Mul(rate).Shift(scale).RoundBank(0)
	return method, target, converted.IntPart(), rate, nil
}

func (s *Service) MarkProcessing(ctx context.Context, id snowflake.ID) (*payoutdomain.Payout, error) {
	return s.transition(ctx, id, []payoutdomain.Status{payoutdomain.StatusPending},
		payoutdomain.StatusProcessing, transitionOptions{})
}

func (s *Service) MarkCompleted(ctx context.Context, id snowflake.ID, reference string) (*payoutdomain.Payout, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, payoutdomain.ErrInvalidReference
	}
	return s.transition(ctx, id, []payoutdomain.Status{payoutdomain.StatusProcessing},
		payoutdomain.StatusCompleted, transitionOptions{reference: reference})
}

// MarkFailed ends a processing payout and returns its gross amount to the
// accrual. A pending payout that will not be sent is cancelled instead.
func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*payoutdomain.Payout, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, payoutdomain.ErrInvalidReason
	}
	return s.transition(ctx, id, []payoutdomain.Status{payoutdomain.StatusProcessing},
		payoutdomain.StatusFailed, transitionOptions{reason: reason})
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*payoutdomain.Payout, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, payoutdomain.ErrInvalidReason
	}
	return s.transition(ctx, id, []payoutdomain.Status{payoutdomain.StatusPending},
		payoutdomain.StatusCancelled, transitionOptions{reason: reason})
}

type transitionOptions struct {
	reference string
	reason    string
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, from []payoutdomain.Status, to payoutdomain.Status, opts transitionOptions) (*payoutdomain.Payout, error) {
	var updated *payoutdomain.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.transitionTx(ctx, tx, id, from, to, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPayoutEvent(ctx, updated.Currency, string(to))
	obslogger.WithRecipient(obslogger.WithContext(ctx, s.log), updated.RecipientID, updated.Currency).Info("payout transitioned",
		zap.String("payout_id", updated.ID.String()),
		zap.String("status", string(to)),
	)
	return updated, nil
}

// transitionTx applies a guarded status change. Failing or cancelling a payout
// credits its gross amount back to the accrual in the same transaction.
func (s *Service) transitionTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, from []payoutdomain.Status, to payoutdomain.Status, opts transitionOptions) (*payoutdomain.Payout, error) {
	now := s.clock.Now()
	update := payoutdomain.StatusUpdate{Status: to, UpdatedAt: now}
	if opts.reference != "" {
		update.ReferenceNumber = &opts.reference
	}
	if opts.reason != "" {
		update.FailureReason = &opts.reason
	}
	if to == payoutdomain.StatusCompleted {
		update.CompletedAt = &now
	}

	ok, err := s.repo.UpdateStatus(ctx, tx, id, from, update)
	if err != nil {
		return nil, err
	}
	payout, err := s.repo.FindPayout(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	if !ok {
		return nil, &royaltyerr.StateTransitionError{
			Resource: "payout",
			ID:       id.String(),
			From:     string(payout.Status),
			To:       string(to),
		}
	}

	if to == payoutdomain.StatusFailed || to == payoutdomain.StatusCancelled {
		if err := s.rollback(ctx, tx, payout, now); err != nil {
			return nil, err
		}
	}
	return payout, nil
}

func (s *Service) rollback(ctx context.Context, tx *gorm.DB, payout *payoutdomain.Payout, now time.Time) error {
	inserted, err := s.repo.InsertEntry(ctx, tx, &payoutdomain.AccrualEntry{
		ID:          s.genID.Generate(),
		SourceType:  payoutdomain.EntrySourcePayoutRollback,
		SourceID:    payout.ID.String(),
		RecipientID: payout.RecipientID,
		Currency:    payout.Currency,
		Amount:      payout.Gross(),
		PayoutID:    &payout.ID,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := s.repo.AddToBalance(ctx, tx, payout.RecipientID, payout.Currency, payout.Gross(), now); err != nil {
		return err
	}
	return s.repo.UnlinkEntries(ctx, tx, payout.ID)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*payoutdomain.Payout, error) {
	payout, err := s.repo.FindPayout(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	return payout, nil
}

func (s *Service) ListPayouts(ctx context.Context, recipientID string) ([]payoutdomain.Payout, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, payoutdomain.ErrInvalidRecipient
	}
	return s.repo.ListPayoutsByRecipient(ctx, s.db, recipientID)
}

func (s *Service) ListEntries(ctx context.Context, payoutID snowflake.ID) ([]payoutdomain.AccrualEntry, error) {
	if _, err := s.Get(ctx, payoutID); err != nil {
		return nil, err
	}
	return s.repo.ListEntriesByPayout(ctx, s.db, payoutID)
}

// Balance returns the accrual, or a zero balance when nothing was accrued.
func (s *Service) Balance(ctx context.Context, recipientID, currency string) (*payoutdomain.Accrual, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, payoutdomain.ErrInvalidRecipient
	}
	code, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	accrual, err := s.repo.FindAccrual(ctx, s.db, recipientID, code)
	if err != nil {
		return nil, err
	}
	if accrual == nil {
		return &payoutdomain.Accrual{RecipientID: recipientID, Currency: code}, nil
	}
	return accrual, nil
}

func (s *Service) ListOpenAccruals(ctx context.Context, after payoutdomain.AccrualKey, limit int) ([]payoutdomain.Accrual, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListOpenAccruals(ctx, s.db, after, limit)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
