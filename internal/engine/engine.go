// Package engine is the command and query surface of the royalty engine. It
// chains ingestion, allocation and accrual so callers never see a fact that
// was accepted but silently left unallocated.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	"github.com/smallbiznis/royalty/pkg/db/pagination"
	"github.com/smallbiznis/royalty/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log          *zap.Logger
	Ledger       ledgerdomain.Service
	Splits       splitdomain.Service
	Allocations  allocationdomain.Service
	Payouts      payoutdomain.Service
	Distribution distributiondomain.Service
}

type Engine struct {
	log          *zap.Logger
	ledger       ledgerdomain.Service
	splits       splitdomain.Service
	allocations  allocationdomain.Service
	payouts      payoutdomain.Service
	distribution distributiondomain.Service
}

func New(p Params) *Engine {
	return &Engine{
		log:          p.Log.Named("engine"),
		ledger:       p.Ledger,
		splits:       p.Splits,
		allocations:  p.Allocations,
		payouts:      p.Payouts,
		distribution: p.Distribution,
	}
}

// IngestRevenue records a fact, allocates it and accrues the allocations.
// A fact whose splits are invalid is still accepted and reported as blocked;
// any other allocation failure is returned and a replay of the same report
// resumes the work.
func (e *Engine) IngestRevenue(ctx context.Context, req ledgerdomain.IngestRequest) (*IngestOutcome, error) {
	res, err := e.ledger.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	outcome := &IngestOutcome{Status: res.Status, Fact: NewFactView(res.Fact)}

	allocations, err := e.SettleFact(ctx, res.Fact.ID)
	if err != nil {
		if !IsBlocked(err) {
			return nil, fmt.Errorf("settle fact %s: %w", res.Fact.ID, err)
		}
		outcome.Blocked = &BlockedView{Kind: string(royaltyerr.KindOf(err)), Error: err.Error()}
		return outcome, nil
	}
	outcome.Allocations = allocationViews(allocations)
	return outcome, nil
}

// SettleFact allocates a fact and accrues every allocation. Both steps are
// idempotent.
func (e *Engine) SettleFact(ctx context.Context, factID snowflake.ID) ([]allocationdomain.Allocation, error) {
	allocations, err := e.allocations.Allocate(ctx, factID)
	if err != nil {
		return nil, err
	}
	if _, err := e.accrue(ctx, allocations); err != nil {
		return nil, err
	}
	return allocations, nil
}

func (e *Engine) accrue(ctx context.Context, allocations []allocationdomain.Allocation) (int, error) {
	applied := 0
	for _, a := range allocations {
		ok, err := e.payouts.Accrue(ctx, a)
		if err != nil {
			return applied, fmt.Errorf("accrue allocation %s: %w", a.ID, err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (e *Engine) CreateSplitAgreement(ctx context.Context, req splitdomain.CreateAgreementRequest) (*splitdomain.Agreement, error) {
	return e.splits.CreateAgreement(ctx, req)
}

func (e *Engine) ReviseSplits(ctx context.Context, req splitdomain.ReviseRequest) ([]splitdomain.Agreement, error) {
	return e.splits.ReviseSplits(ctx, req)
}

func (e *Engine) ListAgreements(ctx context.Context, req splitdomain.ListRequest) ([]splitdomain.Agreement, error) {
	return e.splits.ListAgreements(ctx, req)
}

func (e *Engine) ValidateSplits(ctx context.Context, entityID, splitType string) error {
	return e.splits.Validate(ctx, entityID, splitdomain.SplitType(splitType))
}

// ReconcileEntity recomputes allocations over a window and accrues the ones
// it creates.
func (e *Engine) ReconcileEntity(ctx context.Context, req allocationdomain.ReconcileRequest) (*ReconcileOutcome, error) {
	report, err := e.allocations.Reconcile(ctx, req)
	if err != nil {
		return nil, err
	}
	accrued, err := e.accrue(ctx, report.Created)
	if err != nil {
		return nil, err
	}
	if len(report.Drifts) > 0 {
		e.log.Warn("allocation drift detected",
			zap.String("reconcile_run_id", report.RunID),
			zap.String("entity_id", report.EntityID),
			zap.Int("drifts", len(report.Drifts)),
		)
	}
	return &ReconcileOutcome{Report: report, Accrued: accrued}, nil
}

func (e *Engine) ClosePayoutBatch(ctx context.Context, req payoutdomain.CloseRequest) (*PayoutView, error) {
	payout, err := e.payouts.CloseBatch(ctx, req)
	if err != nil || payout == nil {
		return nil, err
	}
	view := NewPayoutView(*payout)
	return &view, nil
}

func (e *Engine) MarkPayoutProcessing(ctx context.Context, id snowflake.ID) (*PayoutView, error) {
	return payoutView(e.payouts.MarkProcessing(ctx, id))
}

func (e *Engine) MarkPayoutCompleted(ctx context.Context, id snowflake.ID, reference string) (*PayoutView, error) {
	return payoutView(e.payouts.MarkCompleted(ctx, id, reference))
}

func (e *Engine) MarkPayoutFailed(ctx context.Context, id snowflake.ID, reason string) (*PayoutView, error) {
	return payoutView(e.payouts.MarkFailed(ctx, id, reason))
}

func (e *Engine) CancelPayout(ctx context.Context, id snowflake.ID, reason string) (*PayoutView, error) {
	return payoutView(e.payouts.Cancel(ctx, id, reason))
}

func (e *Engine) SubmitForDistribution(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	return e.distribution.Submit(ctx, releaseID, platformID)
}

func (e *Engine) RetryDistribution(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	return e.distribution.Retry(ctx, releaseID, platformID)
}

func (e *Engine) TakedownDistribution(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	return e.distribution.Takedown(ctx, releaseID, platformID)
}

func (e *Engine) ApplyDistributionCallback(ctx context.Context, platformID string, payload []byte) (*distributiondomain.CallbackResult, error) {
	return e.distribution.ApplyCallback(ctx, platformID, payload)
}

func (e *Engine) Fact(ctx context.Context, id snowflake.ID) (*FactView, error) {
	fact, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := NewFactView(*fact)
	return &view, nil
}

func (e *Engine) ListFacts(ctx context.Context, req ledgerdomain.QueryRequest, page pagination.Pagination) ([]FactView, *pagination.PageInfo, error) {
	facts, info, err := e.ledger.List(ctx, req, page)
	if err != nil {
		return nil, nil, err
	}
	out := make([]FactView, 0, len(facts))
	for _, f := range facts {
		out = append(out, NewFactView(f))
	}
	return out, info, nil
}

func (e *Engine) AllocationsByEntity(ctx context.Context, entityID string, from, to time.Time) ([]AllocationView, error) {
	items, err := e.allocations.ListByEntity(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}
	return allocationViews(items), nil
}

func (e *Engine) AllocationsByFact(ctx context.Context, factID snowflake.ID) ([]AllocationView, error) {
	items, err := e.allocations.ListByFact(ctx, factID)
	if err != nil {
		return nil, err
	}
	return allocationViews(items), nil
}

func (e *Engine) PayoutHistory(ctx context.Context, recipientID string) ([]PayoutView, error) {
	items, err := e.payouts.ListPayouts(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	out := make([]PayoutView, 0, len(items))
	for _, p := range items {
		out = append(out, NewPayoutView(p))
	}
	return out, nil
}

func (e *Engine) Balance(ctx context.Context, recipientID, currency string) (*BalanceView, error) {
	accrual, err := e.payouts.Balance(ctx, recipientID, currency)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		RecipientID: accrual.RecipientID,
		Currency:    accrual.Currency,
		Balance:     money.Format(accrual.Balance, accrual.Currency),
	}, nil
}

func (e *Engine) DistributionStatus(ctx context.Context, releaseID string) ([]distributiondomain.Record, error) {
	return e.distribution.ListByRelease(ctx, releaseID)
}

func payoutView(p *payoutdomain.Payout, err error) (*PayoutView, error) {
	if err != nil {
		return nil, err
	}
	view := NewPayoutView(*p)
	return &view, nil
}

// IsBlocked reports errors that park a fact until its agreements or its
// original are corrected.
func IsBlocked(err error) bool {
	switch royaltyerr.KindOf(err) {
	case royaltyerr.KindIntegrity, royaltyerr.KindValidation:
		return true
	}
	return false
}
