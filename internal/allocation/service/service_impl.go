package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	obslogger "github.com/smallbiznis/royalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       allocationdomain.Repository
	Ledger     ledgerdomain.Service
	Resolver   splitdomain.Resolver
	Policies   *config.PolicyHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       allocationdomain.Repository
	ledger     ledgerdomain.Service
	resolver   splitdomain.Resolver
	policies   *config.PolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) allocationdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("allocation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		resolver:   p.Resolver,
		policies:   p.Policies,
		obsMetrics: p.ObsMetrics,
	}
}

type originalLookup func(ctx context.Context, id snowflake.ID) ([]allocationdomain.Allocation, error)

// Allocate returns the allocations of a fact, computing and storing them on
// first use. A first attempt resolves splits as known when the fact was
// ingested; a retry of a blocked fact uses the agreements known now.
func (s *Service) Allocate(ctx context.Context, factID snowflake.ID) ([]allocationdomain.Allocation, error) {
	fact, err := s.ledger.Get(ctx, factID)
	if err != nil {
		return nil, err
	}

	run, err := s.repo.FindRun(ctx, s.db, fact.ID)
	if err != nil {
		return nil, err
	}
	if run != nil && run.Status == allocationdomain.RunStatusAllocated {
		return s.repo.ListByFact(ctx, s.db, fact.ID)
	}

	knownAt := fact.IngestedAt
	if run != nil {
		knownAt = s.clock.Now()
	}

	allocations, splitType, err := s.derive(ctx, fact, knownAt, s.allocatedOriginal)
	if err != nil {
		if isBlocking(err) {
			s.block(ctx, s.db, fact, splitType, knownAt, err)
		}
		return nil, err
	}

	now := s.clock.Now()
	s.assignIDs(allocations, now)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.SaveRun(ctx, tx, &allocationdomain.Run{
			FactID:    fact.ID,
			EntityID:  fact.EntityID,
			SplitType: splitType,
			Status:    allocationdomain.RunStatusAllocated,
			KnownAt:   knownAt,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil || !claimed {
			return err
		}
		return s.repo.InsertAllocations(ctx, tx, allocations)
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.repo.ListByFact(ctx, s.db, fact.ID)
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordAllocations(ctx, splitType, len(stored))
	obslogger.WithEntity(s.log, fact.EntityID, splitType).Info("revenue fact allocated",
		zap.String("fact_id", fact.ID.String()),
		zap.Int64("amount", fact.Amount),
		zap.Int("recipients", len(stored)),
		zap.Time("known_at", knownAt),
	)
	return stored, nil
}

func (s *Service) allocatedOriginal(ctx context.Context, id snowflake.ID) ([]allocationdomain.Allocation, error) {
	return s.Allocate(ctx, id)
}

// derive computes allocations without touching storage.
func (s *Service) derive(ctx context.Context, fact *ledgerdomain.RevenueFact, knownAt time.Time, original originalLookup) ([]allocationdomain.Allocation, string, error) {
	splitType, ok := s.policies.Get().Allocation.SplitTypeFor(string(fact.StreamType))
	if !ok {
		return nil, "", allocationdomain.ErrUnmappedStreamType
	}

	if fact.IsReversal() {
		orig, err := original(ctx, *fact.ReversalOf)
		if err != nil {
			if errors.Is(err, allocationdomain.ErrOriginalUnallocated) {
				return nil, splitType, err
			}
			return nil, splitType, fmt.Errorf("%w: %w", allocationdomain.ErrOriginalUnallocated, err)
		}
		return Negate(*fact, orig), splitType, nil
	}

	res, err := s.resolver.Resolve(ctx, splitdomain.ResolveRequest{
		EntityID:    fact.EntityID,
		SplitType:   splitdomain.SplitType(splitType),
		PeriodStart: fact.PeriodStart,
		PeriodEnd:   fact.PeriodEnd,
		KnownAt:     knownAt,
	})
	if err != nil {
		return nil, splitType, err
	}

	allocations := Compute(*fact, res)
	if total := sumAmounts(allocations); total != fact.Amount {
		return nil, splitType, fmt.Errorf("allocation of fact %s sums to %d, want %d", fact.ID, total, fact.Amount)
	}
	return allocations, splitType, nil
}

func (s *Service) block(ctx context.Context, db *gorm.DB, fact *ledgerdomain.RevenueFact, splitType string, knownAt time.Time, cause error) {
	run := s.blockedRun(fact, splitType, knownAt, cause)
	if _, err := s.repo.SaveRun(ctx, db, run); err != nil {
		s.log.Error("failed to record blocked allocation", zap.String("fact_id", fact.ID.String()), zap.Error(err))
		return
	}
	obslogger.WithEntity(obslogger.WithContext(ctx, s.log), fact.EntityID, splitType).Warn("revenue fact allocation blocked",
		zap.String("fact_id", fact.ID.String()),
		zap.String("reason", run.Reason),
		zap.Error(cause),
	)
}

func (s *Service) blockedRun(fact *ledgerdomain.RevenueFact, splitType string, knownAt time.Time, cause error) *allocationdomain.Run {
	reason := string(royaltyerr.KindOf(cause))
	if errors.Is(cause, allocationdomain.ErrOriginalUnallocated) {
		reason = allocationdomain.ReasonOriginalUnresolved
	}

	var details []byte
	var integrity *royaltyerr.IntegrityError
	if errors.As(cause, &integrity) {
		details, _ = json.Marshal(integrity)
	} else {
		details, _ = json.Marshal(map[string]string{"error": cause.Error()})
	}

	now := s.clock.Now()
	return &allocationdomain.Run{
		FactID:    fact.ID,
		EntityID:  fact.EntityID,
		SplitType: splitType,
		Status:    allocationdomain.RunStatusBlocked,
		Reason:    reason,
		Details:   datatypes.JSON(details),
		KnownAt:   knownAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) assignIDs(allocations []allocationdomain.Allocation, now time.Time) {
	for i := range allocations {
		allocations[i].ID = s.genID.Generate()
		allocations[i].CreatedAt = now
	}
}

// stagedFact is a run and its allocations held until the reconciliation
// commits.
type stagedFact struct {
	run         *allocationdomain.Run
	allocations []allocationdomain.Allocation
	reversalOf  *snowflake.ID
}

// Reconcile walks the facts of an entity in a period. Unallocated and blocked
// facts are allocated; allocated facts are recomputed and any drift is
// reported without rewriting history. All writes are staged and committed in
// one transaction, so a cancelled reconciliation leaves nothing behind.
func (s *Service) Reconcile(ctx context.Context, req allocationdomain.ReconcileRequest) (*allocationdomain.ReconcileReport, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" {
		return nil, allocationdomain.ErrInvalidEntity
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.To.After(req.From) {
		return nil, allocationdomain.ErrInvalidRange
	}

	report := &allocationdomain.ReconcileReport{
		RunID:    ulid.Make().String(),
		EntityID: req.EntityID,
		From:     req.From,
		To:       req.To,
	}
	log := s.log.With(zap.String("reconcile_run_id", report.RunID), zap.String("entity_id", req.EntityID))

	var (
		staged []stagedFact
		byFact = map[snowflake.ID][]allocationdomain.Allocation{}
	)
	original := func(ctx context.Context, id snowflake.ID) ([]allocationdomain.Allocation, error) {
		if allocations, ok := byFact[id]; ok {
			return allocations, nil
		}
		run, err := s.repo.FindRun(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if run == nil || run.Status != allocationdomain.RunStatusAllocated {
			return nil, allocationdomain.ErrOriginalUnallocated
		}
		return s.repo.ListByFact(ctx, s.db, id)
	}

	now := s.clock.Now()
	for fact, err := range s.ledger.Query(ctx, ledgerdomain.QueryRequest{EntityID: req.EntityID, From: req.From, To: req.To}) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++

		run, err := s.repo.FindRun(ctx, s.db, fact.ID)
		if err != nil {
			return nil, err
		}

		if run != nil && run.Status == allocationdomain.RunStatusAllocated {
			stored, err := s.repo.ListByFact(ctx, s.db, fact.ID)
			if err != nil {
				return nil, err
			}
			byFact[fact.ID] = stored

			knownAt := run.KnownAt
			if !req.KnownAt.IsZero() {
				knownAt = req.KnownAt
			}
			computed, _, err := s.derive(ctx, &fact, knownAt, original)
			if err != nil {
				if !isBlocking(err) {
					return nil, err
				}
				report.Drifts = append(report.Drifts, diff(fact.ID, stored, nil)...)
				continue
			}
			drifts := diff(fact.ID, stored, computed)
			if len(drifts) == 0 {
				report.Verified++
			}
			report.Drifts = append(report.Drifts, drifts...)
			continue
		}

		knownAt := fact.IngestedAt
		if run != nil {
			knownAt = now
		}
		if !req.KnownAt.IsZero() {
			knownAt = req.KnownAt
		}

		computed, splitType, err := s.derive(ctx, &fact, knownAt, original)
		if err != nil {
			if !isBlocking(err) {
				return nil, err
			}
			staged = append(staged, stagedFact{
				run:        s.blockedRun(&fact, splitType, knownAt, err),
				reversalOf: fact.ReversalOf,
			})
			continue
		}

		s.assignIDs(computed, now)
		staged = append(staged, stagedFact{
			run: &allocationdomain.Run{
				FactID:    fact.ID,
				EntityID:  fact.EntityID,
				SplitType: splitType,
				Status:    allocationdomain.RunStatusAllocated,
				KnownAt:   knownAt,
				CreatedAt: now,
				UpdatedAt: now,
			},
			allocations: computed,
			reversalOf:  fact.ReversalOf,
		})
		byFact[fact.ID] = computed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		committed        []snowflake.ID
		blocked, skipped int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		committed, blocked, skipped = nil, 0, 0
		lost := map[snowflake.ID]bool{}
		for _, st := range staged {
			// A reversal staged against an original that another writer
			// allocated was negated from allocations that were never stored.
			if st.reversalOf != nil && lost[*st.reversalOf] {
				lost[st.run.FactID] = true
				skipped++
				continue
			}
			claimed, err := s.repo.SaveRun(ctx, tx, st.run)
			if err != nil {
				return err
			}
			if !claimed {
				lost[st.run.FactID] = true
				skipped++
				continue
			}
			if st.run.Status != allocationdomain.RunStatusAllocated {
				blocked++
				continue
			}
			if err := s.repo.InsertAllocations(ctx, tx, st.allocations); err != nil {
				return err
			}
			committed = append(committed, st.run.FactID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Blocked = blocked
	report.Skipped = skipped
	for _, factID := range committed {
		stored, err := s.repo.ListByFact(ctx, s.db, factID)
		if err != nil {
			return nil, err
		}
		report.Allocated++
		report.Created = append(report.Created, stored...)
	}

	log.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("verified", report.Verified),
		zap.Int("allocated", report.Allocated),
		zap.Int("blocked", report.Blocked),
		zap.Int("skipped", report.Skipped),
		zap.Int("drifts", len(report.Drifts)),
	)
	return report, nil
}

func (s *Service) ListByFact(ctx context.Context, factID snowflake.ID) ([]allocationdomain.Allocation, error) {
	return s.repo.ListByFact(ctx, s.db, factID)
}

func (s *Service) ListByEntity(ctx context.Context, entityID string, from, to time.Time) ([]allocationdomain.Allocation, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, allocationdomain.ErrInvalidEntity
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return nil, allocationdomain.ErrInvalidRange
	}
	return s.repo.ListByEntity(ctx, s.db, entityID, from, to)
}

func (s *Service) ListPendingFacts(ctx context.Context, limit int) ([]snowflake.ID, error) {
	return s.repo.ListFactsWithoutRun(ctx, s.db, limit)
}

func (s *Service) ListBlockedFacts(ctx context.Context, limit int) ([]snowflake.ID, error) {
	return s.repo.ListBlockedRuns(ctx, s.db, limit)
}

// isBlocking reports whether err is a data problem that parks the fact
// until an operator fixes the agreements or policy.
func isBlocking(err error) bool {
	switch royaltyerr.KindOf(err) {
	case royaltyerr.KindIntegrity, royaltyerr.KindValidation:
		return true
	}
	return false
}

// diff compares stored allocations with a recomputation per recipient.
func diff(factID snowflake.ID, stored, computed []allocationdomain.Allocation) []allocationdomain.Drift {
	want := map[string]int64{}
	for _, a := range computed {
		want[a.RecipientID] += a.Amount
	}
	got := map[string]int64{}
	for _, a := range stored {
		got[a.RecipientID] += a.Amount
	}

	var drifts []allocationdomain.Drift
	for _, a := range stored {
		if want[a.RecipientID] != a.Amount {
			drifts = append(drifts, allocationdomain.Drift{
				FactID:      factID,
				RecipientID: a.RecipientID,
				Stored:      a.Amount,
				Computed:    want[a.RecipientID],
			})
		}
	}
	for _, a := range computed {
		if _, ok := got[a.RecipientID]; !ok {
			drifts = append(drifts, allocationdomain.Drift{
				FactID:      factID,
				RecipientID: a.RecipientID,
				Computed:    a.Amount,
			})
		}
	}
	return drifts
}
