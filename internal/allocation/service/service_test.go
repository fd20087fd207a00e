package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	"github.com/smallbiznis/royalty/internal/allocation/repository"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/royalty/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/royalty/internal/ledger/service"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	splitrepo "github.com/smallbiznis/royalty/internal/split/repository"
	splitservice "github.com/smallbiznis/royalty/internal/split/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

type fixture struct {
	db     *gorm.DB
	clk    *clock.FakeClock
	ledger ledgerdomain.Service
	split  splitdomain.Service
	svc    *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:allocation_%d?mode=memory&cache=shared", dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(
		&ledgerdomain.RevenueFact{},
		&splitdomain.Agreement{},
		&allocationdomain.Allocation{},
		&allocationdomain.Run{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: ledgerrepo.Provide(),
	})
	split := splitservice.NewService(splitservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: splitrepo.Provide(),
	})
	svc := NewService(Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Ledger:   ledger,
		Resolver: split,
		Policies: config.NewStaticPolicyHolder(config.DefaultPolicy()),
	}).(*Service)

	return &fixture{db: conn, clk: clk, ledger: ledger, split: split, svc: svc}
}

func jan(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) agreement(t *testing.T, recipient, pct string, from time.Time, to *time.Time) {
	t.Helper()
	_, err := f.split.CreateAgreement(context.Background(), splitdomain.CreateAgreementRequest{
		EntityID:      "rel-1",
		SplitType:     "master",
		RecipientID:   recipient,
		Percentage:    pct,
		EffectiveDate: from,
		EndDate:       to,
	})
	require.NoError(t, err)
}

func (f *fixture) ingest(t *testing.T, ingestionID, amount string, from, to time.Time) ledgerdomain.RevenueFact {
	t.Helper()
	res, err := f.ledger.Ingest(context.Background(), ledgerdomain.IngestRequest{
		EntityID:    "rel-1",
		EntityType:  "release",
		PlatformID:  "spotify",
		StreamType:  "streaming",
		Amount:      amount,
		Currency:    "USD",
		PeriodStart: from,
		PeriodEnd:   to,
		IngestionID: ingestionID,
	})
	require.NoError(t, err)
	return res.Fact
}

func TestAllocateSimpleSplit(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "60", jan(1), nil)
	f.agreement(t, "artist-b", "40", jan(1), nil)
	f.clk.Advance(time.Hour)
	fact := f.ingest(t, "r-1", "100.00", jan(1), jan(21))

	got, err := f.svc.Allocate(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"artist-a": 6000, "artist-b": 4000}, amounts(got))

	again, err := f.svc.Allocate(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	var count int64
	require.NoError(t, f.db.Model(&allocationdomain.Allocation{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestAllocateMidPeriodChange(t *testing.T) {
	f := setup(t)
	end := jan(6)
	f.agreement(t, "artist-a", "100", jan(1), &end)
	f.agreement(t, "artist-a", "50", jan(6), nil)
	f.agreement(t, "artist-b", "50", jan(6), nil)
	f.clk.Advance(time.Hour)
	fact := f.ingest(t, "r-1", "20.00", jan(1), jan(21))

	got, err := f.svc.Allocate(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"artist-a": 1250, "artist-b": 750}, amounts(got))
}

func TestAllocateUsesAgreementsKnownAtIngestion(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "100", jan(1), nil)
	f.clk.Advance(time.Hour)
	early := f.ingest(t, "r-1", "10.00", jan(1), jan(11))

	f.clk.Advance(time.Hour)
	_, err := f.split.ReviseSplits(context.Background(), splitdomain.ReviseRequest{
		EntityID:      "rel-1",
		SplitType:     "master",
		EffectiveDate: jan(1),
		Shares: []splitdomain.ShareInput{
			{RecipientID: "artist-a", Percentage: "50"},
			{RecipientID: "artist-b", Percentage: "50"},
		},
	})
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	late := f.ingest(t, "r-2", "10.00", jan(1), jan(11))

	got, err := f.svc.Allocate(context.Background(), early.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"artist-a": 1000}, amounts(got))

	got, err = f.svc.Allocate(context.Background(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"artist-a": 500, "artist-b": 500}, amounts(got))
}

func TestAllocateBlocksOnIntegrityError(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "60", jan(1), nil)
	f.clk.Advance(time.Hour)
	fact := f.ingest(t, "r-1", "100.00", jan(1), jan(21))

	_, err := f.svc.Allocate(context.Background(), fact.ID)
	var integrity *royaltyerr.IntegrityError
	require.True(t, errors.As(err, &integrity))

	var run allocationdomain.Run
	require.NoError(t, f.db.Where("fact_id = ?", fact.ID).First(&run).Error)
	assert.Equal(t, allocationdomain.RunStatusBlocked, run.Status)
	assert.Equal(t, string(royaltyerr.KindIntegrity), run.Reason)
	assert.Contains(t, string(run.Details), `"sum":"60"`)

	blocked, err := f.svc.ListBlockedFacts(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{fact.ID}, blocked)

	// The fact stays accepted and allocates once the partition is fixed.
	f.clk.Advance(time.Hour)
	f.agreement(t, "artist-b", "40", jan(1), nil)
	f.clk.Advance(time.Hour)

	got, err := f.svc.Allocate(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"artist-a": 6000, "artist-b": 4000}, amounts(got))

	blocked, err = f.svc.ListBlockedFacts(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestAllocateReversalNegatesOriginal(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "60", jan(1), nil)
	f.agreement(t, "artist-b", "40", jan(1), nil)
	f.clk.Advance(time.Hour)
	original := f.ingest(t, "r-1", "100.01", jan(1), jan(21))

	res, err := f.ledger.Ingest(context.Background(), ledgerdomain.IngestRequest{
		ReversalOf:  original.ID.String(),
		IngestionID: "r-1-correction",
	})
	require.NoError(t, err)

	// Allocating the reversal first pulls the original along.
	reversed, err := f.svc.Allocate(context.Background(), res.Fact.ID)
	require.NoError(t, err)
	orig, err := f.svc.ListByFact(context.Background(), original.ID)
	require.NoError(t, err)

	require.Len(t, reversed, len(orig))
	for i := range orig {
		assert.Equal(t, orig[i].RecipientID, reversed[i].RecipientID)
		assert.Equal(t, -orig[i].Amount, reversed[i].Amount)
	}
	assert.Equal(t, int64(-10001), sumAmounts(reversed))
}

func TestListPendingFacts(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "100", jan(1), nil)
	f.clk.Advance(time.Hour)
	a := f.ingest(t, "r-1", "1.00", jan(1), jan(2))
	b := f.ingest(t, "r-2", "1.00", jan(2), jan(3))

	pending, err := f.svc.ListPendingFacts(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{a.ID, b.ID}, pending)

	_, err = f.svc.Allocate(context.Background(), a.ID)
	require.NoError(t, err)
	pending, err = f.svc.ListPendingFacts(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{b.ID}, pending)
}

func TestReconcileAllocatesAndVerifies(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "60", jan(1), nil)
	f.agreement(t, "artist-b", "40", jan(1), nil)
	f.clk.Advance(time.Hour)
	allocated := f.ingest(t, "r-1", "100.00", jan(1), jan(11))
	pending := f.ingest(t, "r-2", "50.00", jan(11), jan(21))

	_, err := f.svc.Allocate(context.Background(), allocated.ID)
	require.NoError(t, err)

	report, err := f.svc.Reconcile(context.Background(), allocationdomain.ReconcileRequest{EntityID: "rel-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, 1, report.Allocated)
	assert.Empty(t, report.Drifts)
	assert.Equal(t, map[string]int64{"artist-a": 3000, "artist-b": 2000}, amounts(report.Created))

	stored, err := f.svc.ListByFact(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.ElementsMatch(t, allocationIDs(stored), allocationIDs(report.Created))

	all, err := f.svc.ListByEntity(context.Background(), "rel-1", jan(1), jan(31))
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

// interleavedLedger runs a hook after the reconciliation has read every fact
// and before it commits.
type interleavedLedger struct {
	ledgerdomain.Service
	hook func()
}

func (l *interleavedLedger) Query(ctx context.Context, req ledgerdomain.QueryRequest) iter.Seq2[ledgerdomain.RevenueFact, error] {
	return func(yield func(ledgerdomain.RevenueFact, error) bool) {
		var facts []ledgerdomain.RevenueFact
		for fact, err := range l.Service.Query(ctx, req) {
			if err != nil {
				yield(ledgerdomain.RevenueFact{}, err)
				return
			}
			facts = append(facts, fact)
		}
		for _, fact := range facts {
			if !yield(fact, nil) {
				return
			}
		}
		l.hook()
	}
}

func TestReconcileSkipsFactAllocatedConcurrently(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "60", jan(1), nil)
	f.agreement(t, "artist-b", "40", jan(1), nil)
	f.clk.Advance(time.Hour)
	fact := f.ingest(t, "r-1", "100.00", jan(1), jan(11))

	var sweep []allocationdomain.Allocation
	f.svc.ledger = &interleavedLedger{Service: f.ledger, hook: func() {
		var err error
		sweep, err = f.svc.Allocate(context.Background(), fact.ID)
		require.NoError(t, err)
	}}

	report, err := f.svc.Reconcile(context.Background(), allocationdomain.ReconcileRequest{EntityID: "rel-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Allocated)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Created)

	stored, err := f.svc.ListByFact(context.Background(), fact.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.ElementsMatch(t, allocationIDs(sweep), allocationIDs(stored))
	assert.Equal(t, int64(10000), sumAmounts(stored))
}

func TestAllocateKeepsFirstWriterAllocations(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "100", jan(1), nil)
	f.clk.Advance(time.Hour)
	fact := f.ingest(t, "r-1", "100.00", jan(1), jan(11))

	first, err := f.svc.Allocate(context.Background(), fact.ID)
	require.NoError(t, err)

	// A second writer that read no run before the first committed loses the
	// claim and writes nothing.
	claimed, err := f.svc.repo.SaveRun(context.Background(), f.db, &allocationdomain.Run{
		FactID:    fact.ID,
		EntityID:  fact.EntityID,
		SplitType: "master",
		Status:    allocationdomain.RunStatusAllocated,
		KnownAt:   f.clk.Now(),
		CreatedAt: f.clk.Now(),
		UpdatedAt: f.clk.Now(),
	})
	require.NoError(t, err)
	assert.False(t, claimed)

	stored, err := f.svc.ListByFact(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, allocationIDs(first), allocationIDs(stored))
}

func allocationIDs(items []allocationdomain.Allocation) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(items))
	for _, a := range items {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestReconcileReportsDriftWithoutRewriting(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "60", jan(1), nil)
	f.agreement(t, "artist-b", "40", jan(1), nil)
	f.clk.Advance(time.Hour)
	fact := f.ingest(t, "r-1", "100.00", jan(1), jan(11))
	_, err := f.svc.Allocate(context.Background(), fact.ID)
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(
		"UPDATE allocations SET amount = 5000 WHERE revenue_fact_id = ? AND recipient_id = ?",
		fact.ID, "artist-a",
	).Error)

	report, err := f.svc.Reconcile(context.Background(), allocationdomain.ReconcileRequest{EntityID: "rel-1"})
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, allocationdomain.Drift{FactID: fact.ID, RecipientID: "artist-a", Stored: 5000, Computed: 6000}, report.Drifts[0])
	assert.Equal(t, 0, report.Verified)

	stored, err := f.svc.ListByFact(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), amounts(stored)["artist-a"])
}

func TestReconcileCancelledLeavesNoTrace(t *testing.T) {
	f := setup(t)
	f.agreement(t, "artist-a", "100", jan(1), nil)
	f.clk.Advance(time.Hour)
	f.ingest(t, "r-1", "100.00", jan(1), jan(11))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Reconcile(ctx, allocationdomain.ReconcileRequest{EntityID: "rel-1"})
	assert.ErrorIs(t, err, context.Canceled)

	var count int64
	require.NoError(t, f.db.Model(&allocationdomain.Allocation{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, f.db.Model(&allocationdomain.Run{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReconcileValidatesRequest(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Reconcile(context.Background(), allocationdomain.ReconcileRequest{})
	assert.ErrorIs(t, err, allocationdomain.ErrInvalidEntity)

	_, err = f.svc.Reconcile(context.Background(), allocationdomain.ReconcileRequest{EntityID: "rel-1", From: jan(5), To: jan(1)})
	assert.ErrorIs(t, err, allocationdomain.ErrInvalidRange)
}
