// Package enginetest wires the complete engine over an in-memory sqlite
// database for package tests.
package enginetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	allocationrepo "github.com/smallbiznis/royalty/internal/allocation/repository"
	allocationservice "github.com/smallbiznis/royalty/internal/allocation/service"
	"github.com/smallbiznis/royalty/internal/catalog"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/distribution/platforms"
	"github.com/smallbiznis/royalty/internal/distribution/platforms/manual"
	distributionrepo "github.com/smallbiznis/royalty/internal/distribution/repository"
	distributionservice "github.com/smallbiznis/royalty/internal/distribution/service"
	"github.com/smallbiznis/royalty/internal/engine"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/royalty/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/royalty/internal/ledger/service"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	payoutrepo "github.com/smallbiznis/royalty/internal/payout/repository"
	payoutservice "github.com/smallbiznis/royalty/internal/payout/service"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	splitrepo "github.com/smallbiznis/royalty/internal/split/repository"
	splitservice "github.com/smallbiznis/royalty/internal/split/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// Epoch is the harness clock's starting instant.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Harness struct {
	DB           *gorm.DB
	Node         *snowflake.Node
	Clock        *clock.FakeClock
	Catalog      *catalog.Static
	Policies     *config.PolicyHolder
	Ledger       ledgerdomain.Service
	Splits       splitdomain.Service
	Allocations  allocationdomain.Service
	Payouts      payoutdomain.Service
	Distribution distributiondomain.Service
	Engine       *engine.Engine
}

type Option func(*options)

type options struct {
	policy    func(*config.Policy)
	publisher distributiondomain.StatusPublisher
	log       *zap.Logger
}

func WithPolicy(mutate func(*config.Policy)) Option {
	return func(o *options) { o.policy = mutate }
}

func WithPublisher(p distributiondomain.StatusPublisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Models lists every table the engine persists.
func Models() []any {
	return []any{
		&ledgerdomain.RevenueFact{},
		&splitdomain.Agreement{},
		&allocationdomain.Allocation{},
		&allocationdomain.Run{},
		&payoutdomain.Payout{},
		&payoutdomain.Accrual{},
		&payoutdomain.AccrualEntry{},
		&distributiondomain.Record{},
		&distributiondomain.Event{},
	}
}

// OpenDB returns a migrated in-memory database private to the test.
func OpenDB(t testing.TB, extra ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_%d?mode=memory&cache=shared", dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(append(Models(), extra...)...))
	return conn
}

func New(t testing.TB, opts ...Option) *Harness {
	t.Helper()

	o := &options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	conn := OpenDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(Epoch)

	policy := config.DefaultPolicy()
	policy.Distribution.Default = config.PlatformPolicy{RatePerSecond: 1000, Burst: 100}
	if o.policy != nil {
		o.policy(&policy)
	}
	policies := config.NewStaticPolicyHolder(policy)
	static := catalog.NewStatic(policy.Payout.DefaultMethod)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: o.log, GenID: node, Clock: clk, Repo: ledgerrepo.Provide(), Entities: static,
	})
	splits := splitservice.NewService(splitservice.Params{
		DB: conn, Log: o.log, GenID: node, Clock: clk, Repo: splitrepo.Provide(),
	})
	allocations := allocationservice.NewService(allocationservice.Params{
		DB: conn, Log: o.log, GenID: node, Clock: clk, Repo: allocationrepo.Provide(),
		Ledger: ledger, Resolver: splits, Policies: policies,
	})
	payouts := payoutservice.NewService(payoutservice.Params{
		DB: conn, Log: o.log, GenID: node, Clock: clk, Repo: payoutrepo.Provide(),
		Policies: policies, Directory: static, Rates: static,
	})
	distribution := distributionservice.NewService(distributionservice.Params{
		DB: conn, Log: o.log, GenID: node, Clock: clk, Repo: distributionrepo.Provide(),
		Registry: platforms.NewRegistry(policies, manual.New()),
		Policies: policies, Entities: static, Publisher: o.publisher,
	})

	return &Harness{
		DB:           conn,
		Node:         node,
		Clock:        clk,
		Catalog:      static,
		Policies:     policies,
		Ledger:       ledger,
		Splits:       splits,
		Allocations:  allocations,
		Payouts:      payouts,
		Distribution: distribution,
		Engine: engine.New(engine.Params{
			Log:          o.log,
			Ledger:       ledger,
			Splits:       splits,
			Allocations:  allocations,
			Payouts:      payouts,
			Distribution: distribution,
		}),
	}
}

// Agreement records a master split for entityID effective from the epoch and
// moves the clock past its recording time.
func (h *Harness) Agreement(t testing.TB, entityID, recipientID, percentage string) *splitdomain.Agreement {
	t.Helper()
	agreement, err := h.Engine.CreateSplitAgreement(context.Background(), splitdomain.CreateAgreementRequest{
		EntityID:      entityID,
		SplitType:     "master",
		RecipientID:   recipientID,
		Percentage:    percentage,
		EffectiveDate: Epoch,
	})
	require.NoError(t, err)
	h.Clock.Advance(time.Minute)
	return agreement
}

// Streaming builds a USD streaming report line for January 2024.
func Streaming(entityID, ingestionID, amount string) ledgerdomain.IngestRequest {
	return ledgerdomain.IngestRequest{
		EntityID:    entityID,
		EntityType:  "release",
		PlatformID:  "spotify",
		StreamType:  "streaming",
		Amount:      amount,
		Currency:    "USD",
		PeriodStart: Epoch,
		PeriodEnd:   Epoch.AddDate(0, 1, 0),
		IngestionID: ingestionID,
	}
}
