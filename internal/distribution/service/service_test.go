package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/distribution/platforms"
	"github.com/smallbiznis/royalty/internal/distribution/platforms/manual"
	"github.com/smallbiznis/royalty/internal/distribution/repository"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// flakyPlatform fails every submission while failing is set.
type flakyPlatform struct {
	*manual.Platform
	failing atomic.Bool
}

func (p *flakyPlatform) ID() string { return "flaky" }

func (p *flakyPlatform) Submit(ctx context.Context, req distributiondomain.SubmitRequest) (string, error) {
	if p.failing.Load() {
		return "", errors.New("ingestion endpoint unavailable")
	}
	return "flaky-" + req.ReleaseID, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []distributiondomain.StatusChange
}

func (p *recordingPublisher) Publish(_ context.Context, change distributiondomain.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *recordingPublisher) transitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.changes))
	for _, c := range p.changes {
		out = append(out, string(c.From)+">"+string(c.To))
	}
	return out
}

type fixture struct {
	db        *gorm.DB
	clk       *clock.FakeClock
	flaky     *flakyPlatform
	publisher *recordingPublisher
	svc       *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:distribution_%d?mode=memory&cache=shared", dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&distributiondomain.Record{}, &distributiondomain.Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	policy := config.DefaultPolicy()
	policy.Distribution.Default = config.PlatformPolicy{RatePerSecond: 1000, Burst: 100}
	policies := config.NewStaticPolicyHolder(policy)

	flaky := &flakyPlatform{Platform: manual.New()}
	publisher := &recordingPublisher{}
	svc := NewService(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      repository.Provide(),
		Registry:  platforms.NewRegistry(policies, manual.New(), flaky),
		Policies:  policies,
		Publisher: publisher,
	}).(*Service)

	return &fixture{db: conn, clk: clk, flaky: flaky, publisher: publisher, svc: svc}
}

func (f *fixture) callback(t *testing.T, platformReleaseID, eventType string, at time.Time) *distributiondomain.CallbackResult {
	t.Helper()
	payload := fmt.Sprintf(`{"platform_release_id":%q,"event_type":%q,"event_at":%q}`,
		platformReleaseID, eventType, at.Format(time.RFC3339Nano))
	res, err := f.svc.ApplyCallback(context.Background(), "manual", []byte(payload))
	require.NoError(t, err)
	return res
}

func TestSubmitMovesRecordToProcessing(t *testing.T) {
	f := setup(t)

	record, err := f.svc.Submit(context.Background(), "rel-1", "Manual")
	require.NoError(t, err)
	assert.Equal(t, distributiondomain.StatusProcessing, record.Status)
	assert.Equal(t, "manual", record.PlatformID)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.PlatformReleaseID)
	assert.Equal(t, "manual-rel-1", *record.PlatformReleaseID)
	require.NotNil(t, record.SubmittedAt)
	assert.Equal(t, []string{"pending>processing"}, f.publisher.transitions())

	_, err = f.svc.Submit(context.Background(), "rel-1", "manual")
	var transition *royaltyerr.StateTransitionError
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, "processing", transition.From)
}

func TestSubmitRejectsUnknownPlatform(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Submit(context.Background(), "rel-1", "tidal")
	assert.ErrorIs(t, err, distributiondomain.ErrPlatformNotFound)
	_, err = f.svc.Submit(context.Background(), " ", "manual")
	assert.ErrorIs(t, err, distributiondomain.ErrInvalidRelease)

	var count int64
	require.NoError(t, f.db.Model(&distributiondomain.Record{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCallbacksDriveLifecycle(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "rel-1", "manual")
	require.NoError(t, err)

	liveAt := f.clk.Now().Add(time.Hour)
	res := f.callback(t, "manual-rel-1", "accepted", liveAt)
	assert.Equal(t, distributiondomain.CallbackStatusApplied, res.Status)
	assert.Equal(t, distributiondomain.StatusLive, res.Record.Status)
	require.NotNil(t, res.Record.LiveDate)
	assert.True(t, liveAt.Equal(*res.Record.LiveDate))

	res = f.callback(t, "manual-rel-1", "removed", liveAt.Add(time.Hour))
	assert.Equal(t, distributiondomain.StatusRemoved, res.Record.Status)
	assert.Equal(t, []string{"pending>processing", "processing>live", "live>removed"}, f.publisher.transitions())
}

func TestStaleCallbackOnLiveIsDiscarded(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "rel-1", "manual")
	require.NoError(t, err)
	submittedAt := f.clk.Now()

	liveAt := submittedAt.Add(2 * time.Hour)
	f.callback(t, "manual-rel-1", "accepted", liveAt)

	res := f.callback(t, "manual-rel-1", "processing", submittedAt.Add(time.Hour))
	assert.Equal(t, distributiondomain.CallbackStatusDiscarded, res.Status)
	assert.Equal(t, distributiondomain.ReasonStale, res.Reason)

	res = f.callback(t, "manual-rel-1", "processing", liveAt.Add(time.Hour))
	assert.Equal(t, distributiondomain.CallbackStatusDiscarded, res.Status)
	assert.Equal(t, distributiondomain.ReasonBackward, res.Reason)

	record, err := f.svc.Get(context.Background(), "rel-1", "manual")
	require.NoError(t, err)
	assert.Equal(t, distributiondomain.StatusLive, record.Status)
	assert.True(t, liveAt.Equal(record.LastTransitionAt))

	var events []distributiondomain.Event
	require.NoError(t, f.db.Order("received_at ASC, id ASC").Find(&events).Error)
	require.Len(t, events, 3)
	assert.True(t, events[0].Applied)
	assert.False(t, events[1].Applied)
	assert.Equal(t, distributiondomain.ReasonStale, events[1].Reason)
	assert.False(t, events[2].Applied)
}

func TestDuplicateCallbackIsNoop(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "rel-1", "manual")
	require.NoError(t, err)

	at := f.clk.Now().Add(time.Minute)
	first := f.callback(t, "manual-rel-1", "rejected", at)
	assert.Equal(t, distributiondomain.CallbackStatusApplied, first.Status)
	assert.Equal(t, distributiondomain.StatusFailed, first.Record.Status)
	require.NotNil(t, first.Record.ErrorMessage)
	assert.Equal(t, "rejected", *first.Record.ErrorMessage)

	again := f.callback(t, "manual-rel-1", "rejected", at)
	assert.Equal(t, distributiondomain.CallbackStatusDuplicate, again.Status)

	var count int64
	require.NoError(t, f.db.Model(&distributiondomain.Event{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCallbackForUnknownReleaseIsExternalError(t *testing.T) {
	f := setup(t)

	_, err := f.svc.ApplyCallback(context.Background(), "manual",
		[]byte(`{"platform_release_id":"manual-nope","event_type":"accepted","event_at":"2024-03-01T13:00:00Z"}`))
	assert.Equal(t, royaltyerr.KindExternal, royaltyerr.KindOf(err))
	assert.ErrorIs(t, err, distributiondomain.ErrUnknownPlatformRelease)

	_, err = f.svc.ApplyCallback(context.Background(), "manual", []byte(`{`))
	assert.Equal(t, royaltyerr.KindExternal, royaltyerr.KindOf(err))
	assert.ErrorIs(t, err, distributiondomain.ErrInvalidCallback)
}

func TestFailedSubmissionRetriesUntilLimit(t *testing.T) {
	f := setup(t)
	f.flaky.failing.Store(true)

	_, err := f.svc.Submit(context.Background(), "rel-1", "flaky")
	assert.Equal(t, royaltyerr.KindExternal, royaltyerr.KindOf(err))

	record, err := f.svc.Get(context.Background(), "rel-1", "flaky")
	require.NoError(t, err)
	assert.Equal(t, distributiondomain.StatusFailed, record.Status)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.ErrorMessage)
	assert.Contains(t, *record.ErrorMessage, "unavailable")

	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Minute)
		_, err = f.svc.Retry(context.Background(), "rel-1", "flaky")
		assert.Equal(t, royaltyerr.KindExternal, royaltyerr.KindOf(err))
	}

	_, err = f.svc.Retry(context.Background(), "rel-1", "flaky")
	assert.ErrorIs(t, err, distributiondomain.ErrRetryLimitExceeded)
	assert.Equal(t, royaltyerr.KindStateTransition, royaltyerr.KindOf(err))

	record, err = f.svc.Get(context.Background(), "rel-1", "flaky")
	require.NoError(t, err)
	assert.Equal(t, distributiondomain.StatusFailed, record.Status)
	assert.Equal(t, 4, record.Attempts)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	f := setup(t)
	f.flaky.failing.Store(true)
	_, err := f.svc.Submit(context.Background(), "rel-1", "flaky")
	require.Error(t, err)

	f.flaky.failing.Store(false)
	record, err := f.svc.Retry(context.Background(), "rel-1", "flaky")
	require.NoError(t, err)
	assert.Equal(t, distributiondomain.StatusProcessing, record.Status)
	assert.Equal(t, 2, record.Attempts)
	assert.Nil(t, record.ErrorMessage)

	_, err = f.svc.Retry(context.Background(), "rel-1", "flaky")
	assert.Equal(t, royaltyerr.KindStateTransition, royaltyerr.KindOf(err))
}

func TestTakedownRemovesLiveRelease(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "rel-1", "manual")
	require.NoError(t, err)

	_, err = f.svc.Takedown(context.Background(), "rel-1", "manual")
	assert.Equal(t, royaltyerr.KindStateTransition, royaltyerr.KindOf(err))

	f.callback(t, "manual-rel-1", "accepted", f.clk.Now().Add(time.Minute))
	f.clk.Advance(time.Hour)
	record, err := f.svc.Takedown(context.Background(), "rel-1", "manual")
	require.NoError(t, err)
	assert.Equal(t, distributiondomain.StatusRemoved, record.Status)
}

func TestListByRelease(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "rel-1", "manual")
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), "rel-1", "flaky")
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), "rel-2", "manual")
	require.NoError(t, err)

	records, err := f.svc.ListByRelease(context.Background(), "rel-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "flaky", records[0].PlatformID)
	assert.Equal(t, "manual", records[1].PlatformID)

	_, err = f.svc.Get(context.Background(), "rel-3", "manual")
	assert.Equal(t, royaltyerr.KindNotFound, royaltyerr.KindOf(err))
}
