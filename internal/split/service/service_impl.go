package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/royalty/internal/catalog"
	"github.com/smallbiznis/royalty/internal/clock"
	obslogger "github.com/smallbiznis/royalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	"github.com/smallbiznis/royalty/pkg/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       splitdomain.Repository
	Locker     lock.Locker          `optional:"true"`
	Entities   catalog.EntityLookup `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       splitdomain.Repository
	locker     lock.Locker
	entities   catalog.EntityLookup
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) splitdomain.Service {
	locker := p.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("split.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		locker:     locker,
		entities:   p.Entities,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateAgreement(ctx context.Context, req splitdomain.CreateAgreementRequest) (*splitdomain.Agreement, error) {
	entityID, splitType, err := normalizeKey(req.EntityID, req.SplitType)
	if err != nil {
		return nil, err
	}
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		return nil, splitdomain.ErrInvalidRecipient
	}
	percentage, err := parsePercentage(req.Percentage)
	if err != nil {
		return nil, err
	}
	if req.EffectiveDate.IsZero() {
		return nil, splitdomain.ErrInvalidEffectiveDate
	}
	effective := normalizeTime(req.EffectiveDate)
	var endDate *time.Time
	if req.EndDate != nil {
		end := normalizeTime(*req.EndDate)
		if !end.After(effective) {
			return nil, splitdomain.ErrInvalidEndDate
		}
		endDate = &end
	}
	if err := s.checkEntity(ctx, entityID); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(entityID, splitType))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var created splitdomain.Agreement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		agreement := splitdomain.Agreement{
			ID:            s.genID.Generate(),
			EntityID:      entityID,
			SplitType:     splitType,
			RecipientID:   recipientID,
			Percentage:    percentage,
			EffectiveDate: effective,
			EndDate:       endDate,
			RecordedAt:    now,
		}
		if endDate != nil {
			agreement.EndRecordedAt = &now
		}

		existing, err := s.repo.ListByEntity(ctx, tx, entityID, splitType, time.Time{})
		if err != nil {
			return err
		}
		to := time.Time{}
		if endDate != nil {
			to = *endDate
		}
		if err := checkCeiling(entityID, splitType, append(existing, agreement), effective, to, now); err != nil {
			return err
		}

		if err := s.repo.Insert(ctx, tx, &agreement); err != nil {
			return err
		}
		created = agreement
		return nil
	})
	if err != nil {
		s.logIntegrity(ctx, err)
		return nil, err
	}

	obslogger.WithEntity(s.log, entityID, string(splitType)).Info("split agreement created",
		zap.String("agreement_id", created.ID.String()),
		zap.String("recipient_id", created.RecipientID),
		zap.String("percentage", created.Percentage.String()),
		zap.Time("effective_date", created.EffectiveDate),
	)
	return &created, nil
}

// ReviseSplits closes every open agreement active at the effective date and
// opens the given shares in one transaction.
func (s *Service) ReviseSplits(ctx context.Context, req splitdomain.ReviseRequest) ([]splitdomain.Agreement, error) {
	entityID, splitType, err := normalizeKey(req.EntityID, req.SplitType)
	if err != nil {
		return nil, err
	}
	if req.EffectiveDate.IsZero() {
		return nil, splitdomain.ErrInvalidEffectiveDate
	}
	effective := normalizeTime(req.EffectiveDate)

	shares, err := normalizeShares(req.Shares)
	if err != nil {
		return nil, err
	}
	if err := s.checkEntity(ctx, entityID); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(entityID, splitType))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		created []splitdomain.Agreement
		closed  int
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		existing, err := s.repo.ListByEntity(ctx, tx, entityID, splitType, time.Time{})
		if err != nil {
			return err
		}

		for i := range existing {
			a := &existing[i]
			if a.EndDate != nil || a.EffectiveDate.After(effective) {
				continue
			}
			ok, err := s.repo.Close(ctx, tx, a.ID, effective, now)
			if err != nil {
				return err
			}
			if !ok {
				return &royaltyerr.StateTransitionError{
					Resource: "split_agreement",
					ID:       a.ID.String(),
					From:     "closed",
					To:       "closed",
					Reason:   "agreement_already_closed",
				}
			}
			end, recorded := effective, now
			a.EndDate = &end
			a.EndRecordedAt = &recorded
			closed++
		}

		created = make([]splitdomain.Agreement, 0, len(shares))
		for _, share := range shares {
			created = append(created, splitdomain.Agreement{
				ID:            s.genID.Generate(),
				EntityID:      entityID,
				SplitType:     splitType,
				RecipientID:   share.RecipientID,
				Percentage:    share.Percentage,
				EffectiveDate: effective,
				RecordedAt:    now,
			})
		}

		all := append(existing, created...)
		if err := checkCeiling(entityID, splitType, all, effective, time.Time{}, now); err != nil {
			return err
		}
		for i := range created {
			if err := s.repo.Insert(ctx, tx, &created[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logIntegrity(ctx, err)
		return nil, err
	}

	obslogger.WithEntity(s.log, entityID, string(splitType)).Info("split agreements revised",
		zap.Time("effective_date", effective),
		zap.Int("closed", closed),
		zap.Int("opened", len(created)),
	)
	return created, nil
}

func (s *Service) Resolve(ctx context.Context, req splitdomain.ResolveRequest) (*splitdomain.Resolution, error) {
	entityID, splitType, err := normalizeKey(req.EntityID, string(req.SplitType))
	if err != nil {
		return nil, err
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		return nil, splitdomain.ErrInvalidPeriod
	}
	req.EntityID = entityID
	req.SplitType = splitType
	req.PeriodStart = normalizeTime(req.PeriodStart)
	req.PeriodEnd = normalizeTime(req.PeriodEnd)
	if !req.PeriodEnd.After(req.PeriodStart) {
		return nil, splitdomain.ErrInvalidPeriod
	}
	if req.KnownAt.IsZero() {
		req.KnownAt = s.clock.Now()
	}
	req.KnownAt = normalizeTime(req.KnownAt)

	agreements, err := s.repo.ListByEntity(ctx, s.db, entityID, splitType, req.PeriodEnd)
	if err != nil {
		return nil, err
	}

	resolution, err := buildResolution(req, agreements)
	if err != nil {
		s.logIntegrity(ctx, err)
		return nil, err
	}
	return resolution, nil
}

func (s *Service) Validate(ctx context.Context, entityID string, splitType splitdomain.SplitType) error {
	entityID, splitType, err := normalizeKey(entityID, string(splitType))
	if err != nil {
		return err
	}
	agreements, err := s.repo.ListByEntity(ctx, s.db, entityID, splitType, time.Time{})
	if err != nil {
		return err
	}
	return checkTimeline(entityID, splitType, agreements, s.clock.Now())
}

// ListAgreements returns the agreements recorded by KnownAt with end dates as
// they were known then.
func (s *Service) ListAgreements(ctx context.Context, req splitdomain.ListRequest) ([]splitdomain.Agreement, error) {
	entityID, splitType, err := normalizeKey(req.EntityID, string(req.SplitType))
	if err != nil {
		return nil, err
	}
	knownAt := req.KnownAt
	if knownAt.IsZero() {
		knownAt = s.clock.Now()
	}

	agreements, err := s.repo.ListByEntity(ctx, s.db, entityID, splitType, time.Time{})
	if err != nil {
		return nil, err
	}
	out := make([]splitdomain.Agreement, 0, len(agreements))
	for _, a := range agreements {
		if !a.VisibleAt(knownAt) {
			continue
		}
		if a.EndAsOf(knownAt) == nil {
			a.EndDate = nil
			a.EndRecordedAt = nil
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Service) checkEntity(ctx context.Context, entityID string) error {
	if s.entities == nil {
		return nil
	}
	ok, err := s.entities.Exists(ctx, entityID)
	if err != nil {
		return royaltyerr.External("catalog", err)
	}
	if !ok {
		return splitdomain.ErrUnknownEntity
	}
	return nil
}

func (s *Service) logIntegrity(ctx context.Context, err error) {
	var integrity *royaltyerr.IntegrityError
	if !errors.As(err, &integrity) {
		return
	}
	s.obsMetrics.RecordIntegrityFailure(ctx, integrity.SplitType, integrity.Gap)
	obslogger.WithEntity(obslogger.WithContext(ctx, s.log), integrity.EntityID, integrity.SplitType).Warn("split integrity violation",
		zap.Time("instant", integrity.Instant),
		zap.String("sum", integrity.Sum),
		zap.Bool("gap", integrity.Gap),
		zap.Int("agreements", len(integrity.Agreements)),
	)
}

func normalizeKey(entityID, splitType string) (string, splitdomain.SplitType, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return "", "", splitdomain.ErrInvalidEntity
	}
	st := splitdomain.SplitType(strings.ToLower(strings.TrimSpace(splitType)))
	if !st.Valid() {
		return "", "", splitdomain.ErrInvalidSplitType
	}
	return entityID, st, nil
}

func parsePercentage(raw string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, splitdomain.ErrInvalidPercentage
	}
	if !p.IsPositive() || p.GreaterThan(splitdomain.Hundred) {
		return decimal.Zero, splitdomain.ErrInvalidPercentage
	}
	if !p.Equal(p.Truncate(splitdomain.MaxPercentageScale)) {
		return decimal.Zero, splitdomain.ErrPercentagePrecision
	}
	return p, nil
}

type normalizedShare struct {
	RecipientID string
	Percentage  decimal.Decimal
}

func normalizeShares(in []splitdomain.ShareInput) ([]normalizedShare, error) {
	if len(in) == 0 {
		return nil, splitdomain.ErrEmptyShares
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]normalizedShare, 0, len(in))
	sum := decimal.Zero
	for _, share := range in {
		recipientID := strings.TrimSpace(share.RecipientID)
		if recipientID == "" {
			return nil, splitdomain.ErrInvalidRecipient
		}
		if _, dup := seen[recipientID]; dup {
			return nil, splitdomain.ErrDuplicateRecipient
		}
		seen[recipientID] = struct{}{}

		p, err := parsePercentage(share.Percentage)
		if err != nil {
			return nil, err
		}
		sum = sum.Add(p)
		out = append(out, normalizedShare{RecipientID: recipientID, Percentage: p})
	}
	if sum.Sub(splitdomain.Hundred).Abs().GreaterThan(splitdomain.SumTolerance) {
		return nil, splitdomain.ErrSharesNotHundred
	}
	return out, nil
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func lockKey(entityID string, splitType splitdomain.SplitType) string {
	return "split:" + entityID + ":" + string(splitType)
}
