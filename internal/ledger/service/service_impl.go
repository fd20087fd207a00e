package service

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/royalty/internal/catalog"
	"github.com/smallbiznis/royalty/internal/clock"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/smallbiznis/royalty/pkg/db"
	"github.com/smallbiznis/royalty/pkg/db/pagination"
	"github.com/smallbiznis/royalty/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryPageSize = 500

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	Entities   catalog.EntityLookup `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	entities   catalog.EntityLookup
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		entities:   p.Entities,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Ingest(ctx context.Context, req ledgerdomain.IngestRequest) (*ledgerdomain.IngestResult, error) {
	ingestionID := strings.TrimSpace(req.IngestionID)
	if ingestionID == "" {
		return nil, ledgerdomain.ErrInvalidIngestionID
	}

	var result *ledgerdomain.IngestResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			fact *ledgerdomain.RevenueFact
			err  error
		)
		if strings.TrimSpace(req.ReversalOf) != "" {
			fact, err = s.buildReversal(ctx, tx, req, ingestionID)
		} else {
			fact, err = s.buildFact(ctx, req, ingestionID)
		}
		if err != nil {
			return err
		}

		inserted, err := s.repo.Insert(ctx, tx, fact)
		if err != nil {
			if fact.IsReversal() && db.IsDuplicateKeyErr(err) {
				return ledgerdomain.ErrAlreadyReversed
			}
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByDedupKey(ctx, tx, fact.DedupKey())
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("revenue fact conflict without stored row for ingestion %s", ingestionID)
			}
			result = &ledgerdomain.IngestResult{Status: ledgerdomain.IngestStatusDuplicate, Fact: *existing}
			return nil
		}
		result = &ledgerdomain.IngestResult{Status: ledgerdomain.IngestStatusAccepted, Fact: *fact}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordFactIngested(ctx, string(result.Fact.StreamType), string(result.Status))
	if result.Status == ledgerdomain.IngestStatusDuplicate {
		s.log.Debug("duplicate revenue report ignored",
			zap.String("fact_id", result.Fact.ID.String()),
			zap.String("ingestion_id", ingestionID),
		)
	} else {
		s.log.Info("revenue fact ingested",
			zap.String("fact_id", result.Fact.ID.String()),
			zap.String("entity_id", result.Fact.EntityID),
			zap.String("platform_id", result.Fact.PlatformID),
			zap.Int64("amount", result.Fact.Amount),
			zap.String("currency", result.Fact.Currency),
			zap.Bool("reversal", result.Fact.IsReversal()),
		)
	}
	return result, nil
}

func (s *Service) buildFact(ctx context.Context, req ledgerdomain.IngestRequest, ingestionID string) (*ledgerdomain.RevenueFact, error) {
	entityID := strings.TrimSpace(req.EntityID)
	if entityID == "" {
		return nil, ledgerdomain.ErrInvalidEntity
	}

	entityType := ledgerdomain.EntityType(strings.ToLower(strings.TrimSpace(req.EntityType)))
	switch entityType {
	case ledgerdomain.EntityTypeRelease, ledgerdomain.EntityTypeTrack:
	default:
		return nil, ledgerdomain.ErrInvalidEntityType
	}

	platformID := NormalizePlatformID(req.PlatformID)
	if platformID == "" {
		return nil, ledgerdomain.ErrInvalidPlatform
	}

	streamType := ledgerdomain.StreamType(strings.ToLower(strings.TrimSpace(req.StreamType)))
	if !streamType.Valid() {
		return nil, ledgerdomain.ErrInvalidStreamType
	}

	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := money.ParseMinor(req.Amount, currency)
	if err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, ledgerdomain.ErrNegativeAmount
	}
	if amount == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	start, end, err := normalizePeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, err
	}

	var country *string
	if c := strings.ToUpper(strings.TrimSpace(req.Country)); c != "" {
		if !countryPattern.MatchString(c) {
			return nil, ledgerdomain.ErrInvalidCountry
		}
		country = &c
	}
	if req.Quantity != nil && *req.Quantity < 0 {
		return nil, ledgerdomain.ErrInvalidQuantity
	}

	if s.entities != nil {
		ok, err := s.entities.Exists(ctx, entityID)
		if err != nil {
			return nil, royaltyerr.External("catalog", err)
		}
		if !ok {
			return nil, ledgerdomain.ErrUnknownEntity
		}
	}

	return &ledgerdomain.RevenueFact{
		ID:          s.genID.Generate(),
		EntityID:    entityID,
		EntityType:  entityType,
		PlatformID:  platformID,
		StreamType:  streamType,
		Amount:      amount,
		Currency:    currency,
		PeriodStart: start,
		PeriodEnd:   end,
		Country:     country,
		Quantity:    req.Quantity,
		IngestionID: ingestionID,
		IngestedAt:  s.clock.Now(),
	}, nil
}

// buildReversal derives a full reversal of an existing fact. Fields supplied
// on the request must agree with the original.
func (s *Service) buildReversal(ctx context.Context, tx *gorm.DB, req ledgerdomain.IngestRequest, ingestionID string) (*ledgerdomain.RevenueFact, error) {
	originalID, err := snowflake.ParseString(strings.TrimSpace(req.ReversalOf))
	if err != nil || originalID == 0 {
		return nil, ledgerdomain.ErrInvalidReversalOf
	}

	original, err := s.repo.FindByID(ctx, tx, originalID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, ledgerdomain.ErrUnknownOriginal
	}
	if original.IsReversal() {
		return nil, ledgerdomain.ErrReversalOfReversal
	}

	if v := strings.TrimSpace(req.EntityID); v != "" && v != original.EntityID {
		return nil, ledgerdomain.ErrReversalMismatch
	}
	if v := req.PlatformID; strings.TrimSpace(v) != "" && NormalizePlatformID(v) != original.PlatformID {
		return nil, ledgerdomain.ErrReversalMismatch
	}
	if v := strings.TrimSpace(req.Currency); v != "" && !strings.EqualFold(v, original.Currency) {
		return nil, ledgerdomain.ErrReversalMismatch
	}
	if !req.PeriodStart.IsZero() && !req.PeriodStart.UTC().Equal(original.PeriodStart) {
		return nil, ledgerdomain.ErrReversalMismatch
	}
	if !req.PeriodEnd.IsZero() && !req.PeriodEnd.UTC().Equal(original.PeriodEnd) {
		return nil, ledgerdomain.ErrReversalMismatch
	}

	amount := -original.Amount
	if strings.TrimSpace(req.Amount) != "" {
		parsed, err := money.ParseMinor(req.Amount, original.Currency)
		if err != nil {
			return nil, err
		}
		if parsed != amount {
			return nil, ledgerdomain.ErrReversalAmount
		}
	}

	fact := &ledgerdomain.RevenueFact{
		ID:          s.genID.Generate(),
		EntityID:    original.EntityID,
		EntityType:  original.EntityType,
		PlatformID:  original.PlatformID,
		StreamType:  original.StreamType,
		Amount:      amount,
		Currency:    original.Currency,
		PeriodStart: original.PeriodStart,
		PeriodEnd:   original.PeriodEnd,
		Country:     original.Country,
		Quantity:    original.Quantity,
		IngestionID: ingestionID,
		ReversalOf:  &original.ID,
		IngestedAt:  s.clock.Now(),
	}

	// A replay of the same reversal is a duplicate, not a second reversal.
	existing, err := s.repo.FindReversalOf(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.DedupKey().Equal(fact.DedupKey()) {
		return nil, ledgerdomain.ErrAlreadyReversed
	}
	return fact, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*ledgerdomain.RevenueFact, error) {
	fact, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if fact == nil {
		return nil, ledgerdomain.ErrFactNotFound
	}
	return fact, nil
}

// Query streams the facts of an entity in (period_start, period_end, id)
// order. Each page is read independently, so iteration can resume from any
// fact's Cursor.
func (s *Service) Query(ctx context.Context, req ledgerdomain.QueryRequest) iter.Seq2[ledgerdomain.RevenueFact, error] {
	return func(yield func(ledgerdomain.RevenueFact, error) bool) {
		req := req
		req.EntityID = strings.TrimSpace(req.EntityID)
		if req.EntityID == "" {
			yield(ledgerdomain.RevenueFact{}, ledgerdomain.ErrInvalidEntity)
			return
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(ledgerdomain.RevenueFact{}, err)
				return
			}
			facts, err := s.repo.ListOverlapping(ctx, s.db, req, queryPageSize)
			if err != nil {
				yield(ledgerdomain.RevenueFact{}, err)
				return
			}
			for _, fact := range facts {
				if !yield(fact, nil) {
					return
				}
			}
			if len(facts) < queryPageSize {
				return
			}
			last := facts[len(facts)-1].Cursor()
			req.After = &last
		}
	}
}

// List returns one page of Query for API callers.
func (s *Service) List(ctx context.Context, req ledgerdomain.QueryRequest, page pagination.Pagination) ([]ledgerdomain.RevenueFact, *pagination.PageInfo, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" {
		return nil, nil, ledgerdomain.ErrInvalidEntity
	}
	if page.PageToken != "" {
		cursor, err := DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, err
		}
		req.After = cursor
	}

	size := page.Size()
	facts, err := s.repo.ListOverlapping(ctx, s.db, req, size+1)
	if err != nil {
		return nil, nil, err
	}
	return pagination.BuildCursorPageInfo(facts, size, func(f ledgerdomain.RevenueFact) pagination.Cursor {
		return EncodeCursor(f.Cursor())
	})
}

// NormalizePlatformID maps free-form platform names ("Apple Music") onto
// stable identifiers ("apple-music").
func NormalizePlatformID(raw string) string {
	return slug.Make(strings.TrimSpace(raw))
}

func EncodeCursor(c ledgerdomain.Cursor) pagination.Cursor {
	return pagination.Cursor{
		ID:       c.ID.String(),
		Position: c.PeriodStart.UTC().Format(time.RFC3339Nano) + "|" + c.PeriodEnd.UTC().Format(time.RFC3339Nano),
	}
}

func DecodeCursor(token string) (*ledgerdomain.Cursor, error) {
	raw, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, ledgerdomain.ErrInvalidCursor
	}
	id, err := snowflake.ParseString(raw.ID)
	if err != nil {
		return nil, ledgerdomain.ErrInvalidCursor
	}
	parts := strings.Split(raw.Position, "|")
	if len(parts) != 2 {
		return nil, ledgerdomain.ErrInvalidCursor
	}
	start, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, ledgerdomain.ErrInvalidCursor
	}
	end, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return nil, ledgerdomain.ErrInvalidCursor
	}
	return &ledgerdomain.Cursor{PeriodStart: start.UTC(), PeriodEnd: end.UTC(), ID: id}, nil
}

func normalizePeriod(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, ledgerdomain.ErrInvalidPeriod
	}
	start = start.UTC().Truncate(time.Microsecond)
	end = end.UTC().Truncate(time.Microsecond)
	if !end.After(start) {
		return time.Time{}, time.Time{}, ledgerdomain.ErrInvalidPeriod
	}
	return start, end, nil
}
