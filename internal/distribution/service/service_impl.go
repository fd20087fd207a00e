package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/royalty/internal/catalog"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/distribution/platforms"
	obslogger "github.com/smallbiznis/royalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
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
	Repo       distributiondomain.Repository
	Registry   *platforms.Registry
	Policies   *config.PolicyHolder
	Entities   catalog.EntityLookup               `optional:"true"`
	Publisher  distributiondomain.StatusPublisher `optional:"true"`
	ObsMetrics *obsmetrics.Metrics                `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       distributiondomain.Repository
	registry   *platforms.Registry
	policies   *config.PolicyHolder
	entities   catalog.EntityLookup
	publisher  distributiondomain.StatusPublisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) distributiondomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = distributiondomain.NoopPublisher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("distribution.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		registry:   p.Registry,
		policies:   p.Policies,
		entities:   p.Entities,
		publisher:  publisher,
		obsMetrics: p.ObsMetrics,
	}
}

// Submit creates the record for (release, platform) if needed and sends the
// release to the platform. Only a pending record can be submitted.
func (s *Service) Submit(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	releaseID, platformID, platform, err := s.resolve(releaseID, platformID)
	if err != nil {
		return nil, err
	}
	if s.entities != nil {
		ok, err := s.entities.Exists(ctx, releaseID)
		if err != nil {
			return nil, royaltyerr.External("catalog", err)
		}
		if !ok {
			return nil, distributiondomain.ErrUnknownRelease
		}
	}

	now := s.clock.Now()
	if _, err := s.repo.InsertRecord(ctx, s.db, &distributiondomain.Record{
		ID:               s.genID.Generate(),
		ReleaseID:        releaseID,
		PlatformID:       platformID,
		Status:           distributiondomain.StatusPending,
		LastTransitionAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return nil, err
	}
	record, err := s.load(ctx, releaseID, platformID)
	if err != nil {
		return nil, err
	}
	if record.Status != distributiondomain.StatusPending {
		return nil, transitionError(record, distributiondomain.StatusProcessing, "")
	}
	return s.submit(ctx, platform, record)
}

// Retry moves a failed record back to pending and resubmits it while the
// attempt budget allows.
func (s *Service) Retry(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	releaseID, platformID, platform, err := s.resolve(releaseID, platformID)
	if err != nil {
		return nil, err
	}
	record, err := s.load(ctx, releaseID, platformID)
	if err != nil {
		return nil, err
	}
	if record.Status != distributiondomain.StatusFailed {
		return nil, transitionError(record, distributiondomain.StatusPending, "")
	}
	if record.Attempts > s.policies.Get().Distribution.MaxRetries {
		return nil, fmt.Errorf("%s on %s: %w", releaseID, platformID, distributiondomain.ErrRetryLimitExceeded)
	}

	if err := s.move(ctx, record, distributiondomain.StatusPending, nil); err != nil {
		return nil, err
	}
	record, err = s.load(ctx, releaseID, platformID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, platform, record)
}

func (s *Service) submit(ctx context.Context, platform distributiondomain.Platform, record *distributiondomain.Record) (*distributiondomain.Record, error) {
	if err := s.registry.Wait(ctx, record.PlatformID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.move(ctx, record, distributiondomain.StatusProcessing, map[string]any{
		"attempts":      gorm.Expr("attempts + 1"),
		"submitted_at":  now,
		"error_message": nil,
	}); err != nil {
		return nil, err
	}
	record, err := s.load(ctx, record.ReleaseID, record.PlatformID)
	if err != nil {
		return nil, err
	}

	platformReleaseID, err := platform.Submit(ctx, distributiondomain.SubmitRequest{
		ReleaseID: record.ReleaseID,
		Attempt:   record.Attempts,
	})
	if err != nil {
		message := err.Error()
		if moveErr := s.move(ctx, record, distributiondomain.StatusFailed, map[string]any{
			"error_message": message,
		}); moveErr != nil {
			s.log.Error("failed to record submission failure",
				zap.String("release_id", record.ReleaseID),
				zap.String("platform_id", record.PlatformID),
				zap.Error(moveErr),
			)
		}
		return nil, royaltyerr.External("platform:"+record.PlatformID, err)
	}

	if _, err := s.repo.UpdateRecord(ctx, s.db, record.ID, distributiondomain.StatusProcessing, map[string]any{
		"platform_release_id": platformReleaseID,
		"updated_at":          s.clock.Now(),
	}); err != nil {
		return nil, err
	}
	obslogger.WithContext(ctx, s.log).Info("release submitted",
		zap.String("release_id", record.ReleaseID),
		zap.String("platform_id", record.PlatformID),
		zap.String("platform_release_id", platformReleaseID),
		zap.Int("attempt", record.Attempts),
	)
	return s.load(ctx, record.ReleaseID, record.PlatformID)
}

// ApplyCallback records a platform notification and applies it when it moves
// the record forward. Stale, backward and repeated callbacks change nothing.
func (s *Service) ApplyCallback(ctx context.Context, platformID string, payload []byte) (*distributiondomain.CallbackResult, error) {
	platformID = normalize(platformID)
	if platformID == "" {
		return nil, distributiondomain.ErrInvalidPlatform
	}
	platform, err := s.registry.Get(platformID)
	if err != nil {
		return nil, err
	}
	callback, err := platform.ParseCallback(ctx, payload)
	if err != nil {
		return nil, royaltyerr.External("platform:"+platformID, err)
	}

	var (
		result *distributiondomain.CallbackResult
		change *distributiondomain.StatusChange
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindByPlatformRelease(ctx, tx, platformID, callback.PlatformReleaseID)
		if err != nil {
			return err
		}
		if record == nil {
			return royaltyerr.External("platform:"+platformID,
				fmt.Errorf("%w: %s", distributiondomain.ErrUnknownPlatformRelease, callback.PlatformReleaseID))
		}

		to, reason := distributiondomain.NextStatus(*record, *callback)
		now := s.clock.Now()
		inserted, err := s.repo.InsertEvent(ctx, tx, &distributiondomain.Event{
			ID:                s.genID.Generate(),
			PlatformID:        platformID,
			PlatformReleaseID: callback.PlatformReleaseID,
			EventType:         callback.Type,
			EventAt:           callback.EventAt,
			RecordID:          record.ID,
			Applied:           reason == "",
			Reason:            reason,
			Message:           callback.Message,
			Payload:           jsonPayload(payload),
			ReceivedAt:        now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			result = &distributiondomain.CallbackResult{Status: distributiondomain.CallbackStatusDuplicate, Record: record}
			return nil
		}
		if reason != "" {
			result = &distributiondomain.CallbackResult{
				Status: distributiondomain.CallbackStatusDiscarded,
				Reason: reason,
				Record: record,
			}
			return nil
		}

		values := map[string]any{
			"status":             to,
			"last_transition_at": callback.EventAt,
			"updated_at":         now,
		}
		switch to {
		case distributiondomain.StatusLive:
			values["live_date"] = callback.EventAt
		case distributiondomain.StatusFailed:
			message := callback.Message
			if message == "" {
				message = string(callback.Type)
			}
			values["error_message"] = message
		}
		ok, err := s.repo.UpdateRecord(ctx, tx, record.ID, record.Status, values)
		if err != nil {
			return err
		}
		if !ok {
			return transitionError(record, to, "concurrent_update")
		}
		updated, err := s.repo.FindRecord(ctx, tx, record.ReleaseID, record.PlatformID)
		if err != nil {
			return err
		}
		result = &distributiondomain.CallbackResult{Status: distributiondomain.CallbackStatusApplied, Record: updated}
		change = &distributiondomain.StatusChange{
			ReleaseID:         record.ReleaseID,
			PlatformID:        record.PlatformID,
			PlatformReleaseID: callback.PlatformReleaseID,
			From:              record.Status,
			To:                to,
			At:                callback.EventAt,
			Message:           callback.Message,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("platform_id", platformID),
		zap.String("platform_release_id", callback.PlatformReleaseID),
		zap.String("event_type", string(callback.Type)),
	)
	switch result.Status {
	case distributiondomain.CallbackStatusApplied:
		s.notify(ctx, *change)
		log.Info("distribution callback applied", zap.String("status", string(change.To)))
	case distributiondomain.CallbackStatusDiscarded:
		s.obsMetrics.RecordCallbackDiscarded(ctx, platformID, result.Reason)
		log.Info("distribution callback discarded", zap.String("reason", result.Reason))
	default:
		s.obsMetrics.RecordCallbackDiscarded(ctx, platformID, string(distributiondomain.CallbackStatusDuplicate))
		log.Debug("duplicate distribution callback")
	}
	return result, nil
}

// Takedown withdraws a live release from its platform.
func (s *Service) Takedown(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	releaseID, platformID, platform, err := s.resolve(releaseID, platformID)
	if err != nil {
		return nil, err
	}
	record, err := s.load(ctx, releaseID, platformID)
	if err != nil {
		return nil, err
	}
	if record.Status != distributiondomain.StatusLive || record.PlatformReleaseID == nil {
		return nil, transitionError(record, distributiondomain.StatusRemoved, "")
	}

	if err := s.registry.Wait(ctx, platformID); err != nil {
		return nil, err
	}
	if err := platform.Cancel(ctx, *record.PlatformReleaseID); err != nil {
		return nil, royaltyerr.External("platform:"+platformID, err)
	}
	if err := s.move(ctx, record, distributiondomain.StatusRemoved, nil); err != nil {
		return nil, err
	}
	return s.load(ctx, releaseID, platformID)
}

func (s *Service) Get(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	releaseID = strings.TrimSpace(releaseID)
	if releaseID == "" {
		return nil, distributiondomain.ErrInvalidRelease
	}
	platformID = normalize(platformID)
	if platformID == "" {
		return nil, distributiondomain.ErrInvalidPlatform
	}
	return s.load(ctx, releaseID, platformID)
}

func (s *Service) ListByRelease(ctx context.Context, releaseID string) ([]distributiondomain.Record, error) {
	releaseID = strings.TrimSpace(releaseID)
	if releaseID == "" {
		return nil, distributiondomain.ErrInvalidRelease
	}
	return s.repo.ListByRelease(ctx, s.db, releaseID)
}

func (s *Service) resolve(releaseID, platformID string) (string, string, distributiondomain.Platform, error) {
	releaseID = strings.TrimSpace(releaseID)
	if releaseID == "" {
		return "", "", nil, distributiondomain.ErrInvalidRelease
	}
	platformID = normalize(platformID)
	if platformID == "" {
		return "", "", nil, distributiondomain.ErrInvalidPlatform
	}
	platform, err := s.registry.Get(platformID)
	if err != nil {
		return "", "", nil, err
	}
	return releaseID, platformID, platform, nil
}

func (s *Service) load(ctx context.Context, releaseID, platformID string) (*distributiondomain.Record, error) {
	record, err := s.repo.FindRecord(ctx, s.db, releaseID, platformID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, distributiondomain.ErrRecordNotFound
	}
	return record, nil
}

// move performs an engine-initiated transition guarded by the record's
// current status and publishes it.
func (s *Service) move(ctx context.Context, record *distributiondomain.Record, to distributiondomain.Status, extra map[string]any) error {
	now := s.clock.Now()
	values := map[string]any{
		"status":             to,
		"last_transition_at": now,
		"updated_at":         now,
	}
	for k, v := range extra {
		values[k] = v
	}
	ok, err := s.repo.UpdateRecord(ctx, s.db, record.ID, record.Status, values)
	if err != nil {
		return err
	}
	if !ok {
		current, err := s.load(ctx, record.ReleaseID, record.PlatformID)
		if err != nil {
			return err
		}
		return transitionError(current, to, "")
	}

	change := distributiondomain.StatusChange{
		ReleaseID:  record.ReleaseID,
		PlatformID: record.PlatformID,
		From:       record.Status,
		To:         to,
		At:         now,
	}
	if record.PlatformReleaseID != nil {
		change.PlatformReleaseID = *record.PlatformReleaseID
	}
	if msg, ok := extra["error_message"].(string); ok {
		change.Message = msg
	}
	s.notify(ctx, change)
	return nil
}

func (s *Service) notify(ctx context.Context, change distributiondomain.StatusChange) {
	s.obsMetrics.RecordDistributionEvent(ctx, change.PlatformID, string(change.To))
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.log.Warn("failed to publish distribution status",
			zap.String("release_id", change.ReleaseID),
			zap.String("platform_id", change.PlatformID),
			zap.String("status", string(change.To)),
			zap.Error(err),
		)
	}
}

func transitionError(record *distributiondomain.Record, to distributiondomain.Status, reason string) error {
	return &royaltyerr.StateTransitionError{
		Resource: "distribution",
		ID:       record.ReleaseID + "/" + record.PlatformID,
		From:     string(record.Status),
		To:       string(to),
		Reason:   reason,
	}
}

func jsonPayload(payload []byte) datatypes.JSON {
	if len(payload) == 0 || !json.Valid(payload) {
		return nil
	}
	return datatypes.JSON(payload)
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
