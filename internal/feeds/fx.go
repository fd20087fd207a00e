package feeds

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/royalty/internal/config"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/engine"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("feeds",
	fx.Provide(NewQuarantine),
	fx.Provide(ProvideStatusPublisher),
	fx.Invoke(RegisterConsumers),
)

// ProvideStatusPublisher publishes to the status topic when kafka is
// configured and drops changes otherwise.
func ProvideStatusPublisher(lc fx.Lifecycle, cfg config.Config) distributiondomain.StatusPublisher {
	if !cfg.Kafka.Enabled() || cfg.Kafka.StatusTopic == "" {
		return distributiondomain.NoopPublisher{}
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.StatusTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return writer.Close()
		},
	})
	return NewStatusPublisher(writer)
}

type ConsumerParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     config.Config
	Engine     *engine.Engine
	Quarantine *Quarantine
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func RegisterConsumers(p ConsumerParams) {
	if !p.Config.Kafka.Enabled() {
		p.Log.Info("kafka brokers not configured, feed consumers disabled")
		return
	}

	feeds := []struct {
		name   string
		topic  string
		handle Handler
	}{
		{"revenue", p.Config.Kafka.RevenueTopic, RevenueHandler(p.Engine, p.Log)},
		{"callbacks", p.Config.Kafka.CallbackTopic, CallbackHandler(p.Engine, p.Log)},
	}

	for _, feed := range feeds {
		if feed.topic == "" {
			continue
		}
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  p.Config.Kafka.Brokers,
			GroupID:  p.Config.Kafka.GroupID,
			Topic:    feed.topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		consumer := NewConsumer(ConsumerConfig{
			Name:        feed.name,
			Workers:     p.Config.Kafka.Workers,
			MaxAttempts: p.Config.Kafka.MaxAttempts,
		}, reader, feed.handle, p.Quarantine, p.Log, p.ObsMetrics)

		var (
			cancel context.CancelFunc
			done   = make(chan struct{})
		)
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				var ctx context.Context
				ctx, cancel = context.WithCancel(context.Background())
				go func() {
					defer close(done)
					if err := consumer.Run(ctx); err != nil {
						p.Log.Error("feed consumer exited", zap.Error(err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
				return nil
			},
		})
	}
}
