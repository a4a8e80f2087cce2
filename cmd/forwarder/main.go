package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/retention/internal/analytics"
	"example.com/retention/internal/config"
	"example.com/retention/internal/consumer"
	"example.com/retention/internal/logger"
	"example.com/retention/internal/outbox"
	httptransport "example.com/retention/internal/transport/http"
)

const defaultDLQBatchSize = 50

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("forwarder stopped", zap.Error(err))
	}
}

// run drains the outbox to Kafka, replays the DLQ, and forwards consumed
// events to the analytics backends until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer func() {
		if err := producer.Close(); err != nil {
			lg.Warn("close kafka producer", zap.Error(err))
		}
	}()

	dispatcher := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(lg))
	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, lg)

	set := analytics.NewSet(analytics.DefaultBackends(cfg.AnalyticsWebhooks, cfg.AnalyticsTimeout, lg), analytics.WithLogger(lg))
	handler := consumer.NewAnalyticsHandler(analytics.NewSubscriber(set), lg)

	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	metricsSrv := httptransport.NewServer(metricsCfg, promhttp.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httptransport.Serve(ctx, metricsSrv, metricsCfg.ShutdownTimeout, lg)
	})
	g.Go(func() error {
		lg.Info("outbox dispatcher started", zap.Duration("interval", cfg.OutboxPollInterval))
		dispatcher.Start(ctx)
		return nil
	})
	g.Go(func() error {
		runDLQ(ctx, quartz.NewReal(), manager, cfg.DLQPollInterval, lg)
		return nil
	})
	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(lg))
		g.Go(func() error {
			defer reader.Close()
			lg.Info("consumer started", zap.String("topic", topic), zap.String("group", cfg.ConsumerGroupID))
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

type dlqRunner interface {
	RunOnce(ctx context.Context, limit int) (int, error)
}

// runDLQ replays due DLQ entries every interval until ctx ends.
func runDLQ(ctx context.Context, clock quartz.Clock, manager dlqRunner, interval time.Duration, lg *zap.Logger) {
	lg.Info("dlq manager started", zap.Duration("interval", interval))
	_ = clock.TickerFunc(ctx, interval, func() error {
		requeued, err := manager.RunOnce(ctx, defaultDLQBatchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("dlq manager error", zap.Error(err))
		} else if requeued > 0 {
			lg.Info("dlq manager requeued entries", zap.Int("requeued", requeued))
		}
		return nil
	}, "forwarder", "dlq").Wait()
}
