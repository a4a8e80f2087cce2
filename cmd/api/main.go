package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/retention/internal/analytics"
	"example.com/retention/internal/api"
	"example.com/retention/internal/auth"
	"example.com/retention/internal/config"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/logger"
	"example.com/retention/internal/notify"
	"example.com/retention/internal/outbox"
	"example.com/retention/internal/persistence/memory"
	"example.com/retention/internal/persistence/postgres"
	"example.com/retention/internal/retention"
	httptransport "example.com/retention/internal/transport/http"
)

type store interface {
	domain.UserStore
	domain.ActivityStore
	domain.LastActivityStore
}

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
		lg.Fatal("retention api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	var (
		st   store
		pool *pgxpool.Pool
	)
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		var err error
		pool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = postgres.NewRepository(pool)
	default:
		lg.Warn("using in-memory storage; activity is lost on restart")
		st = memory.NewStore()
	}

	bus := notify.NewBus(lg, subscriber(cfg, pool, lg))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			lg.Warn("notifications still pending at shutdown", zap.Error(err))
		}
	}()

	opts := []retention.Option{
		retention.WithLogger(lg),
		retention.WithLocation(cfg.Location),
		retention.WithNotifier(bus),
	}
	recorder := retention.NewRecorder(st, opts...)
	tracker := retention.NewSignInTracker(st, append(opts, retention.WithInactivityWindow(cfg.LastActivityWindow))...)
	engine := retention.NewCohortEngine(st, st, opts...)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, nil, lg)
	tracking := api.NewTracking(st, recorder, tracker, api.WithTrackingLogger(lg), api.WithDefaultMedium(cfg.TrackingMedium))

	reports := http.NewServeMux()
	api.NewHandler(engine, nil, lg).RegisterRoutes(reports)

	mux := http.NewServeMux()
	mux.Handle("/v1/retention/", authMiddleware.Require(reports))
	mux.Handle("/healthz", reports)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", home)

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	server := httptransport.NewServer(serverCfg, authMiddleware.Optional(tracking.Wrap(requestLog(lg, mux))))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httptransport.Serve(ctx, server, serverCfg.ShutdownTimeout, lg)
	})
	return g.Wait()
}

// subscriber picks how notifications leave the process: outbox rows drained
// by the forwarder, or direct submission to the analytics backends.
func subscriber(cfg config.Config, pool *pgxpool.Pool, lg *zap.Logger) notify.Subscriber {
	if cfg.AnalyticsDelivery == config.DeliveryOutbox && pool != nil {
		lg.Info("delivering analytics through the outbox", zap.String("topic", cfg.RetentionTopic))
		return outbox.NewEnqueuer(pool, cfg.RetentionTopic, lg)
	}
	if cfg.AnalyticsDelivery == config.DeliveryOutbox {
		lg.Warn("outbox delivery needs postgres storage; submitting analytics directly")
	}
	set := analytics.NewSet(analytics.DefaultBackends(cfg.AnalyticsWebhooks, cfg.AnalyticsTimeout, lg), analytics.WithLogger(lg))
	lg.Info("delivering analytics directly", zap.Strings("backends", set.Backends()))
	return analytics.NewSubscriber(set)
}

func home(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("retention service\n"))
}

func requestLog(lg *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		lg.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
