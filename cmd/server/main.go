package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	audithandler "carenotes/internal/audit/handler"
	auditmetrics "carenotes/internal/audit/metrics"
	"carenotes/internal/audit/outbox"
	"carenotes/internal/audit/service"
	"carenotes/internal/audit/store/memory"
	pgstore "carenotes/internal/audit/store/postgres"
	"carenotes/internal/compliance"
	jwttoken "carenotes/internal/jwt_token"
	"carenotes/internal/platform/config"
	"carenotes/internal/platform/httpserver"
	"carenotes/internal/platform/kafka/producer"
	"carenotes/internal/platform/logger"
	"carenotes/internal/platform/metrics"
	"carenotes/internal/platform/postgres"
	"carenotes/internal/platform/redis"
	"carenotes/internal/retention"
	httptransport "carenotes/internal/transport/http"
)

// main wires dependencies and runs the HTTP server, the retention scheduler
// and the outbox publisher until SIGINT or SIGTERM.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CARENOTES_CONFIG"))
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)
	if cfg.UsesDevSigningKey() {
		log.Warn("using development JWT signing key; set CARENOTES_AUTH_JWT_SIGNING_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.DefaultRegisterer
	httpMetrics := metrics.New(reg)
	auditMetrics := auditmetrics.New(reg)
	health := map[string]httptransport.HealthCheck{}

	var store service.Store = memory.NewInMemoryStore()
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := pgstore.Migrate(ctx, db); err != nil {
			return err
		}
		store = pgstore.New(db,
			pgstore.WithTxTimeout(cfg.Database.TxTimeout),
			pgstore.WithOutbox(cfg.Streaming()),
		)
		health["postgres"] = db.PingContext
		log.Info("audit store: postgres")
	} else {
		log.Warn("audit store: in-memory; events are lost on restart")
	}

	audit := service.New(store,
		service.WithLogger(log),
		service.WithMetrics(auditMetrics),
		service.WithTracer(otel.Tracer("carenotes/audit")),
		service.WithExportAuditing(cfg.Audit.ExportAuditing),
	)
	reports := compliance.NewGenerator(audit, compliance.WithLogger(log))

	jwtService := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.Audience)
	auditHandler := audithandler.New(audit, reports, log, httpMetrics, jwttoken.NewJWTServiceAdapter(jwtService))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Retention.Enabled {
		scheduler, err := newScheduler(gctx, cfg, log, audit, auditMetrics, health)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(scheduler.Run(gctx)) })
	}

	if cfg.Streaming() {
		p, err := producer.New(producer.Config{Brokers: cfg.Kafka.Brokers, ClientID: cfg.Kafka.ClientID})
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.EnsureTopic(ctx, cfg.Kafka.Topic); err != nil {
			return err
		}
		health["kafka"] = p.Health
		worker := outbox.New(pgstore.NewOutboxStore(db), outbox.NewStreamPublisher(p, cfg.Kafka.Topic),
			outbox.WithLogger(log),
			outbox.WithMetrics(outbox.NewMetrics(reg)),
			outbox.WithInterval(cfg.Kafka.Interval),
			outbox.WithRetainPublished(cfg.Kafka.OutboxRetention),
		)
		g.Go(func() error { return ignoreCancel(worker.Run(gctx)) })
		log.Info("streaming audit events", "topic", cfg.Kafka.Topic)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:  log,
		Metrics: httpMetrics,
		Health:  health,
		Routes:  []httptransport.Registrar{auditHandler},
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g.Go(func() error {
		log.Info("starting carenotes audit service", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newScheduler(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	audit *service.Service,
	m *auditmetrics.Metrics,
	health map[string]httptransport.HealthCheck,
) (*retention.Scheduler, error) {
	policy, err := retention.LoadPolicy(cfg.Retention.PolicyFile)
	if err != nil {
		return nil, err
	}
	opts := []retention.Option{
		retention.WithLogger(log),
		retention.WithMetrics(m),
		retention.WithInterval(cfg.Retention.Interval),
		retention.WithLockTTL(cfg.Retention.LockTTL),
		retention.WithConcurrency(cfg.Retention.Concurrency),
	}
	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		health["redis"] = rdb.Health
		opts = append(opts, retention.WithLocker(retention.NewRedisLocker(rdb.Client)))
	} else {
		log.Warn("retention lock is in-process; run a single replica or configure redis")
	}
	return retention.New(audit, policy, opts...), nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
