package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"parametric-service/internal/config"
	"parametric-service/internal/database/minio"
	"parametric-service/internal/database/postgres"
	"parametric-service/internal/database/redis"
	"parametric-service/internal/event"
	"parametric-service/internal/handlers"
	"parametric-service/internal/models"
	"parametric-service/internal/observability"
	"parametric-service/internal/pool"
	"parametric-service/internal/repository"
	"parametric-service/internal/services"
	"parametric-service/internal/worker"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func setupLogging(logDir, level string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("log_%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return file, nil
}

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := setupLogging(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Parametric service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Parametric service stopped")
}

func run(ctx context.Context, cfg *config.ParametricServiceConfig) error {
	rules := services.RulesFromConfig(cfg.RulesCfg)

	store, err := openStore(ctx, cfg, rules)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	workers := worker.NewWorkingPool(cfg.WorkerCfg.PoolSize, cfg.WorkerCfg.QueueSize)
	workers.OnDrop = metrics.SideEffectDropped
	capital := pool.NewCapitalPool(cfg.RulesCfg.InitialCapital, cfg.RulesCfg.MaxExposurePct)
	serviceCaller := models.NewCaller(cfg.WorkerCfg.ServiceCallerID,
		models.CapPolicyWrite, models.CapPremiumCollect)

	deps := services.Collaborators{
		Pool:       capital,
		Dispatcher: workers,
		Metrics:    metrics,
	}

	if cfg.MinioCfg.Enabled {
		mc, err := minio.NewMinioClient(cfg.MinioCfg)
		if err != nil {
			slog.Warn("MinIO unavailable, report archive disabled", "error", err)
		} else {
			deps.Archive = services.NewObjectReportArchive(mc, cfg.MinioCfg.ReportBucket)
		}
	}

	var rmq *event.RabbitMQConnection
	if cfg.RabbitMQCfg.Enabled {
		rmq, err = event.ConnectRabbitMQ(cfg.RabbitMQCfg)
		if err != nil {
			slog.Warn("RabbitMQ unavailable, broker ingestion disabled", "error", err)
		} else {
			defer rmq.Close()
			publishCh, err := rmq.Connection.Channel()
			if err != nil {
				return fmt.Errorf("failed to open publish channel: %w", err)
			}
			deps.Notifier = event.NewCertificatePublisher(publishCh)
		}
	}

	policyRegistry := services.NewPolicyRegistry(store, rules, deps)

	var expirations *services.PolicyExpirationService
	if cfg.RedisCfg.Enabled {
		rc, err := redis.NewRedisClient(cfg.RedisCfg.Host, cfg.RedisCfg.Port, cfg.RedisCfg.Password, cfg.RedisCfg.DB)
		if err != nil {
			slog.Warn("Redis unavailable, relying on expiry sweeps", "error", err)
		} else {
			defer rc.Close()
			expirations = services.NewPolicyExpirationService(rc.GetClient(), policyRegistry, serviceCaller, nil)
			policyRegistry.SetExpiryScheduler(expirations)
			deps.Expiry = expirations
		}
	}

	ledger := services.NewTreasuryLedger(store, rules, deps)
	trust := services.TrustedFeed{
		CallerID:   cfg.AuthCfg.TrustedFeedID,
		SourceID:   cfg.AuthCfg.TrustedSourceID,
		WorkflowID: cfg.AuthCfg.TrustedWorkflowID,
	}
	validator := services.NewClaimValidator(store, rules, trust, policyRegistry, ledger, deps)
	settlement := services.NewPremiumSettlement(store, policyRegistry, ledger, deps)

	limiter := handlers.NewSourceRateLimiter(cfg.AuthCfg.ReportRatePerSec, cfg.AuthCfg.ReportRateBurst)
	checks := map[string]func() error{}
	if expirations != nil {
		checks["policy_expiration"] = expirations.HealthCheck
	}

	app := fiber.New()
	handlers.Routes{
		Auth:     handlers.NewAuthenticator(cfg.AuthCfg.JWTSecret),
		Policy:   handlers.NewPolicyHandler(policyRegistry),
		Report:   handlers.NewReportHandler(validator, limiter),
		Treasury: handlers.NewTreasuryHandler(ledger, settlement),
		Gatherer: registry,
		Checks:   checks,
	}.Register(app)

	reserveScheduler := worker.NewJobScheduler("treasury", cfg.WorkerCfg.ReserveInterval, workers)
	reserveScheduler.RunNow = true
	reserveScheduler.AddJob("check_reserves", ledger.CheckReserves)
	reserveScheduler.AddJob("cleanup_rate_limits", func(context.Context) error {
		if n := limiter.Cleanup(); n > 0 {
			slog.Debug("Dropped idle rate limit buckets", "count", n)
		}
		return nil
	})

	sweepScheduler := worker.NewJobScheduler("expiry", cfg.WorkerCfg.SweepInterval, workers)
	sweepScheduler.RunNow = true
	sweepScheduler.AddJob("sweep_expired", func(ctx context.Context) error {
		n, err := policyRegistry.SweepExpired(ctx, serviceCaller, cfg.WorkerCfg.SweepBatch)
		if n > 0 {
			slog.Info("Expired policies swept", "count", n)
		}
		return err
	})

	ingestor := event.NewReportIngestor(validator, event.FeedCaller)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		workers.Start(gctx)
		return nil
	})
	g.Go(func() error {
		reserveScheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweepScheduler.Run(gctx)
		return nil
	})

	if expirations != nil {
		g.Go(func() error {
			err := expirations.StartListener(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// the sweep job covers missed expirations
			slog.Error("Policy expiration listener exited", "error", err)
			return nil
		})
	}

	if rmq != nil {
		if err := startAMQPConsumers(gctx, rmq, ingestor, settlement, serviceCaller); err != nil {
			return err
		}
	}

	if cfg.NatsCfg.Enabled {
		nc, js, err := event.ConnectNATS(cfg.NatsCfg.URL)
		if err != nil {
			slog.Warn("NATS unavailable, JetStream ingestion disabled", "error", err)
		} else {
			defer nc.Close()
			sub := event.NewReportSubscriber(js, cfg.NatsCfg, ingestor)
			if err := sub.EnsureStream(gctx); err != nil {
				return err
			}
			if err := sub.Subscribe(gctx); err != nil {
				return err
			}
			defer sub.Stop()
		}
	}

	g.Go(func() error {
		slog.Info("Starting server", "port", cfg.Port, "store", cfg.Store)
		return app.Listen(fmt.Sprintf("0.0.0.0:%s", cfg.Port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")
		if expirations != nil {
			expirations.Stop()
		}
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.ParametricServiceConfig, rules services.Rules) (repository.Store, error) {
	if cfg.Store == "memory" {
		slog.Warn("Using in-memory store, state is lost on restart")
		return repository.NewMemoryStore(rules.DefaultFeePct), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	db, err := postgres.ConnectWithRetry(connectCtx, cfg.PostgresCfg, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresStore(db)
	if err := store.Init(ctx, rules.DefaultFeePct); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise treasury: %w", err)
	}
	return store, nil
}

func startAMQPConsumers(ctx context.Context, rmq *event.RabbitMQConnection, ingestor *event.ReportIngestor, settlement *services.PremiumSettlement, caller models.Caller) error {
	reportCh, err := rmq.Connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open report channel: %w", err)
	}
	if err := event.NewReportConsumer(reportCh, ingestor).Start(ctx); err != nil {
		return err
	}

	handler := event.NewDefaultPaymentEventHandler(settlement, caller)
	if err := event.NewPaymentConsumer(rmq.Channel, handler).Start(ctx); err != nil {
		return err
	}
	return nil
}
