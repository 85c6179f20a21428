package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-fincore/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-fincore/internal/app"
	"github.com/odyssey-erp/odyssey-fincore/internal/fiscal"
	fiscalhttp "github.com/odyssey-erp/odyssey-fincore/internal/fiscal/http"
	"github.com/odyssey-erp/odyssey-fincore/internal/ledger"
	"github.com/odyssey-erp/odyssey-fincore/internal/observability"
	"github.com/odyssey-erp/odyssey-fincore/internal/offering"
	offeringhttp "github.com/odyssey-erp/odyssey-fincore/internal/offering/http"
	"github.com/odyssey-erp/odyssey-fincore/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-fincore/internal/platform/db"
	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
	"github.com/odyssey-erp/odyssey-fincore/jobs"
)

type auditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if len(os.Args) > 1 {
		code := runCommand(ctx, cfg, pool, logger, os.Args[1], os.Args[2:])
		pool.Close()
		os.Exit(code)
	}

	metrics := observability.NewMetrics()
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	offeringRepo := offering.NewRepository(pool)

	var numberer offering.Numberer
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("redis unavailable, batch numbers fall back to random suffixes", slog.Any("error", err))
		numberer = offering.NewRandomNumberer(cfg.BatchNumberPrefix)
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		sequence := offering.NewSequenceNumberer(redisClient, cfg.BatchNumberPrefix)
		sequence.WithFloor(offeringRepo)
		numberer = sequence
	}

	var audit auditRecorder = shared.NewAuditLogger(pool)
	if cfg.AuditAsync {
		client := asynq.NewClient(redisOpts)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		audit = jobs.NewAuditEnqueuer(client)
	}

	ledgerRepo := ledger.NewRepository(pool)

	fiscalService := fiscal.NewService(fiscal.NewRepository(pool), audit)
	fiscalService.WithLogger(logger)
	fiscalService.WithMetrics(metrics)

	offeringService := offering.NewService(offeringRepo, numberer, ledgerRepo, audit)
	offeringService.WithLogger(logger)
	offeringService.WithMetrics(metrics)
	offeringService.WithMappingSource(ledgerRepo)
	offeringService.WithIdempotency(shared.NewIdempotencyStore(pool))

	rbacMiddleware := rbac.Middleware{Authorizer: rbac.NewService(pool), Logger: logger}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		RBACMiddleware:  rbacMiddleware,
		FiscalHandler:   fiscalhttp.NewHandler(logger, fiscalService, rbacMiddleware),
		OfferingHandler: offeringhttp.NewHandler(logger, offeringService, rbacMiddleware),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Bool("audit_async", cfg.AuditAsync))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runCommand(ctx context.Context, cfg *app.Config, pool *pgxpool.Pool, logger *slog.Logger, name string, args []string) int {
	switch name {
	case "init-year":
		opts, err := cli.ParseInitYearArgs(args, os.Stderr)
		if err != nil {
			return 1
		}
		service := fiscal.NewService(fiscal.NewRepository(pool), shared.NewAuditLogger(pool))
		service.WithLogger(logger)
		fiscalCLI, err := cli.NewFiscalCLI(service)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return fiscalCLI.InitYearCommand(ctx, opts)
	case "seed-rbac":
		if err := cli.SeedRBAC(ctx, rbac.NewService(pool), os.Stdout, args...); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "trigger-job":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: odyssey trigger-job <task>")
			return 1
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer func() { _ = jobsCLI.Close() }()
		info, err := jobsCLI.Trigger(ctx, args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		pending, _ := jobsCLI.Pending()
		fmt.Fprintf(os.Stdout, "enqueued %s (%s), %d pending\n", info.Type, info.ID, pending)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected init-year, seed-rbac or trigger-job)\n", name)
		return 1
	}
}
