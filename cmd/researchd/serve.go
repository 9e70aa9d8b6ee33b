package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/detector"
	"github.com/mohammad-safakhou/deepresearch/internal/engine"
	"github.com/mohammad-safakhou/deepresearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepresearch/internal/runtime"
	srv "github.com/mohammad-safakhou/deepresearch/internal/server"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/spf13/cobra"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var migrate bool
	var migDir string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the research worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if migrate {
				if err := store.Migrate(migDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			ctx, cancel := runtime.SignalContext(context.Background(), serviceName)
			defer cancel()
			return runServe(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving")
	serve.Flags().StringVar(&migDir, "migrations", store.DefaultMigrationsDir, "migrations source used with --migrate")
	return serve
}

func runServe(ctx context.Context, cfg *config.Config) error {
	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceVersion: srv.Version,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(sctx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	st, err := runtime.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := runtime.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}
	var mirror *audit.RedisMirror
	if rdb != nil {
		defer rdb.Close()
		mirror = audit.NewRedisMirror(rdb, cfg.Audit.RedisStream, cfg.Audit.RedisMaxLen)
	}

	auditOpts := audit.Options{
		Path: cfg.Audit.LogFile,
		Ops:  log.New(os.Stdout, "[AUDIT] ", log.LstdFlags),
	}
	if cfg.Audit.Console {
		auditOpts.Console = os.Stdout
	}
	if mirror != nil {
		auditOpts.Mirror = mirror
	}
	auditLog, err := audit.New(auditOpts)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	eng, err := engine.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.APIKey, cfg.Engine.Timeout, cfg.Engine.Retries)
	if err != nil {
		return err
	}

	detOpts := detector.Options{
		IterationThreshold: cfg.Detector.IterationThreshold,
		MaxErrors:          cfg.Detector.MaxErrors,
	}
	tail := cfg.Detector.WatchTail
	snapshot := func() ([]audit.Event, error) { return audit.Tail(auditLog.Path(), tail) }

	orch := orchestrator.New(
		log.New(os.Stdout, "[ORCH] ", log.LstdFlags),
		st, eng, auditLog,
		orchestrator.Options{
			MaxWorkers:      cfg.Orchestrator.MaxWorkers,
			QueueSize:       cfg.Orchestrator.QueueSize,
			ReconcilePolicy: cfg.Orchestrator.ReconcilePolicy,
			Snapshot:        snapshot,
			DetectorOptions: detOpts,
		},
		meter, tracer,
	)
	if _, err := orch.Reconcile(ctx); err != nil {
		return err
	}
	orch.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := orch.Shutdown(sctx); err != nil {
			log.Printf("orchestrator shutdown: %v", err)
		}
	}()

	if cfg.Detector.WatchCron != "" {
		wd, err := detector.NewWatchdog(cfg.Detector.WatchCron, snapshot, detOpts, log.New(os.Stdout, "[WATCHDOG] ", log.LstdFlags))
		if err != nil {
			return err
		}
		wd.Start()
		defer wd.Stop()
	}

	deps := srv.Deps{
		Tasks:       st,
		Orch:        orch,
		Audit:       auditLog,
		AuditPath:   auditLog.Path(),
		Detector:    detOpts,
		JWTSecret:   secret,
		IngestToken: cfg.Server.IngestToken,
		Logger:      log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
		Debug:       cfg.General.Debug,
	}
	if mirror != nil {
		deps.Stream = mirror
	}
	return srv.Run(ctx, cfg.Server.Address, srv.New(deps))
}
