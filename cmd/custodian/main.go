// custodian migrates user content into managed archival accounts and
// converts drained accounts to standalone personal accounts. One binary:
// HTTP API, discovery seeder, migration runner, deprovision runner.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/stor-ops/custodian/internal/api"
	"github.com/stor-ops/custodian/internal/config"
	"github.com/stor-ops/custodian/internal/driver"
	"github.com/stor-ops/custodian/internal/models"
	"github.com/stor-ops/custodian/internal/notify"
	"github.com/stor-ops/custodian/internal/remote"
	"github.com/stor-ops/custodian/internal/step"
	"github.com/stor-ops/custodian/internal/store"
	"github.com/stor-ops/custodian/internal/workflow"
)

func main() {
	cfg := config.Parse()

	// 1. Logging
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Stores
	var (
		tracker store.Tracker
		ledger  store.Ledger
	)
	if cfg.Dev {
		log.Info("dev mode: in-memory stores, no databases")
		tracker = store.NewMemoryTracker()
		ledger = store.NewMemoryLedger()
	} else {
		trackerPool := mustPool(ctx, log, "tracker", cfg.Database.TrackerDSN)
		defer trackerPool.Close()
		ledgerPool := mustPool(ctx, log, "ledger", cfg.Database.LedgerDSN)
		defer ledgerPool.Close()

		if err := store.Migrate(migrateURL(cfg.Database.TrackerDSN), "tracker"); err != nil {
			fatal(log, "tracker migration failed", err)
		}
		if err := store.Migrate(migrateURL(cfg.Database.LedgerDSN), "ledger"); err != nil {
			fatal(log, "ledger migration failed", err)
		}

		tracker = store.NewPGTracker(trackerPool)
		ledger = store.NewPGLedger(ledgerPool)
	}

	// 3. Notifier
	var notifier notify.Notifier
	if cfg.Dev || cfg.SMTP.Host == "" {
		notifier = &notify.LogNotifier{Log: log}
	} else {
		notifier = notify.NewSMTPNotifier(cfg.SMTP, log)
	}

	// 4. Workflow factories
	exec := &step.Executor{Log: log}
	policy := step.Policy{Delay: cfg.Workflow.RetryDelay.Std(), Log: log}

	newMigration := func(progress func(string)) *workflow.Migration {
		return &workflow.Migration{
			Tracker:           tracker,
			Ledger:            ledger,
			Remote:            remote.NewClient(cfg.Provider, log),
			Exec:              exec,
			Retry:             policy,
			BootstrapAttempts: cfg.Workflow.BootstrapAttempts,
			ItemAttempts:      cfg.Workflow.ItemAttempts,
			Notifier:          notifier,
			Operator:          cfg.SMTP.Operator,
			Log:               log,
			Progress:          progress,
		}
	}
	newDeprovision := func(progress func(string)) *workflow.Deprovision {
		return &workflow.Deprovision{
			Remote:             remote.NewClient(cfg.Provider, log),
			Exec:               exec,
			Retry:              policy,
			Attempts:           cfg.Workflow.ItemAttempts,
			MaxRounds:          cfg.Workflow.MaxDrainRounds,
			PersonalQuotaBytes: cfg.Workflow.PersonalQuotaBytes,
			Notifier:           notifier,
			Log:                log,
			Progress:           progress,
		}
	}

	// 5. Drivers
	go (&driver.Seeder{
		Tracker:  tracker,
		Interval: cfg.Scheduler.SeedInterval.Std(),
		Log:      log,
	}).Run(ctx)
	go (&driver.Runner{
		Tracker:      tracker,
		NewMigration: newMigration,
		Interval:     cfg.Scheduler.RunInterval.Std(),
		Log:          log,
	}).Run(ctx)
	go (&driver.DeprovisionRunner{
		Tracker:        tracker,
		NewDeprovision: newDeprovision,
		Interval:       cfg.Scheduler.DeprovisionInterval.Std(),
		Log:            log,
	}).Run(ctx)

	// 6. HTTP server
	server := &api.Server{
		Tracker:        tracker,
		Runs:           models.NewRunStore(),
		Log:            log,
		NewMigration:   newMigration,
		NewDeprovision: newDeprovision,
	}
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewRouter(server),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.Listen))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "server failed", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// mustPool opens a pgx pool and pings it with a few short retries so a
// briefly unavailable database does not kill startup.
func mustPool(ctx context.Context, log *slog.Logger, name, dsn string) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		fatal(log, "opening "+name+" database", err)
	}
	err = retry.Call(retry.CallArgs{
		Func: func() error { return pool.Ping(ctx) },
		NotifyFunc: func(err error, attempt int) {
			log.Warn("database ping failed",
				slog.String("database", name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
		Attempts: 5,
		Delay:    2 * time.Second,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		fatal(log, "pinging "+name+" database", err)
	}
	return pool
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the
// migration driver registers under.
func migrateURL(dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "postgres://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(dsn, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	return dsn
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
