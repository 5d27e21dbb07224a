package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	api "github.com/nctb-archive/pdfgrab/internal/api/http"
	"github.com/nctb-archive/pdfgrab/internal/catalog"
	cfgpkg "github.com/nctb-archive/pdfgrab/internal/config"
	"github.com/nctb-archive/pdfgrab/internal/domain"
	"github.com/nctb-archive/pdfgrab/internal/fetch"
	"github.com/nctb-archive/pdfgrab/internal/ledger"
	"github.com/nctb-archive/pdfgrab/internal/scheduler"
)

// failedListLimit caps how many failing identifiers the summary enumerates.
const failedListLimit = 10

func main() {
	retryOnly := flag.Bool("retry", false, "retry only the failed entries recorded in the ledger")
	catalogPath := flag.String("catalog", "", "load a single catalog file instead of scanning the base directory")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := cfgpkg.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	cfgpkg.SetupLogger(cfg)
	slog.Info("configuration loaded successfully", "environment", cfg.Environment)

	led, err := ledger.Open(cfg.LedgerFile)
	if err != nil {
		slog.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}

	// Prove the persistence target is writable before dispatching anything;
	// an unwritable ledger aborts the run while it is still a no-op.
	if err := led.Persist(); err != nil {
		slog.Error("ledger target is not writable", "error", err)
		os.Exit(1)
	}

	tasks, err := loadTasks(cfg, led, *retryOnly, *catalogPath)
	if err != nil {
		slog.Error("failed to load task catalog", "error", err)
		os.Exit(1)
	}

	if len(tasks) == 0 {
		slog.Info("no tasks to run")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StatusPort > 0 {
		startStatusServer(ctx, cfg, led)
	}

	fetcher := fetch.New(fetch.Options{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.AttemptTimeout,
		MinSize:     cfg.MinFileSize,
		BackoffCap:  cfg.BackoffCap,
	}, slog.Default())

	sched := scheduler.New(fetcher, led, slog.Default(), cfg.Workers, cfg.MinFileSize)

	runErr := sched.Run(ctx, tasks)
	if runErr != nil {
		slog.Warn("run interrupted, persisting partial progress", "reason", runErr)
	}

	if err := led.Persist(); err != nil {
		slog.Error("failed to persist ledger", "error", err)
		os.Exit(1)
	}

	printSummary(led)
}

// loadTasks picks the task source: the ledger's failed subset for a
// retry-only run, a single catalog file, or discovery under the base dir.
func loadTasks(cfg *cfgpkg.Config, led *ledger.Ledger, retryOnly bool, catalogPath string) ([]domain.Task, error) {
	if retryOnly {
		tasks := led.FailedTasks()
		if catalogPath != "" {
			// Restrict the retry to identifiers the catalog still lists,
			// taking the catalog's current URL and destination for each.
			fromCatalog, err := catalog.Load(catalogPath)
			if err != nil {
				return nil, err
			}
			byID := make(map[string]domain.Task, len(fromCatalog))
			for _, task := range fromCatalog {
				byID[task.ID] = task
			}
			kept := tasks[:0]
			for _, task := range tasks {
				if current, ok := byID[task.ID]; ok {
					kept = append(kept, current)
				}
			}
			tasks = kept
		}
		slog.Info("retry-only run", "failed_entries", len(tasks))
		return tasks, nil
	}

	if catalogPath != "" {
		return catalog.Load(catalogPath)
	}

	tasks, err := catalog.Discover(cfg.BaseDir)
	if err != nil {
		if errors.Is(err, catalog.ErrNoCatalog) {
			return nil, fmt.Errorf("nothing to download: %w", err)
		}
		return nil, err
	}
	return tasks, nil
}

func startStatusServer(ctx context.Context, cfg *cfgpkg.Config, led *ledger.Ledger) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.StatusPort),
		Handler:      api.NewRouter(led),
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  cfg.HTTPTimeout,
	}

	go func() {
		slog.Info("status server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server shutdown failed", "error", err)
		}
	}()
}

// printSummary logs the aggregate counters and the failing identifiers with
// their last error so a retry-only run can be driven from the output alone.
// Partial failures do not change the exit status; they live in the ledger.
func printSummary(led *ledger.Ledger) {
	totals := led.Totals()
	slog.Info("run complete",
		"tasks", totals.Tasks,
		"downloaded", totals.Succeeded,
		"skipped_existing", totals.Skipped,
		"failed", totals.Failed,
		"total_bytes", totals.Bytes,
	)

	failed := led.FailedEntries()
	for i, f := range failed {
		if i == failedListLimit {
			slog.Warn("more failures omitted", "remaining", len(failed)-failedListLimit)
			break
		}
		slog.Warn("task failed", "task_id", f.ID, "url", f.SourceURL, "error", f.Error)
	}
}
