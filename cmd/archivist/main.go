// Command archivist runs the archival housekeeping loop: it compresses
// event histories of instances that have been inactive past the
// configured window and prunes archives past retention.
//
//	archivist -settings machina.yaml -interval 15m -cleanup -metrics :9090
//
// With -interval 0 it runs a single pass and exits, which suits cron.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/machinaio/machina/pkg/archive"
	"github.com/machinaio/machina/pkg/config"
	"github.com/machinaio/machina/pkg/core"
	"github.com/machinaio/machina/pkg/eventlog"
	"github.com/machinaio/machina/pkg/observability/prometheus"
)

func buildStorage(settings *config.Settings) (archive.Storage, func() error, error) {
	switch settings.Database.Driver {
	case config.DriverMemory:
		store := eventlog.NewMemoryStore()
		storage, err := archive.NewMemoryStorage(store)
		return storage, func() error { return nil }, err
	case config.DriverSQLite:
		store, err := eventlog.NewSQLiteStore(settings.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := archive.NewSQLStorage(store)
		return storage, store.Close, err
	case config.DriverPostgres:
		store, err := eventlog.NewPostgresStore(settings.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := archive.NewSQLStorage(store)
		return storage, store.Close, err
	case config.DriverMySQL:
		store, err := eventlog.NewMySQLStore(settings.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := archive.NewSQLStorage(store)
		return storage, store.Close, err
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", settings.Database.Driver)
	}
}

func pass(ctx context.Context, service *archive.Service, logger core.Logger, limit int, cleanup bool) {
	metrics := prometheus.GetMetrics()
	archived := metrics.Counter("machina_archivist_archived_total", "Instances archived by the housekeeping loop")
	failed := metrics.Counter("machina_archivist_failed_total", "Archival failures in the housekeeping loop")
	pruned := metrics.Counter("machina_archivist_pruned_total", "Archives deleted past retention")

	result, err := service.ArchiveEligible(ctx, limit)
	if err != nil {
		logger.Errorf("archival pass failed: %v", err)
		return
	}
	archived.WithLabelValues().Add(float64(result.Archived))
	failed.WithLabelValues().Add(float64(result.Failed))
	if result.Archived+result.Failed+result.Skipped > 0 {
		logger.Infof("archival pass: %d archived, %d failed, %d skipped",
			result.Archived, result.Failed, result.Skipped)
	}

	if cleanup {
		n, err := service.CleanupOldArchives(ctx)
		if err != nil {
			logger.Errorf("retention cleanup failed: %v", err)
			return
		}
		pruned.WithLabelValues().Add(float64(n))
		if n > 0 {
			logger.Infof("retention cleanup removed %d archives", n)
		}
	}
}

func run(settingsPath string, limit int, interval time.Duration, cleanup bool, metricsAddr string) error {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var logger core.Logger = core.NewDefaultLogger()
	if settings.Logging.Format == "json" {
		logger = core.NewJSONLogger()
	}
	logger = logger.WithFields(map[string]interface{}{"component": "archivist"})

	storage, closeStore, err := buildStorage(settings)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	service, err := archive.NewService(storage, settings.Archival, archive.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("archive service: %w", err)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prometheus.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	status, err := service.Status(ctx)
	if err != nil {
		return fmt.Errorf("archive status: %w", err)
	}
	logger.Infof("archival enabled=%v level=%d days_inactive=%d: %d archives, %d active instances",
		status.Enabled, status.Level, status.DaysInactive, status.Archives, status.ActiveInstances)

	pass(ctx, service, logger, limit, cleanup)
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			pass(ctx, service, logger, limit, cleanup)
		}
	}
}

func main() {
	settingsPath := flag.String("settings", "", "path to a machina settings file (YAML or JSON)")
	limit := flag.Int("limit", 100, "maximum instances to archive per pass")
	interval := flag.Duration("interval", 0, "time between passes; 0 runs one pass and exits")
	cleanup := flag.Bool("cleanup", false, "also delete archives past the retention window")
	metricsAddr := flag.String("metrics", "", "address to serve /metrics on, e.g. :9090; empty disables")
	flag.Parse()

	if err := run(*settingsPath, *limit, *interval, *cleanup, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "archivist:", err)
		os.Exit(1)
	}
}
