// Command reconcile promotes today's orphaned check-ins once and exits. It is the manual
// counterpart of the server's background reconciler, for use after an outage or with
// RECONCILE_INTERVAL disabled. Running servers pick up the change through the Redis relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/adapter/eventpublisher"
	"github.com/pscheid92/consultq/internal/adapter/postgres"
	"github.com/pscheid92/consultq/internal/adapter/redis"
	"github.com/pscheid92/consultq/internal/app"
	"github.com/pscheid92/consultq/internal/cache"
	"github.com/pscheid92/consultq/internal/platform/config"
	"github.com/pscheid92/consultq/internal/platform/logging"
)

func main() {
	var (
		dryRun   = flag.Bool("dry-run", false, "List providers with orphaned check-ins without promoting them")
		provider = flag.String("provider", "", "Only reconcile this provider id")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		log.Fatalf("reconcile requires STORE_DRIVER=%s", config.StoreDriverPostgres)
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, *provider, *dryRun); err != nil {
		log.Fatalf("Reconcile failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, only string, dryRun bool) error {
	clock := clockwork.NewRealClock()
	instanceID := "reconcile-" + uuid.NewString()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.RedisURL, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(cfg.RedisURL))

	statusCache, err := cache.New(cfg.StatusCacheSize, cfg.StatusCacheTTL, clock)
	if err != nil {
		return err
	}

	// No local connections here: events only go out through the relay.
	invalidation := redis.NewInvalidationBus(rdb, statusCache, instanceID)
	publisher := eventpublisher.New(redis.NewRelay(rdb, nil, instanceID), nil, invalidation)

	db := postgres.NewDB(pool, cfg.AdmissionTimeout)
	svc := app.NewService(app.Deps{
		Appointments: postgres.NewAppointmentRepo(db, clock),
		Ledger:       postgres.NewQueueRepo(db),
		Tx:           db,
		Cache:        statusCache,
		Invalidation: publisher,
		Events:       publisher,
		Clock:        clock,
	}, app.Options{
		AdmissionTimeout: cfg.AdmissionTimeout,
		MaxAttempts:      cfg.AdmissionMaxAttempts,
		CacheTTL:         cfg.StatusCacheTTL,
		Location:         cfg.Location(),
		Estimator:        app.FixedEstimator{MinutesPerPatron: cfg.WaitMinutesPerPatron},
	})

	providers, err := targets(ctx, svc, only)
	if err != nil {
		return err
	}

	start := time.Now()
	slog.Info("Starting reconcile", "providers", len(providers), "dry_run", dryRun)

	var promoted, failed int
	for _, id := range providers {
		if dryRun {
			slog.Info("Provider has orphaned check-ins", "provider_id", id)
			continue
		}
		n, err := svc.PromoteOrphans(ctx, id)
		promoted += n
		if err != nil {
			failed++
			slog.Warn("Provider reconcile incomplete", "provider_id", id, "promoted", n, "error", err)
			continue
		}
		slog.Debug("Provider reconciled", "provider_id", id, "promoted", n)
	}

	slog.Info("Reconcile summary",
		"providers", len(providers),
		"promoted", promoted,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds())

	if failed > 0 {
		return fmt.Errorf("%d providers could not be fully reconciled", failed)
	}
	return nil
}

type orphanLister interface {
	ProvidersWithOrphans(ctx context.Context) ([]uuid.UUID, error)
}

func targets(ctx context.Context, svc orphanLister, only string) ([]uuid.UUID, error) {
	if only != "" {
		id, err := uuid.Parse(only)
		if err != nil {
			return nil, fmt.Errorf("invalid -provider: %w", err)
		}
		return []uuid.UUID{id}, nil
	}
	return svc.ProvidersWithOrphans(ctx)
}

func sanitizeURL(url string) string {
	// Hide password in Redis URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":" + credParts[1] + ":***@" + parts[1]
			}
		}
	}
	return url
}
