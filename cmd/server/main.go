package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/adapter/eventpublisher"
	"github.com/pscheid92/consultq/internal/adapter/httpserver"
	"github.com/pscheid92/consultq/internal/adapter/memory"
	"github.com/pscheid92/consultq/internal/adapter/metrics"
	"github.com/pscheid92/consultq/internal/adapter/notify"
	"github.com/pscheid92/consultq/internal/adapter/postgres"
	"github.com/pscheid92/consultq/internal/adapter/rabbitmq"
	"github.com/pscheid92/consultq/internal/adapter/redis"
	"github.com/pscheid92/consultq/internal/app"
	"github.com/pscheid92/consultq/internal/auth"
	"github.com/pscheid92/consultq/internal/broadcast"
	"github.com/pscheid92/consultq/internal/cache"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/config"
	"github.com/pscheid92/consultq/internal/platform/logging"
	"github.com/pscheid92/consultq/internal/platform/version"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type metricSet struct {
	registry  *prometheus.Registry
	http      *metrics.HTTPMetrics
	admission *metrics.AdmissionMetrics
	cache     *metrics.CacheMetrics
	websocket *metrics.WebSocketMetrics
	notify    *metrics.NotifyMetrics
	redis     *metrics.RedisMetrics
	db        *metrics.DBMetrics
}

// stores is the selected persistence backend.
type stores struct {
	appointments domain.AppointmentStore
	ledger       domain.QueueLedger
	tx           domain.Transactor
	health       *httpserver.HealthCheck
	close        func()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupMetrics() metricSet {
	reg := metrics.NewRegistry()
	return metricSet{
		registry:  reg,
		http:      metrics.NewHTTPMetrics(reg),
		admission: metrics.NewAdmissionMetrics(reg),
		cache:     metrics.NewCacheMetrics(reg),
		websocket: metrics.NewWebSocketMetrics(reg),
		notify:    metrics.NewNotifyMetrics(reg),
		redis:     metrics.NewRedisMetrics(reg),
		db:        metrics.NewDBMetrics(reg),
	}
}

func setupStores(cfg *config.Config, m metricSet, clock clockwork.Clock) stores {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("Using in-memory store; state is lost on restart")
		store := memory.NewStore(clock)
		return stores{appointments: store, ledger: store, tx: store, close: func() {}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.WithTracer(postgres.NewMetricsTracer(m.db)))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	db := postgres.NewDB(pool, cfg.AdmissionTimeout)
	return stores{
		appointments: postgres.NewAppointmentRepo(db, clock),
		ledger:       postgres.NewQueueRepo(db),
		tx:           db,
		health:       &httpserver.HealthCheck{Name: "database", Check: pool.Ping},
		close:        pool.Close,
	}
}

func setupRedis(ctx context.Context, cfg *config.Config, m metricSet) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, m.redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupNotifier(cfg *config.Config, m metricSet) (*notify.Enqueuer, *asynq.Client) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL for notifications", "error", err)
		os.Exit(1)
	}
	client := asynq.NewClient(redisOpt)
	return notify.NewEnqueuer(client, cfg.NotifyQueue, m.notify), client
}

func setupListener(ctx context.Context, cfg *config.Config, svc rabbitmq.AppointmentService) *rabbitmq.Listener {
	if cfg.RabbitMQURL == "" {
		slog.Info("RabbitMQ is disabled, appointment listener will not be started")
		return nil
	}

	listener, err := rabbitmq.Dial(rabbitmq.Config{
		URL:      cfg.RabbitMQURL,
		Exchange: cfg.RabbitMQExchange,
		Queue:    cfg.RabbitMQQueue,
		Binding:  cfg.RabbitMQBinding,
	}, svc)
	if err != nil {
		slog.Error("Failed to connect appointment listener", "error", err)
		os.Exit(1)
	}
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start appointment listener", "error", err)
		os.Exit(1)
	}
	return listener
}

type shutdownDeps struct {
	server     *httpserver.Server
	hub        *broadcast.Hub
	reconciler *app.OrphanReconciler
	listener   *rabbitmq.Listener
	cancel     context.CancelFunc
}

func runGracefulShutdown(deps shutdownDeps) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := deps.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if err := deps.listener.Stop(); err != nil {
			slog.Error("Failed to stop appointment listener", "error", err)
		}
		deps.reconciler.Stop()
		deps.hub.Stop()
		deps.cancel()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()
	instanceID := uuid.NewString()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port, "instance_id", instanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := setupMetrics()

	st := setupStores(cfg, m, clock)
	defer st.close()

	redisClient := setupRedis(ctx, cfg, m)
	defer func() { _ = redisClient.Close() }()

	statusCache, err := cache.New(cfg.StatusCacheSize, cfg.StatusCacheTTL, clock)
	if err != nil {
		slog.Error("Failed to create status cache", "error", err)
		os.Exit(1)
	}
	statusCache.WithObserver(m.cache)
	stopEviction := statusCache.StartEvictionTimer(time.Minute)
	defer stopEviction()

	hub := broadcast.NewHub(clock, cfg.MaxWebSocketConnections, m.websocket)

	relay := redis.NewRelay(redisClient, hub, instanceID)
	invalidation := redis.NewInvalidationBus(redisClient, statusCache, instanceID)
	go relay.Start(ctx)
	go invalidation.Start(ctx)

	publisher := eventpublisher.New(hub, relay, invalidation)

	notifier, asynqClient := setupNotifier(cfg, m)
	defer func() { _ = asynqClient.Close() }()

	appSvc := app.NewService(app.Deps{
		Appointments: st.appointments,
		Ledger:       st.ledger,
		Tx:           st.tx,
		Cache:        statusCache,
		Invalidation: publisher,
		Events:       publisher,
		Notifier:     notifier,
		Metrics:      m.admission,
		Clock:        clock,
	}, app.Options{
		AdmissionTimeout: cfg.AdmissionTimeout,
		MaxAttempts:      cfg.AdmissionMaxAttempts,
		CacheTTL:         cfg.StatusCacheTTL,
		Location:         cfg.Location(),
		Estimator:        app.FixedEstimator{MinutesPerPatron: cfg.WaitMinutesPerPatron},
	})

	lease := redis.NewLeaderElector(redisClient, instanceID, redis.DefaultLeaderTTL)
	reconciler := app.NewOrphanReconciler(appSvc, lease, cfg.ReconcileInterval, clock)
	go reconciler.Start(ctx)

	listener := setupListener(ctx, cfg, appSvc)

	signer, err := auth.NewSigner(cfg.AuthSecret)
	if err != nil {
		slog.Error("Failed to create credential signer", "error", err)
		os.Exit(1)
	}

	wsHandler := broadcast.NewHandler(hub, appSvc, signer, broadcast.Config{
		HandshakeTimeout: cfg.WSHandshakeTimeout,
		IdleTimeout:      cfg.WSIdleTimeout,
		AllowedOrigins:   cfg.Origins(),
		Development:      cfg.AppEnv == "development",
	}, clock, m.websocket)

	checks := []httpserver.HealthCheck{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}}
	if st.health != nil {
		checks = append(checks, *st.health)
	}

	srv := httpserver.NewServer(cfg, appSvc, signer, wsHandler,
		httpserver.WithMetrics(metrics.Handler(m.registry), m.http.Middleware()),
		httpserver.WithRateLimitObserver(m.http),
		httpserver.WithHealthChecks(checks...),
	)

	done := runGracefulShutdown(shutdownDeps{
		server:     srv,
		hub:        hub,
		reconciler: reconciler,
		listener:   listener,
		cancel:     cancel,
	})

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
