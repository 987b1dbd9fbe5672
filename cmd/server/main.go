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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/alerts"
	"github.com/example/driver-dispatch/internal/analytics"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/geo"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/jobs"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/storage"
)

// backend is what both store implementations provide.
type backend interface {
	storage.Store
	storage.Reader
	storage.Seeder
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var (
		store backend
		ready []func(context.Context) error
	)
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = pg
		ready = append(ready, pg.Ping)
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var rc *redis.Client
	if cfg.Redis.Addr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		closers = append(closers, rc.Close)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var positions geo.Geo = geo.NewIndex(cfg.Dispatch.LocationMaxAge)
	if rc != nil {
		positions = geo.NewRedisGeo(rc, cfg.Redis.GeoKey)
	}

	wsreg := dispatch.NewWSRegistry()
	notifier := &dispatch.Fallback{Primary: wsreg, Secondary: offlineNotifier(cfg, rc, logger)}
	if rc != nil {
		relay := &dispatch.RedisRelay{Local: wsreg, Prefix: cfg.Redis.NotifyPrefix, Logger: logging.Component(logger, "relay")}
		sub := rc.PSubscribe(ctx, relay.Pattern())
		closers = append(closers, sub.Close)
		go relay.Run(ctx, sub.Channel())
	}

	sinks := alerts.Multi{&alerts.LogSink{Logger: logging.Component(logger, "alerts")}}
	var locations httpapi.LocationPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		ks := alerts.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
		closers = append(closers, ks.Close)
		sinks = append(sinks, ks)

		producer := ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic)
		closers = append(closers, producer.Close)
		locations = producer
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETA.CacheTTL), SpeedMps: cfg.ETA.DefaultSpeedMps}
	if cfg.ETA.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.ETA.OSRMEndpoint)
	}

	zones, err := cfg.ZoneList()
	if err != nil {
		return err
	}

	svc, err := matcher.NewService(matcher.Config{
		MaxWorkers:        cfg.Dispatch.MaxWorkers,
		WorkerTimeout:     cfg.Dispatch.WorkerTimeout,
		JobTimeout:        cfg.Dispatch.JobTimeout,
		NotifyTimeout:     cfg.Dispatch.NotifyTimeout,
		NotifyConcurrency: cfg.Dispatch.NotifyConcurrency,
	}, matcher.Deps{
		Store:    store,
		Notifier: notifier,
		Alerts:   sinks,
		Zones:    geo.NewZoneResolver(zones),
		Geo:      positions,
		ETA:      estimator,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	agg := analytics.NewAggregator(store, analytics.Config{
		HealthWindow:            cfg.Analytics.HealthWindow,
		WarningTimeoutRate:      cfg.Analytics.WarningTimeoutRate,
		CriticalTimeoutRate:     cfg.Analytics.CriticalTimeoutRate,
		WarningMinActiveWorkers: cfg.Analytics.WarningMinActiveWorkers,
		TrendThresholdPercent:   cfg.Analytics.TrendThresholdPercent,
		Location:                time.UTC,
	})

	if cfg.Cron.Enabled {
		mgr := jobs.NewManager(agg, sinks, cfg.Cron.HealthSpec, cfg.Cron.DailyReportSpec, logger)
		if err := mgr.StartAll(); err != nil {
			return fmt.Errorf("start scheduled jobs: %w", err)
		}
		defer mgr.StopAll()
	}

	api := httpapi.NewServer(httpapi.Options{
		Matcher:   svc,
		Analytics: agg,
		Workers:   store,
		Geo:       positions,
		Locations: locations,
		WSReg:     wsreg,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range ready {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("driver-dispatch listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// offlineNotifier reaches workers without a live socket: Redis pub/sub, then
// the push webhook, then the log.
func offlineNotifier(cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) dispatch.Notifier {
	var chain []dispatch.Notifier
	if rc != nil {
		chain = append(chain, dispatch.NewRedisPublisher(rc, cfg.Redis.NotifyPrefix))
	}
	if cfg.Push.Endpoint != "" {
		chain = append(chain, dispatch.NewHTTPPush(cfg.Push.Endpoint, cfg.Push.Key))
	}
	if len(chain) == 0 {
		return &dispatch.LogNotifier{Logger: logging.Component(logger, "notify")}
	}
	n := chain[len(chain)-1]
	for i := len(chain) - 2; i >= 0; i-- {
		n = &dispatch.Fallback{Primary: chain[i], Secondary: n}
	}
	return n
}
