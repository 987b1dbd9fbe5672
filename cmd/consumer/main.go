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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index update failures after retries",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total worker location writes to the store that failed",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors, storeErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ConsumerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rc.Close()

	p := &processor{
		geo:      geo.NewRedisGeo(rc, cfg.Redis.GeoKey),
		attempts: cfg.Retries,
		delay:    200 * time.Millisecond,
		logger:   logger,
	}
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		p.store = pg
	}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.LocationTopic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Kafka.LocationTopic, "brokers", cfg.Kafka.Brokers, "group", cfg.Kafka.GroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		p.handle(ctx, m)
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}
