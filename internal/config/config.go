package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/example/driver-dispatch/internal/geo"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults let the binary run locally with an in-memory store and log-only
// notifications.
type ServerConfig struct {
	HTTP      HTTPConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Postgres  PostgresConfig
	ETA       ETAConfig
	Push      PushConfig
	Dispatch  DispatchConfig
	Analytics AnalyticsConfig
	Cron      CronConfig

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

type RedisConfig struct {
	Addr         string `envconfig:"REDIS_ADDR"`
	Password     string `envconfig:"REDIS_PASSWORD"`
	GeoKey       string `envconfig:"REDIS_GEO_KEY" default:"workers_geo"`
	NotifyPrefix string `envconfig:"REDIS_NOTIFY_PREFIX" default:"dispatch:notify:"`
}

type KafkaConfig struct {
	Brokers       []string `envconfig:"KAFKA_BROKERS"`
	LocationTopic string   `envconfig:"KAFKA_TOPIC" default:"worker-locations"`
	AlertTopic    string   `envconfig:"KAFKA_ALERT_TOPIC" default:"dispatch-alerts"`
	GroupID       string   `envconfig:"KAFKA_GROUP" default:"driver-dispatch-consumer"`
}

type PostgresConfig struct {
	DSN           string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`
}

type ETAConfig struct {
	OSRMEndpoint    string        `envconfig:"OSRM_ENDPOINT"`
	DefaultSpeedMps float64       `envconfig:"MATCHER_DEFAULT_SPEED_MPS" default:"10"`
	CacheTTL        time.Duration `envconfig:"ETA_CACHE_TTL" default:"2m"`
}

type PushConfig struct {
	Endpoint string `envconfig:"PUSH_ENDPOINT"`
	Key      string `envconfig:"PUSH_KEY"`
}

type DispatchConfig struct {
	MaxWorkers        int           `envconfig:"DISPATCH_MAX_WORKERS" default:"5"`
	WorkerTimeout     time.Duration `envconfig:"DISPATCH_WORKER_TIMEOUT" default:"30s"`
	JobTimeout        time.Duration `envconfig:"DISPATCH_JOB_TIMEOUT" default:"300s"`
	NotifyTimeout     time.Duration `envconfig:"DISPATCH_NOTIFY_TIMEOUT" default:"5s"`
	NotifyConcurrency int           `envconfig:"DISPATCH_NOTIFY_CONCURRENCY" default:"16"`
	Zones             string        `envconfig:"DISPATCH_ZONES"`
	LocationMaxAge    time.Duration `envconfig:"DISPATCH_LOCATION_MAX_AGE" default:"2m"`
}

type AnalyticsConfig struct {
	HealthWindow            time.Duration `envconfig:"HEALTH_WINDOW" default:"1h"`
	WarningTimeoutRate      float64       `envconfig:"HEALTH_WARNING_TIMEOUT_RATE" default:"20"`
	CriticalTimeoutRate     float64       `envconfig:"HEALTH_CRITICAL_TIMEOUT_RATE" default:"50"`
	WarningMinActiveWorkers int           `envconfig:"HEALTH_WARNING_MIN_WORKERS" default:"3"`
	TrendThresholdPercent   float64       `envconfig:"REPORT_TREND_THRESHOLD" default:"10"`
}

type CronConfig struct {
	Enabled         bool   `envconfig:"CRON_ENABLED" default:"true"`
	HealthSpec      string `envconfig:"CRON_HEALTH_SPEC" default:"@every 1m"`
	DailyReportSpec string `envconfig:"CRON_DAILY_REPORT_SPEC" default:"5 0 * * *"`
}

// ConsumerConfig configures the location consumer process.
type ConsumerConfig struct {
	Redis       RedisConfig
	Kafka       KafkaConfig
	Postgres    PostgresConfig
	MetricsAddr string `envconfig:"CONSUMER_METRICS_ADDR" default:":2112"`
	Retries     int    `envconfig:"CONSUMER_REDIS_RETRIES" default:"3"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Kafka.Brokers = trimAll(cfg.Kafka.Brokers)
	return cfg, cfg.Validate()
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Kafka.Brokers = trimAll(cfg.Kafka.Brokers)
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	var errs []error
	if cfg.Retries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_REDIS_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c ServerConfig) Validate() error {
	var errs []error
	d := c.Dispatch
	if d.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_WORKERS must be > 0"))
	}
	if d.WorkerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKER_TIMEOUT must be > 0"))
	}
	if d.JobTimeout < d.WorkerTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_JOB_TIMEOUT must be >= DISPATCH_WORKER_TIMEOUT"))
	}
	if d.NotifyConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_NOTIFY_CONCURRENCY must be > 0"))
	}
	if _, err := c.ZoneList(); err != nil {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_ZONES: %w", err))
	}
	a := c.Analytics
	if a.WarningTimeoutRate > a.CriticalTimeoutRate {
		errs = append(errs, fmt.Errorf("HEALTH_WARNING_TIMEOUT_RATE must be <= HEALTH_CRITICAL_TIMEOUT_RATE"))
	}
	if a.HealthWindow <= 0 {
		errs = append(errs, fmt.Errorf("HEALTH_WINDOW must be > 0"))
	}
	if c.ETA.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_SPEED_MPS must be > 0"))
	}
	return errors.Join(errs...)
}

// ZoneList parses DISPATCH_ZONES.
func (c ServerConfig) ZoneList() ([]geo.Zone, error) {
	return geo.ParseZones(c.Dispatch.Zones)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
