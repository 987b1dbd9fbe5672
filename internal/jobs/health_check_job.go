package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/example/driver-dispatch/internal/alerts"
	"github.com/example/driver-dispatch/internal/analytics"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

type HealthChecker interface {
	SystemHealth(ctx context.Context) (analytics.Health, error)
}

// HealthCheckJob periodically grades system health, publishes it as gauges
// and raises an alert when the status becomes CRITICAL.
type HealthCheckJob struct {
	checker HealthChecker
	alerts  alerts.Sink
	spec    string
	cron    *cron.Cron
	logger  *slog.Logger

	mu   sync.Mutex
	last analytics.HealthStatus
}

func NewHealthCheckJob(checker HealthChecker, sink alerts.Sink, spec string, logger *slog.Logger) *HealthCheckJob {
	return &HealthCheckJob{
		checker: checker,
		alerts:  sink,
		spec:    spec,
		cron:    cron.New(),
		logger:  logger.With("component", "health_check_job"),
		last:    analytics.HealthHealthy,
	}
}

func (j *HealthCheckJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("health check job started", "spec", j.spec)
	return nil
}

func (j *HealthCheckJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("health check job stopped")
}

// Run performs one check.
func (j *HealthCheckJob) Run(ctx context.Context) {
	h, err := j.checker.SystemHealth(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "health check failed", "error", err)
		return
	}
	observability.HealthStatus.Set(h.Status.Level())
	observability.ActiveMatchings.Set(float64(h.ActiveMatchings))

	j.mu.Lock()
	prev := j.last
	j.last = h.Status
	j.mu.Unlock()

	if h.Status != prev {
		j.logger.InfoContext(ctx, "health status changed", "from", prev, "to", h.Status, "reasons", h.Reasons)
	}
	if h.Status != analytics.HealthCritical || prev == analytics.HealthCritical || j.alerts == nil {
		return
	}
	err = j.alerts.Raise(ctx, models.Alert{
		Kind:     alerts.KindSystemHealth,
		Severity: models.SeverityCritical,
		Message:  "Dispatch health is CRITICAL",
		RaisedAt: h.CheckedAt,
		Context: map[string]any{
			"timeout_rate":     h.TimeoutRate,
			"active_workers":   h.ActiveWorkers,
			"active_matchings": h.ActiveMatchings,
			"reasons":          h.Reasons,
		},
	})
	if err != nil {
		j.logger.ErrorContext(ctx, "raise health alert", "error", err)
	}
}
