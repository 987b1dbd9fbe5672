package jobs

import (
	"fmt"
	"log/slog"

	"github.com/example/driver-dispatch/internal/alerts"
	"github.com/example/driver-dispatch/internal/analytics"
)

// Manager coordinates the scheduled background jobs.
type Manager struct {
	health *HealthCheckJob
	report *DailyReportJob
}

func NewManager(agg *analytics.Aggregator, sink alerts.Sink, healthSpec, reportSpec string, logger *slog.Logger) *Manager {
	return &Manager{
		health: NewHealthCheckJob(agg, sink, healthSpec, logger),
		report: NewDailyReportJob(agg, reportSpec, logger),
	}
}

// StartAll starts every job, stopping the ones already started on failure.
func (m *Manager) StartAll() error {
	if err := m.health.Start(); err != nil {
		return fmt.Errorf("failed to start health check job: %w", err)
	}
	if err := m.report.Start(); err != nil {
		m.health.Stop()
		return fmt.Errorf("failed to start daily report job: %w", err)
	}
	return nil
}

func (m *Manager) StopAll() {
	m.report.Stop()
	m.health.Stop()
}
