package analytics

import (
	"context"
	"fmt"
	"time"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// Level maps the status onto 0, 1, 2 for gauges.
func (s HealthStatus) Level() float64 {
	switch s {
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

type Health struct {
	Status          HealthStatus `json:"status"`
	TimeoutRate     float64      `json:"timeout_rate"`
	ActiveWorkers   int          `json:"active_workers"`
	ActiveMatchings int          `json:"active_matchings"`
	Reasons         []string     `json:"reasons,omitempty"`
	CheckedAt       time.Time    `json:"checked_at"`
}

// SystemHealth grades the recent timeout rate and the number of workers able
// to take jobs.
func (a *Aggregator) SystemHealth(ctx context.Context) (Health, error) {
	now := a.now()
	h := Health{Status: HealthHealthy, CheckedAt: now}

	rate, err := a.TimeoutRate(ctx, Window{From: now.Add(-a.cfg.HealthWindow), To: now})
	if err != nil {
		return h, err
	}
	workers, err := a.r.CountEligibleWorkers(ctx)
	if err != nil {
		return h, fmt.Errorf("count workers: %w", err)
	}
	active, err := a.ActiveMatchings(ctx)
	if err != nil {
		return h, fmt.Errorf("count active matchings: %w", err)
	}
	h.TimeoutRate, h.ActiveWorkers, h.ActiveMatchings = rate, workers, active

	switch {
	case rate >= a.cfg.CriticalTimeoutRate:
		h.Status = HealthCritical
		h.Reasons = append(h.Reasons, fmt.Sprintf("timeout rate %.2f%% >= %.0f%%", rate, a.cfg.CriticalTimeoutRate))
	case rate >= a.cfg.WarningTimeoutRate:
		h.Status = HealthWarning
		h.Reasons = append(h.Reasons, fmt.Sprintf("timeout rate %.2f%% >= %.0f%%", rate, a.cfg.WarningTimeoutRate))
	}
	switch {
	case workers == 0:
		h.Status = HealthCritical
		h.Reasons = append(h.Reasons, "no active drivers")
	case workers < a.cfg.WarningMinActiveWorkers:
		if h.Status == HealthHealthy {
			h.Status = HealthWarning
		}
		h.Reasons = append(h.Reasons, fmt.Sprintf("only %d active drivers", workers))
	}
	return h, nil
}
