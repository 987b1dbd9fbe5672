package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-dispatch/internal/analytics"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type scriptedChecker struct {
	mu       sync.Mutex
	statuses []analytics.HealthStatus
	calls    int
}

func (s *scriptedChecker) SystemHealth(context.Context) (analytics.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.statuses) {
		return analytics.Health{}, errors.New("no more statuses")
	}
	st := s.statuses[s.calls]
	s.calls++
	return analytics.Health{Status: st}, nil
}

type countingSink struct {
	mu  sync.Mutex
	got []models.Alert
}

func (c *countingSink) Raise(_ context.Context, a models.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, a)
	return nil
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHealthCheckAlertsOnTransitionToCritical(t *testing.T) {
	checker := &scriptedChecker{statuses: []analytics.HealthStatus{
		analytics.HealthWarning, analytics.HealthCritical, analytics.HealthCritical, analytics.HealthHealthy, analytics.HealthCritical,
	}}
	sink := &countingSink{}
	job := NewHealthCheckJob(checker, sink, "@every 1h", discard())

	for i := 0; i < 5; i++ {
		job.Run(context.Background())
	}
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, models.SeverityCritical, sink.got[0].Severity)

	job.Run(context.Background()) // checker error is logged, state unchanged
	assert.Equal(t, 2, sink.count())
}

func TestDailyReportJobReportsPreviousDay(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2026, 5, 5, 0, 5, 0, 0, time.UTC)
	require.NoError(t, store.SaveJob(context.Background(), &models.Job{ID: "j1", CreatedAt: now.Add(-2 * time.Hour)}))
	agg := analytics.NewAggregator(store, analytics.DefaultConfig()).WithClock(func() time.Time { return now })

	rep, err := NewDailyReportJob(agg, "5 0 * * *", discard()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04", rep.Date)
	assert.Equal(t, 1, rep.TotalJobs)
	assert.Equal(t, 22, rep.PeakHour)
}

func TestManagerRejectsBadSpec(t *testing.T) {
	agg := analytics.NewAggregator(storage.NewMemoryStore(), analytics.DefaultConfig())
	m := NewManager(agg, &countingSink{}, "@every 1h", "not a cron spec", discard())
	assert.Error(t, m.StartAll())

	ok := NewManager(agg, &countingSink{}, "@every 1h", "5 0 * * *", discard())
	require.NoError(t, ok.StartAll())
	ok.StopAll()
}
