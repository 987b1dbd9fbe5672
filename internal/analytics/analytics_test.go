package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

var day = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	store *storage.MemoryStore
	agg   *Aggregator
}

func newFixture(t *testing.T, now time.Time) *fixture {
	store := storage.NewMemoryStore()
	agg := NewAggregator(store, DefaultConfig()).WithClock(func() time.Time { return now })
	return &fixture{t: t, store: store, agg: agg}
}

// matching records a job created at createdAt with one matching round.
// ttm is only used for MATCHED rounds.
func (f *fixture) matching(id string, createdAt time.Time, status models.FinalStatus, ttm float64) {
	ctx := context.Background()
	require.NoError(f.t, f.store.SaveJob(ctx, &models.Job{ID: id, CreatedAt: createdAt}))
	require.NoError(f.t, f.store.CreateMetrics(ctx, models.MatchingMetrics{JobID: id, FinalStatus: models.MatchingActive, CreatedAt: createdAt, TotalWorkersNotified: 1}))
	if status == models.MatchingActive {
		return
	}
	upd := models.MetricsUpdate{FinalStatus: status}
	if status == models.MatchingMatched {
		at := createdAt.Add(time.Duration(ttm * float64(time.Second)))
		upd.AcceptedAt, upd.TimeToMatch = &at, &ttm
	}
	ok, err := f.store.UpdateMetrics(ctx, id, upd, models.MatchingActive)
	require.NoError(f.t, err)
	require.True(f.t, ok)
}

// offer records a notification sent at sentAt, answered after delay when resp is set.
func (f *fixture) offer(jobID, workerID string, sentAt time.Time, resp models.NotificationResponse, delay time.Duration) {
	ctx := context.Background()
	require.NoError(f.t, f.store.CreateNotifications(ctx, jobID, []string{workerID}, sentAt))
	if resp != models.ResponseNone {
		ok, err := f.store.ResolveNotification(ctx, jobID, workerID, resp, sentAt.Add(delay))
		require.NoError(f.t, err)
		require.True(f.t, ok)
	}
}

func (f *fixture) workers(n int) {
	for i := 0; i < n; i++ {
		require.NoError(f.t, f.store.SaveWorker(context.Background(), &models.Worker{
			ID: string(rune('a' + i)), IsAvailable: true, IsOnline: true, IsVerified: true, IsActive: true,
		}))
	}
}

func TestRatesAreZeroWithoutData(t *testing.T) {
	f := newFixture(t, day)
	ctx := context.Background()
	w := LastHours(day, 24)

	avg, err := f.agg.AverageMatchingTime(ctx, w)
	require.NoError(t, err)
	assert.Zero(t, avg)
	acc, err := f.agg.AcceptanceRate(ctx, w)
	require.NoError(t, err)
	assert.Zero(t, acc)
	tr, err := f.agg.TimeoutRate(ctx, w)
	require.NoError(t, err)
	assert.Zero(t, tr)
	active, err := f.agg.ActiveMatchings(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestMatchingRates(t *testing.T) {
	f := newFixture(t, day.Add(12*time.Hour))
	ctx := context.Background()
	f.matching("j1", day.Add(9*time.Hour), models.MatchingMatched, 4)
	f.matching("j2", day.Add(9*time.Hour), models.MatchingMatched, 8)
	f.matching("j3", day.Add(10*time.Hour), models.MatchingTimeout, 0)
	f.matching("j4", day.Add(11*time.Hour), models.MatchingActive, 0)
	f.matching("old", day.Add(-48*time.Hour), models.MatchingTimeout, 0)

	w := Window{From: day, To: day.Add(24 * time.Hour)}
	avg, err := f.agg.AverageMatchingTime(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 6.0, avg)

	tr, err := f.agg.TimeoutRate(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 25.0, tr)

	active, err := f.agg.ActiveMatchings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestAcceptanceRateCountsOnlyAnswered(t *testing.T) {
	f := newFixture(t, day)
	ctx := context.Background()
	at := day.Add(9 * time.Hour)
	f.offer("j1", "w1", at, models.ResponseAccepted, 5*time.Second)
	f.offer("j1", "w2", at, models.ResponseRejected, 3*time.Second)
	f.offer("j1", "w3", at, models.ResponseTimeout, 30*time.Second)
	f.offer("j1", "w4", at, models.ResponseAccepted, time.Second)
	f.offer("j1", "w5", at, models.ResponseNone, 0)

	rate, err := f.agg.AcceptanceRate(ctx, Window{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 50.0, rate)
}

func TestWorkerResponseStats(t *testing.T) {
	f := newFixture(t, day)
	ctx := context.Background()
	at := day.Add(9 * time.Hour)
	f.offer("j1", "w1", at, models.ResponseAccepted, 4*time.Second)
	f.offer("j2", "w1", at, models.ResponseRejected, 2*time.Second)
	f.offer("j3", "w1", at, models.ResponseTimeout, 30*time.Second)
	f.offer("j4", "w1", at, models.ResponseNone, 0)
	f.offer("j1", "w2", at, models.ResponseAccepted, time.Second)

	st, err := f.agg.WorkerResponseStats(ctx, "w1", Window{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 4, st.Received)
	assert.Equal(t, 2, st.Responses)
	assert.Equal(t, 1, st.Accepted)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, 1, st.Timeouts)
	assert.Equal(t, 50.0, st.AcceptanceRate)
	assert.Equal(t, 3.0, st.AvgResponseSeconds)
}

func TestDailyReport(t *testing.T) {
	f := newFixture(t, day.Add(30*time.Hour))
	ctx := context.Background()
	f.matching("j1", day.Add(8*time.Hour), models.MatchingMatched, 3)
	f.matching("j2", day.Add(8*time.Hour+30*time.Minute), models.MatchingMatched, 9)
	f.matching("j3", day.Add(14*time.Hour), models.MatchingTimeout, 0)
	f.matching("j4", day.Add(14*time.Hour+5*time.Minute), models.MatchingCancelled, 0)
	f.matching("next-day", day.Add(25*time.Hour), models.MatchingMatched, 1)
	f.offer("j1", "w1", day.Add(8*time.Hour), models.ResponseAccepted, 3*time.Second)
	f.offer("j3", "w1", day.Add(14*time.Hour), models.ResponseTimeout, 30*time.Second)

	rep, err := f.agg.DailyReport(ctx, day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04", rep.Date)
	assert.Equal(t, 4, rep.TotalJobs)
	assert.Equal(t, 4, rep.TotalMatchings)
	assert.Equal(t, 2, rep.Matched)
	assert.Equal(t, 1, rep.TimedOut)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, 50.0, rep.SuccessRate)
	assert.Equal(t, 25.0, rep.TimeoutRate)
	assert.Equal(t, 6.0, rep.AvgMatchSeconds)
	assert.Equal(t, 3.0, rep.FastestMatchSeconds)
	assert.Equal(t, 9.0, rep.SlowestMatchSeconds)
	assert.Equal(t, 8, rep.PeakHour, "ties resolve to the earliest hour")
	assert.Equal(t, 2, rep.PeakHourJobs)
	assert.Equal(t, 2, rep.NotificationsSent)
	assert.Equal(t, 50.0, rep.AcceptanceRate)
}

func TestDailyReportEmptyDay(t *testing.T) {
	f := newFixture(t, day)
	rep, err := f.agg.DailyReport(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, -1, rep.PeakHour)
	assert.Zero(t, rep.TotalJobs)
	assert.Zero(t, rep.SuccessRate)
}

func TestWeeklyReportTrends(t *testing.T) {
	f := newFixture(t, day.AddDate(0, 0, 8))
	// jobs per day: 10, 10, 12, 6, 0, 3, 20
	perDay := []int{10, 10, 12, 6, 0, 3, 20}
	for d, n := range perDay {
		for i := 0; i < n; i++ {
			id := string(rune('A'+d)) + string(rune('a'+i))
			f.matching(id, day.AddDate(0, 0, d).Add(time.Duration(i)*time.Minute), models.MatchingMatched, 5)
		}
	}

	rep, err := f.agg.WeeklyReport(context.Background(), day.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04", rep.StartDate)
	assert.Equal(t, "2026-05-10", rep.EndDate)
	require.Len(t, rep.Days, 7)
	assert.Equal(t, 61, rep.TotalJobs)
	assert.Equal(t, 100.0, rep.SuccessRate)

	require.Len(t, rep.DayOverDay, 6)
	dirs := make([]Direction, 0, 6)
	for _, tr := range rep.DayOverDay {
		dirs = append(dirs, tr.Direction)
	}
	assert.Equal(t, []Direction{TrendStable, TrendUp, TrendDown, TrendDown, TrendUp, TrendUp}, dirs)
	assert.Equal(t, 20.0, rep.DayOverDay[1].ChangePercent)
	assert.Equal(t, -50.0, rep.DayOverDay[2].ChangePercent)

	assert.Equal(t, TrendUp, rep.OverallTrend.Direction)
	assert.Equal(t, 100.0, rep.OverallTrend.ChangePercent)
}

func TestTrendWithinThresholdIsStable(t *testing.T) {
	agg := NewAggregator(storage.NewMemoryStore(), DefaultConfig())
	assert.Equal(t, TrendStable, agg.trend("d", 100, 109).Direction)
	assert.Equal(t, TrendStable, agg.trend("d", 100, 90).Direction)
	assert.Equal(t, TrendDown, agg.trend("d", 100, 89).Direction)
	assert.Equal(t, TrendStable, agg.trend("d", 0, 0).Direction)
}

func TestSystemHealth(t *testing.T) {
	now := day.Add(12 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	cases := []struct {
		name     string
		timeouts int
		matched  int
		workers  int
		want     HealthStatus
	}{
		{"healthy", 1, 9, 5, HealthHealthy},
		{"warning by timeout rate", 2, 8, 5, HealthWarning},
		{"critical by timeout rate", 5, 5, 5, HealthCritical},
		{"warning by few workers", 0, 10, 2, HealthWarning},
		{"critical without workers", 0, 10, 0, HealthCritical},
		{"no traffic", 0, 0, 3, HealthHealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, now)
			for i := 0; i < tc.timeouts; i++ {
				f.matching("t"+string(rune('a'+i)), recent, models.MatchingTimeout, 0)
			}
			for i := 0; i < tc.matched; i++ {
				f.matching("m"+string(rune('a'+i)), recent, models.MatchingMatched, 5)
			}
			// outside the health window, must not count
			f.matching("stale", now.Add(-3*time.Hour), models.MatchingTimeout, 0)
			f.workers(tc.workers)

			h, err := f.agg.SystemHealth(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, h.Status)
			assert.Equal(t, tc.workers, h.ActiveWorkers)
			if tc.want != HealthHealthy {
				assert.NotEmpty(t, h.Reasons)
			}
		})
	}
}

func TestHealthStatusLevel(t *testing.T) {
	assert.Equal(t, 0.0, HealthHealthy.Level())
	assert.Equal(t, 1.0, HealthWarning.Level())
	assert.Equal(t, 2.0, HealthCritical.Level())
}
