package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

// Config holds the health thresholds and report settings.
type Config struct {
	HealthWindow            time.Duration
	WarningTimeoutRate      float64 // percent
	CriticalTimeoutRate     float64 // percent
	WarningMinActiveWorkers int
	TrendThresholdPercent   float64
	Location                *time.Location // day boundaries for reports
}

func DefaultConfig() Config {
	return Config{
		HealthWindow:            time.Hour,
		WarningTimeoutRate:      20,
		CriticalTimeoutRate:     50,
		WarningMinActiveWorkers: 3,
		TrendThresholdPercent:   10,
		Location:                time.UTC,
	}
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LastHours returns the window of the h hours ending at now.
func LastHours(now time.Time, h int) Window {
	return Window{From: now.Add(-time.Duration(h) * time.Hour), To: now}
}

// Aggregator computes read-only statistics over the dispatch records.
type Aggregator struct {
	r   storage.Reader
	cfg Config
	now func() time.Time
}

func NewAggregator(r storage.Reader, cfg Config) *Aggregator {
	d := DefaultConfig()
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = d.HealthWindow
	}
	if cfg.CriticalTimeoutRate <= 0 {
		cfg.CriticalTimeoutRate = d.CriticalTimeoutRate
	}
	if cfg.WarningTimeoutRate <= 0 {
		cfg.WarningTimeoutRate = d.WarningTimeoutRate
	}
	if cfg.WarningMinActiveWorkers <= 0 {
		cfg.WarningMinActiveWorkers = d.WarningMinActiveWorkers
	}
	if cfg.TrendThresholdPercent <= 0 {
		cfg.TrendThresholdPercent = d.TrendThresholdPercent
	}
	if cfg.Location == nil {
		cfg.Location = d.Location
	}
	return &Aggregator{r: r, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source; used by tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

func (a *Aggregator) Now() time.Time { return a.now() }

func (a *Aggregator) ActiveMatchings(ctx context.Context) (int, error) {
	return a.r.CountMetricsByStatus(ctx, models.MatchingActive)
}

// AverageMatchingTime is the mean time-to-match in seconds of the matchings
// in w that ended MATCHED; 0 when there are none.
func (a *Aggregator) AverageMatchingTime(ctx context.Context, w Window) (float64, error) {
	ms, err := a.r.ListMetrics(ctx, w.From, w.To)
	if err != nil {
		return 0, fmt.Errorf("list metrics: %w", err)
	}
	return round2(summarizeMatchTimes(ms).avg), nil
}

// AcceptanceRate is accepted offers as a percentage of answered offers sent in w.
func (a *Aggregator) AcceptanceRate(ctx context.Context, w Window) (float64, error) {
	ns, err := a.r.ListNotificationsSent(ctx, models.NotificationQuery{From: w.From, To: w.To})
	if err != nil {
		return 0, fmt.Errorf("list notifications: %w", err)
	}
	c := countResponses(ns)
	return percent(c.accepted, c.responded()), nil
}

// TimeoutRate is the share of matchings in w that ended in TIMEOUT.
func (a *Aggregator) TimeoutRate(ctx context.Context, w Window) (float64, error) {
	ms, err := a.r.ListMetrics(ctx, w.From, w.To)
	if err != nil {
		return 0, fmt.Errorf("list metrics: %w", err)
	}
	timedOut := 0
	for _, m := range ms {
		if m.FinalStatus == models.MatchingTimeout {
			timedOut++
		}
	}
	return percent(timedOut, len(ms)), nil
}

type WorkerStats struct {
	WorkerID           string  `json:"worker_id"`
	Received           int     `json:"received"`
	Responses          int     `json:"responses"`
	Accepted           int     `json:"accepted"`
	Rejected           int     `json:"rejected"`
	Timeouts           int     `json:"timeouts"`
	AcceptanceRate     float64 `json:"acceptance_rate"`
	AvgResponseSeconds float64 `json:"avg_response_seconds"`
	Window             Window  `json:"window"`
}

// WorkerResponseStats summarizes how one worker answered offers sent in w.
// Timed-out offers do not count towards the response latency.
func (a *Aggregator) WorkerResponseStats(ctx context.Context, workerID string, w Window) (WorkerStats, error) {
	ns, err := a.r.ListNotificationsSent(ctx, models.NotificationQuery{WorkerID: workerID, From: w.From, To: w.To})
	if err != nil {
		return WorkerStats{}, fmt.Errorf("list notifications: %w", err)
	}
	c := countResponses(ns)
	var total float64
	for _, n := range ns {
		if (n.Response == models.ResponseAccepted || n.Response == models.ResponseRejected) && n.RespondedAt != nil {
			total += n.RespondedAt.Sub(n.SentAt).Seconds()
		}
	}
	st := WorkerStats{
		WorkerID:  workerID,
		Received:  len(ns),
		Responses: c.accepted + c.rejected,
		Accepted:  c.accepted,
		Rejected:  c.rejected,
		Timeouts:  c.timeout,
		Window:    w,
	}
	st.AcceptanceRate = percent(st.Accepted, st.Responses)
	if st.Responses > 0 {
		st.AvgResponseSeconds = round2(total / float64(st.Responses))
	}
	return st, nil
}

type responseCounts struct {
	accepted, rejected, timeout int
}

func (c responseCounts) responded() int { return c.accepted + c.rejected + c.timeout }

func countResponses(ns []models.Notification) responseCounts {
	var c responseCounts
	for _, n := range ns {
		switch n.Response {
		case models.ResponseAccepted:
			c.accepted++
		case models.ResponseRejected:
			c.rejected++
		case models.ResponseTimeout:
			c.timeout++
		}
	}
	return c
}

type matchTimes struct {
	n                     int
	avg, fastest, slowest float64
}

func summarizeMatchTimes(ms []models.MatchingMetrics) matchTimes {
	var s matchTimes
	var sum float64
	for _, m := range ms {
		if m.FinalStatus != models.MatchingMatched || m.TimeToMatch == nil {
			continue
		}
		v := *m.TimeToMatch
		if s.n == 0 || v < s.fastest {
			s.fastest = v
		}
		if s.n == 0 || v > s.slowest {
			s.slowest = v
		}
		sum += v
		s.n++
	}
	if s.n > 0 {
		s.avg = sum / float64(s.n)
	}
	return s
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return round2(float64(part) / float64(whole) * 100)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
