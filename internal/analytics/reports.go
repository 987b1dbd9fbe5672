package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

const dateLayout = "2006-01-02"

type DailyReport struct {
	Date           string `json:"date"`
	TotalJobs      int    `json:"total_jobs"`
	TotalMatchings int    `json:"total_matchings"`
	Matched        int    `json:"matched"`
	TimedOut       int    `json:"timed_out"`
	Cancelled      int    `json:"cancelled"`
	Active         int    `json:"active"`
	PeakHour       int    `json:"peak_hour"` // -1 when no jobs were created
	PeakHourJobs   int    `json:"peak_hour_jobs"`

	SuccessRate         float64 `json:"success_rate"`
	TimeoutRate         float64 `json:"timeout_rate"`
	AvgMatchSeconds     float64 `json:"avg_match_seconds"`
	FastestMatchSeconds float64 `json:"fastest_match_seconds"`
	SlowestMatchSeconds float64 `json:"slowest_match_seconds"`

	NotificationsSent     int     `json:"notifications_sent"`
	NotificationsAccepted int     `json:"notifications_accepted"`
	NotificationsRejected int     `json:"notifications_rejected"`
	NotificationsTimedOut int     `json:"notifications_timed_out"`
	AcceptanceRate        float64 `json:"acceptance_rate"`
}

type Direction string

const (
	TrendUp     Direction = "UP"
	TrendDown   Direction = "DOWN"
	TrendStable Direction = "STABLE"
)

type Trend struct {
	Date          string    `json:"date"`
	Direction     Direction `json:"direction"`
	ChangePercent float64   `json:"change_percent"`
}

type WeeklyReport struct {
	StartDate string        `json:"start_date"`
	EndDate   string        `json:"end_date"`
	Days      []DailyReport `json:"days"`

	TotalJobs      int     `json:"total_jobs"`
	TotalMatchings int     `json:"total_matchings"`
	Matched        int     `json:"matched"`
	TimedOut       int     `json:"timed_out"`
	Cancelled      int     `json:"cancelled"`
	SuccessRate    float64 `json:"success_rate"`
	TimeoutRate    float64 `json:"timeout_rate"`

	DayOverDay   []Trend `json:"day_over_day"`
	OverallTrend Trend   `json:"overall_trend"`
}

// DayWindow returns the calendar day containing t in the report location.
func (a *Aggregator) DayWindow(t time.Time) Window {
	t = t.In(a.cfg.Location)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.cfg.Location)
	return Window{From: start, To: start.AddDate(0, 0, 1)}
}

// DailyReport summarizes matching activity of the calendar day containing date.
func (a *Aggregator) DailyReport(ctx context.Context, date time.Time) (DailyReport, error) {
	w := a.DayWindow(date)
	rep := DailyReport{Date: w.From.Format(dateLayout), PeakHour: -1}

	ms, err := a.r.ListMetrics(ctx, w.From, w.To)
	if err != nil {
		return rep, fmt.Errorf("list metrics: %w", err)
	}
	jobs, err := a.r.ListJobsCreated(ctx, w.From, w.To)
	if err != nil {
		return rep, fmt.Errorf("list jobs: %w", err)
	}
	ns, err := a.r.ListNotificationsSent(ctx, models.NotificationQuery{From: w.From, To: w.To})
	if err != nil {
		return rep, fmt.Errorf("list notifications: %w", err)
	}

	rep.TotalJobs = len(jobs)
	rep.TotalMatchings = len(ms)
	for _, m := range ms {
		switch m.FinalStatus {
		case models.MatchingMatched:
			rep.Matched++
		case models.MatchingTimeout:
			rep.TimedOut++
		case models.MatchingCancelled:
			rep.Cancelled++
		case models.MatchingActive:
			rep.Active++
		}
	}
	rep.SuccessRate = percent(rep.Matched, rep.TotalMatchings)
	rep.TimeoutRate = percent(rep.TimedOut, rep.TotalMatchings)

	mt := summarizeMatchTimes(ms)
	rep.AvgMatchSeconds = round2(mt.avg)
	rep.FastestMatchSeconds = round2(mt.fastest)
	rep.SlowestMatchSeconds = round2(mt.slowest)

	rep.PeakHour, rep.PeakHourJobs = a.peakHour(jobs)

	c := countResponses(ns)
	rep.NotificationsSent = len(ns)
	rep.NotificationsAccepted = c.accepted
	rep.NotificationsRejected = c.rejected
	rep.NotificationsTimedOut = c.timeout
	rep.AcceptanceRate = percent(c.accepted, c.responded())
	return rep, nil
}

// peakHour is the hour of day with the most job creations, the earliest on ties.
func (a *Aggregator) peakHour(jobs []models.Job) (int, int) {
	if len(jobs) == 0 {
		return -1, 0
	}
	var counts [24]int
	for _, j := range jobs {
		counts[j.CreatedAt.In(a.cfg.Location).Hour()]++
	}
	best := 0
	for h := 1; h < 24; h++ {
		if counts[h] > counts[best] {
			best = h
		}
	}
	return best, counts[best]
}

// WeeklyReport covers the seven days starting at start.
func (a *Aggregator) WeeklyReport(ctx context.Context, start time.Time) (WeeklyReport, error) {
	first := a.DayWindow(start).From
	rep := WeeklyReport{StartDate: first.Format(dateLayout), EndDate: first.AddDate(0, 0, 6).Format(dateLayout)}

	for i := 0; i < 7; i++ {
		day, err := a.DailyReport(ctx, first.AddDate(0, 0, i))
		if err != nil {
			return rep, err
		}
		rep.Days = append(rep.Days, day)
		rep.TotalJobs += day.TotalJobs
		rep.TotalMatchings += day.TotalMatchings
		rep.Matched += day.Matched
		rep.TimedOut += day.TimedOut
		rep.Cancelled += day.Cancelled
		if i > 0 {
			rep.DayOverDay = append(rep.DayOverDay, a.trend(day.Date, rep.Days[i-1].TotalJobs, day.TotalJobs))
		}
	}
	rep.SuccessRate = percent(rep.Matched, rep.TotalMatchings)
	rep.TimeoutRate = percent(rep.TimedOut, rep.TotalMatchings)
	rep.OverallTrend = a.trend(rep.EndDate, rep.Days[0].TotalJobs, rep.Days[6].TotalJobs)
	return rep, nil
}

func (a *Aggregator) trend(date string, prev, cur int) Trend {
	t := Trend{Date: date, Direction: TrendStable}
	if prev == 0 {
		if cur > 0 {
			t.Direction = TrendUp
			t.ChangePercent = 100
		}
		return t
	}
	t.ChangePercent = round2(float64(cur-prev) / float64(prev) * 100)
	switch {
	case t.ChangePercent > a.cfg.TrendThresholdPercent:
		t.Direction = TrendUp
	case t.ChangePercent < -a.cfg.TrendThresholdPercent:
		t.Direction = TrendDown
	}
	return t
}

// ParseDate reads a YYYY-MM-DD date in the report location.
func (a *Aggregator) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, a.cfg.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
