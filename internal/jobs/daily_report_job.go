package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/driver-dispatch/internal/analytics"
)

type DailyReporter interface {
	DailyReport(ctx context.Context, date time.Time) (analytics.DailyReport, error)
	Now() time.Time
}

// DailyReportJob logs the previous day's matching report once a day.
type DailyReportJob struct {
	reporter DailyReporter
	spec     string
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewDailyReportJob(reporter DailyReporter, spec string, logger *slog.Logger) *DailyReportJob {
	return &DailyReportJob{
		reporter: reporter,
		spec:     spec,
		cron:     cron.New(),
		logger:   logger.With("component", "daily_report_job"),
	}
}

func (j *DailyReportJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, func() { _, _ = j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("daily report job started", "spec", j.spec)
	return nil
}

func (j *DailyReportJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("daily report job stopped")
}

// Run builds and logs the report for the day before now.
func (j *DailyReportJob) Run(ctx context.Context) (analytics.DailyReport, error) {
	rep, err := j.reporter.DailyReport(ctx, j.reporter.Now().AddDate(0, 0, -1))
	if err != nil {
		j.logger.ErrorContext(ctx, "daily report failed", "error", err)
		return rep, err
	}
	j.logger.InfoContext(ctx, "daily report",
		"date", rep.Date,
		"total_jobs", rep.TotalJobs,
		"matched", rep.Matched,
		"timed_out", rep.TimedOut,
		"cancelled", rep.Cancelled,
		"success_rate", rep.SuccessRate,
		"avg_match_seconds", rep.AvgMatchSeconds,
		"peak_hour", rep.PeakHour,
		"acceptance_rate", rep.AcceptanceRate,
	)
	return rep, nil
}
