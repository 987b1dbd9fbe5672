package matcher

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/alerts"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// handleWorkerTimeout closes one worker's offer and, once no offer is left
// open, runs the job expiry. Whether the job is still PENDING is left to
// expireJob. A cancelled ctx means the scheduler is shutting down: nothing
// is written after that.
func (s *Service) handleWorkerTimeout(ctx context.Context, jobID, workerID string) {
	log := s.logger.With("job_id", jobID, "worker_id", workerID)

	if ctx.Err() != nil {
		return
	}
	ok, err := s.store.ResolveNotification(ctx, jobID, workerID, models.ResponseTimeout, s.now())
	if err != nil {
		log.Error("worker timeout: resolve notification", "error", err)
		return
	}
	if ok {
		observability.WorkerTimeouts.Inc()
		log.Info("offer expired")
	}

	pending, err := s.store.CountPendingNotifications(ctx, jobID)
	if err != nil {
		log.Error("worker timeout: count pending", "error", err)
		return
	}
	if pending == 0 {
		s.expireJob(ctx, jobID, "all notified drivers timed out")
	}
}

func (s *Service) handleJobTimeout(ctx context.Context, jobID string) {
	s.expireJob(ctx, jobID, "matching window elapsed")
}

// expireJob ends matching for a job that is still PENDING. Only the caller
// that moves the metrics from ACTIVE to TIMEOUT raises the alert.
func (s *Service) expireJob(ctx context.Context, jobID, reason string) {
	log := s.logger.With("job_id", jobID)
	s.sched.CancelJob(jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("job timeout: load job", "error", err)
		return
	}
	if job.Status != models.JobPending || ctx.Err() != nil {
		return
	}
	now := s.now()
	if _, err := s.store.ExpirePendingNotifications(ctx, jobID, now); err != nil {
		log.Error("job timeout: expire notifications", "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	ok, err := s.store.UpdateMetrics(ctx, jobID, models.MetricsUpdate{FinalStatus: models.MatchingTimeout}, models.MatchingActive)
	if err != nil {
		log.Error("job timeout: update metrics", "error", err)
		return
	}
	if !ok {
		return
	}
	observability.JobTimeouts.Inc()
	log.Warn("matching timed out", "reason", reason)

	notified := 0
	if mm, err := s.store.GetMetrics(ctx, jobID); err == nil {
		notified = mm.TotalWorkersNotified
	}
	alert := models.Alert{
		JobID:    jobID,
		Kind:     alerts.KindMatchingTimeout,
		Severity: models.SeverityWarning,
		Message:  "No driver accepted the job: " + reason,
		RaisedAt: now,
		Context: map[string]any{
			"requester_id":     job.RequesterID,
			"requester_name":   job.RequesterName,
			"requester_phone":  job.RequesterPhone,
			"pickup_address":   job.PickupAddress,
			"drop_address":     job.DropAddress,
			"requested_time":   job.RequestedTime,
			"workers_notified": notified,
		},
	}
	if err := s.alerts.Raise(ctx, alert); err != nil {
		log.Error("raise timeout alert", "error", err)
	}
}

// raiseNoCandidates escalates a job that could not be offered to anyone.
func (s *Service) raiseNoCandidates(ctx context.Context, job *models.Job, opts MatchOptions, now time.Time) {
	alert := models.Alert{
		JobID:    job.ID,
		Kind:     alerts.KindNoCandidates,
		Severity: models.SeverityWarning,
		Message:  "No eligible driver near pickup",
		RaisedAt: now,
		Context: map[string]any{
			"requester_id":   job.RequesterID,
			"requester_name": job.RequesterName,
			"pickup_address": job.PickupAddress,
			"pickup":         job.Pickup,
		},
	}
	if opts.MaxDistanceKm != nil {
		alert.Context["max_distance_km"] = *opts.MaxDistanceKm
	}
	if err := s.alerts.Raise(ctx, alert); err != nil {
		s.logger.Error("raise no-candidates alert", "job_id", job.ID, "error", err)
	}
}

// CancelMatching stops matching for a job: timers are cleared, open offers
// are closed and, if this call ended the round, notified workers are told the
// job was withdrawn. Calling it again is a no-op.
func (s *Service) CancelMatching(ctx context.Context, jobID, reason string) error {
	log := s.logger.With("job_id", jobID)
	s.sched.CancelJob(jobID)

	now := s.now()
	if _, err := s.store.ExpirePendingNotifications(ctx, jobID, now); err != nil {
		return storeErr(err, "expire notifications")
	}
	ok, err := s.store.UpdateMetrics(ctx, jobID, models.MetricsUpdate{FinalStatus: models.MatchingCancelled}, models.MatchingActive)
	if err != nil {
		return storeErr(err, "update metrics")
	}
	if !ok {
		return nil
	}
	observability.Cancellations.Inc()
	log.Info("matching cancelled", "reason", reason)

	notes, err := s.store.ListNotifications(ctx, jobID)
	if err != nil {
		log.Warn("list notifications for withdrawal", "error", err)
		return nil
	}
	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.WorkerID)
	}
	res := s.bcast.Broadcast(ctx, ids, func(string) models.Message {
		return models.Message{Type: models.MessageJobWithdrawn, JobID: jobID, SentAt: now, Data: map[string]any{
			"reason": reason,
		}}
	})
	s.recordDelivery(models.MessageJobWithdrawn, res)
	return nil
}
