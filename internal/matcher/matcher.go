package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/driver-dispatch/internal/alerts"
	"github.com/example/driver-dispatch/internal/apperr"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/timeouts"
)

const msgNoWorkers = "No available drivers found"

var optionsValidator = validator.New()

// Config holds the tunables of the dispatch engine.
type Config struct {
	MaxWorkers        int
	WorkerTimeout     time.Duration
	JobTimeout        time.Duration
	NotifyTimeout     time.Duration
	NotifyConcurrency int
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:        5,
		WorkerTimeout:     30 * time.Second,
		JobTimeout:        300 * time.Second,
		NotifyTimeout:     5 * time.Second,
		NotifyConcurrency: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = d.WorkerTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.NotifyConcurrency <= 0 {
		c.NotifyConcurrency = d.NotifyConcurrency
	}
	return c
}

// Deps are the collaborators of the engine. Store and Notifier are required;
// the rest fall back to no-op or in-process defaults.
type Deps struct {
	Store     storage.Store
	Notifier  dispatch.Notifier
	Alerts    alerts.Sink
	Scheduler *timeouts.Scheduler
	Zones     *geo.ZoneResolver
	Geo       geo.Geo
	ETA       *eta.Estimator
	Logger    *slog.Logger
	Clock     func() time.Time
}

// MatchOptions narrows one matching round.
type MatchOptions struct {
	MaxWorkers       int      `json:"max_workers,omitempty" validate:"omitempty,min=1,max=50"`
	MaxDistanceKm    *float64 `json:"max_distance_km,omitempty" validate:"omitempty,gt=0"`
	ExcludeWorkerIDs []string `json:"exclude_worker_ids,omitempty"`
}

// MatchingResult is the outcome of StartMatching. Expected failures (unknown
// job, wrong state, nobody available) are reported here with a Code rather
// than as an error.
type MatchingResult struct {
	Success         bool        `json:"success"`
	Code            apperr.Code `json:"code,omitempty"`
	WorkersNotified int         `json:"workers_notified"`
	WorkerIDs       []string    `json:"worker_ids"`
	Errors          []string    `json:"errors,omitempty"`
}

type Action string

const (
	ActionAssigned     Action = "ASSIGNED"
	ActionRejected     Action = "REJECTED"
	ActionAlreadyTaken Action = "ALREADY_TAKEN"
	ActionJobCancelled Action = "JOB_CANCELLED"
)

type ResponseResult struct {
	Success bool        `json:"success"`
	Action  Action      `json:"action"`
	Message string      `json:"message"`
	Code    apperr.Code `json:"code,omitempty"`
}

// Service is the dispatch engine: it offers a job to the best candidates,
// resolves the single winning acceptance and reclaims unanswered offers.
type Service struct {
	cfg       Config
	store     storage.Store
	bcast     *dispatch.Broadcaster
	alerts    alerts.Sink
	sched     *timeouts.Scheduler
	zones     *geo.ZoneResolver
	geo       geo.Geo
	eta       *eta.Estimator
	logger    *slog.Logger
	now       func() time.Time
	ownsSched bool
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("matcher: store is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("matcher: notifier is required")
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		store:  deps.Store,
		bcast:  &dispatch.Broadcaster{Notifier: deps.Notifier, Timeout: cfg.NotifyTimeout, Concurrency: cfg.NotifyConcurrency},
		alerts: deps.Alerts,
		sched:  deps.Scheduler,
		zones:  deps.Zones,
		geo:    deps.Geo,
		eta:    deps.ETA,
		logger: logging.Component(deps.Logger, "matcher"),
		now:    deps.Clock,
	}
	if s.sched == nil {
		s.sched = timeouts.NewScheduler()
		s.sched.OnChange = func(armed int) { observability.ArmedTimers.Set(float64(armed)) }
		s.ownsSched = true
	}
	if s.alerts == nil {
		s.alerts = &alerts.LogSink{Logger: s.logger}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Shutdown cancels every armed timer without side effects and waits for
// running timer callbacks to return.
func (s *Service) Shutdown() {
	s.sched.Shutdown()
}

// StartMatching offers a pending job to the best available workers and arms
// the worker and job expiry timers.
func (s *Service) StartMatching(ctx context.Context, jobID string, opts MatchOptions) (MatchingResult, error) {
	log := s.logger.With("job_id", jobID)
	if err := optionsValidator.Struct(opts); err != nil {
		return MatchingResult{}, apperr.Wrap(apperr.CodeValidation, err, "invalid match options")
	}

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return failed(apperr.CodeNotFound, "Job not found"), nil
	}
	if err != nil {
		return MatchingResult{}, storeErr(err, "load job")
	}
	if job.Status != models.JobPending {
		return failed(apperr.CodeInvalidState, fmt.Sprintf("Job is %s, not PENDING", job.Status)), nil
	}
	if _, err := s.store.GetMetrics(ctx, jobID); err == nil {
		return failed(apperr.CodeInvalidState, "Matching already started for this job"), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return MatchingResult{}, storeErr(err, "load metrics")
	}

	cands, err := s.selectCandidates(ctx, job, opts)
	if err != nil {
		return MatchingResult{}, err
	}
	now := s.now()

	if len(cands) == 0 {
		err := s.store.CreateMetrics(ctx, models.MatchingMetrics{JobID: jobID, FinalStatus: models.MatchingTimeout, CreatedAt: now})
		if errors.Is(err, storage.ErrConflict) {
			return failed(apperr.CodeInvalidState, "Matching already started for this job"), nil
		}
		if err != nil {
			return MatchingResult{}, storeErr(err, "create metrics")
		}
		observability.MatchingsStarted.WithLabelValues("no_candidates").Inc()
		log.Info("no candidates for job")
		s.raiseNoCandidates(ctx, job, opts, now)
		return failed(apperr.CodeNoCandidates, msgNoWorkers), nil
	}

	ids := make([]string, len(cands))
	byID := make(map[string]candidate, len(cands))
	for i, c := range cands {
		ids[i] = c.worker.ID
		byID[c.worker.ID] = c
	}

	// The metrics row doubles as the start marker: a concurrent start for the
	// same job fails on it before any notification is written.
	err = s.store.CreateMetrics(ctx, models.MatchingMetrics{
		JobID:                jobID,
		TotalWorkersNotified: len(ids),
		FinalStatus:          models.MatchingActive,
		CreatedAt:            now,
	})
	if errors.Is(err, storage.ErrConflict) {
		return failed(apperr.CodeInvalidState, "Matching already started for this job"), nil
	}
	if err != nil {
		return MatchingResult{}, storeErr(err, "create metrics")
	}
	if err := s.store.CreateNotifications(ctx, jobID, ids, now); err != nil {
		if _, uerr := s.store.UpdateMetrics(ctx, jobID, models.MetricsUpdate{FinalStatus: models.MatchingCancelled}, models.MatchingActive); uerr != nil {
			log.Error("rollback metrics failed", "error", uerr)
		}
		return MatchingResult{}, storeErr(err, "create notifications")
	}

	// Timers are armed before any offer goes out so an early response always
	// finds them registered.
	s.sched.Schedule(timeouts.Key{JobID: jobID}, s.cfg.JobTimeout, func(ctx context.Context) {
		s.handleJobTimeout(ctx, jobID)
	})
	for _, id := range ids {
		workerID := id
		s.sched.Schedule(timeouts.Key{JobID: jobID, WorkerID: workerID}, s.cfg.WorkerTimeout, func(ctx context.Context) {
			s.handleWorkerTimeout(ctx, jobID, workerID)
		})
	}

	expiresAt := now.Add(s.cfg.WorkerTimeout)
	res := s.bcast.Broadcast(ctx, ids, func(workerID string) models.Message {
		return s.offerMessage(ctx, job, byID[workerID], expiresAt)
	})
	s.recordDelivery(models.MessageJobOffer, res)
	observability.OffersSent.Add(float64(len(res.Delivered)))
	observability.OffersFailed.Add(float64(len(res.Failed)))
	observability.MatchingsStarted.WithLabelValues("notified").Inc()

	var errs []string
	for _, f := range res.Failed {
		log.Warn("offer delivery failed", "worker_id", f.RecipientID, "error", f.Err)
		errs = append(errs, f.Error())
	}
	log.Info("matching started", "workers_notified", len(ids), "delivered", len(res.Delivered))

	return MatchingResult{Success: true, WorkersNotified: len(ids), WorkerIDs: ids, Errors: errs}, nil
}

// HandleWorkerResponse applies a worker's ACCEPT or REJECT to an offer.
// Across any number of concurrent accepts for one job exactly one returns
// ActionAssigned.
func (s *Service) HandleWorkerResponse(ctx context.Context, jobID, workerID string, resp models.WorkerResponse) (ResponseResult, error) {
	if resp.Type != models.ResponseAccept && resp.Type != models.ResponseReject {
		return ResponseResult{}, apperr.Newf(apperr.CodeValidation, "unknown response type %q", resp.Type)
	}
	n, err := s.store.GetNotification(ctx, jobID, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.respond(ActionJobCancelled, false, "This job is no longer available"), nil
	}
	if err != nil {
		return ResponseResult{}, storeErr(err, "load notification")
	}
	if r, done := settled(n); done {
		return s.respond(r.Action, false, r.Message), nil
	}

	if resp.Type == models.ResponseReject {
		return s.reject(ctx, jobID, workerID)
	}
	return s.accept(ctx, jobID, workerID)
}

func (s *Service) reject(ctx context.Context, jobID, workerID string) (ResponseResult, error) {
	ok, err := s.store.ResolveNotification(ctx, jobID, workerID, models.ResponseRejected, s.now())
	if err != nil {
		return ResponseResult{}, storeErr(err, "resolve notification")
	}
	if !ok {
		// resolved concurrently, most likely by the worker's own timer
		n, err := s.store.GetNotification(ctx, jobID, workerID)
		if err != nil {
			return ResponseResult{}, storeErr(err, "load notification")
		}
		r, _ := settled(n)
		return s.respond(r.Action, false, r.Message), nil
	}
	s.sched.Cancel(timeouts.Key{JobID: jobID, WorkerID: workerID})
	s.logger.Info("offer rejected", "job_id", jobID, "worker_id", workerID)

	pending, err := s.store.CountPendingNotifications(ctx, jobID)
	if err != nil {
		s.logger.Error("count pending notifications", "job_id", jobID, "error", err)
	} else if pending == 0 {
		s.expireJob(ctx, jobID, "all notified drivers declined")
	}
	return s.respond(ActionRejected, true, "Offer declined"), nil
}

func (s *Service) accept(ctx context.Context, jobID, workerID string) (ResponseResult, error) {
	log := s.logger.With("job_id", jobID, "worker_id", workerID)

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.respond(ActionJobCancelled, false, "This job is no longer available"), nil
	}
	if err != nil {
		return ResponseResult{}, storeErr(err, "load job")
	}
	switch job.Status {
	case models.JobPending:
	case models.JobCancelled:
		return s.respond(ActionJobCancelled, false, "This job was cancelled"), nil
	default:
		return s.raceLost(), nil
	}
	mm, err := s.store.GetMetrics(ctx, jobID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ResponseResult{}, storeErr(err, "load metrics")
	}
	if mm != nil {
		switch mm.FinalStatus {
		case models.MatchingActive:
		case models.MatchingMatched:
			return s.raceLost(), nil
		default:
			return s.respond(ActionJobCancelled, false, "This job is no longer available"), nil
		}
	}

	applied, err := s.store.ConditionalUpdateJob(ctx, jobID, models.JobPending, job.Version, models.JobAccepted, workerID)
	if err != nil {
		return ResponseResult{}, storeErr(err, "assign job")
	}
	if !applied {
		if cur, err := s.store.GetJob(ctx, jobID); err == nil && cur.Status == models.JobCancelled {
			return s.respond(ActionJobCancelled, false, "This job was cancelled"), nil
		}
		log.Debug("accept lost the race")
		return s.raceLost(), nil
	}

	now := s.now()
	s.sched.CancelJob(jobID)

	if ok, err := s.store.ResolveNotification(ctx, jobID, workerID, models.ResponseAccepted, now); err != nil || !ok {
		// the job row is authoritative; the offer was resolved by a racing timer
		log.Warn("winning notification not resolved", "applied", ok, "error", err)
	}
	if mm != nil {
		ttm := now.Sub(mm.CreatedAt).Seconds()
		upd := models.MetricsUpdate{FinalStatus: models.MatchingMatched, AssignedWorkerID: workerID, AcceptedAt: &now, TimeToMatch: &ttm}
		if ok, err := s.store.UpdateMetrics(ctx, jobID, upd, models.MatchingActive); err != nil || !ok {
			log.Warn("metrics not marked matched", "applied", ok, "error", err)
		} else {
			observability.MatchLatency.Observe(ttm)
		}
	}
	observability.Assignments.Inc()
	log.Info("job assigned")

	job.Status = models.JobAccepted
	job.AssignedWorkerID = workerID
	s.notifyAssignment(ctx, job, workerID)

	return s.respond(ActionAssigned, true, "Job assigned to you"), nil
}

func (s *Service) notifyAssignment(ctx context.Context, job *models.Job, workerID string) {
	log := s.logger.With("job_id", job.ID, "worker_id", workerID)

	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		log.Warn("load assigned worker", "error", err)
		worker = &models.Worker{ID: workerID}
	}

	s.sendOne(ctx, workerID, assignedMessage(job, s.now()))
	if job.RequesterID != "" {
		s.sendOne(ctx, job.RequesterID, workerAssignedMessage(job, worker, s.now()))
	}

	notes, err := s.store.ListNotifications(ctx, job.ID)
	if err != nil {
		log.Warn("list notifications for taken notice", "error", err)
		return
	}
	others := make([]string, 0, len(notes))
	for _, n := range notes {
		if n.WorkerID != workerID {
			others = append(others, n.WorkerID)
		}
	}
	if len(others) == 0 {
		return
	}
	res := s.bcast.Broadcast(ctx, others, func(string) models.Message {
		return models.Message{Type: models.MessageJobTaken, JobID: job.ID, SentAt: s.now(), Data: map[string]any{
			"message": "This job has been taken by another driver",
		}}
	})
	s.recordDelivery(models.MessageJobTaken, res)
}

func (s *Service) sendOne(ctx context.Context, recipientID string, msg models.Message) {
	result := "delivered"
	if err := s.bcast.SendOne(ctx, recipientID, msg); err != nil {
		result = "failed"
		s.logger.Warn("notification failed", "job_id", msg.JobID, "recipient_id", recipientID, "type", msg.Type, "error", err)
	}
	observability.Notifications.WithLabelValues(string(msg.Type), result).Inc()
}

func (s *Service) recordDelivery(t models.MessageType, res dispatch.BroadcastResult) {
	observability.Notifications.WithLabelValues(string(t), "delivered").Add(float64(len(res.Delivered)))
	observability.Notifications.WithLabelValues(string(t), "failed").Add(float64(len(res.Failed)))
	for _, f := range res.Failed {
		s.logger.Debug("delivery failed", "type", t, "recipient_id", f.RecipientID, "error", f.Err)
	}
}

func (s *Service) respond(a Action, ok bool, msg string) ResponseResult {
	observability.Responses.WithLabelValues(string(a)).Inc()
	return ResponseResult{Success: ok, Action: a, Message: msg}
}

// raceLost answers an acceptance that arrived after another worker won the job.
func (s *Service) raceLost() ResponseResult {
	observability.RacesLost.Inc()
	r := s.respond(ActionAlreadyTaken, false, "This job has already been taken by another driver")
	r.Code = apperr.CodeRaceLost
	return r
}

// settled classifies an offer that already has a terminal response.
func settled(n *models.Notification) (ResponseResult, bool) {
	switch n.Response {
	case models.ResponseNone:
		return ResponseResult{}, false
	case models.ResponseTimeout:
		return ResponseResult{Action: ActionJobCancelled, Message: "This offer has expired"}, true
	default:
		return ResponseResult{Action: ActionAlreadyTaken, Message: "You have already responded to this offer"}, true
	}
}

func failed(code apperr.Code, msg string) MatchingResult {
	return MatchingResult{Success: false, Code: code, WorkerIDs: []string{}, Errors: []string{msg}}
}

func storeErr(err error, op string) error {
	return apperr.Wrap(apperr.CodeStoreUnavailable, err, op)
}
