package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniquely keyed row already exists.
	ErrConflict = errors.New("already exists")
)

// Store is the persistence surface required by the dispatch engine.
//
// ConditionalUpdateJob is the only operation that must be atomic with respect
// to concurrent writers: it applies only when the job still has the expected
// status and version and no assigned worker, and reports whether it applied.
// ResolveNotification and UpdateMetrics are guarded writes that only move a row
// out of its initial state.
type Store interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ConditionalUpdateJob(ctx context.Context, id string, expectedStatus models.JobStatus, expectedVersion int64, newStatus models.JobStatus, workerID string) (bool, error)

	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	GetWorkersMatching(ctx context.Context, filter models.WorkerFilter) ([]models.Worker, error)

	CreateNotifications(ctx context.Context, jobID string, workerIDs []string, sentAt time.Time) error
	GetNotification(ctx context.Context, jobID, workerID string) (*models.Notification, error)
	ListNotifications(ctx context.Context, jobID string) ([]models.Notification, error)
	ResolveNotification(ctx context.Context, jobID, workerID string, resp models.NotificationResponse, at time.Time) (bool, error)
	ExpirePendingNotifications(ctx context.Context, jobID string, at time.Time) (int, error)
	CountPendingNotifications(ctx context.Context, jobID string) (int, error)

	CreateMetrics(ctx context.Context, m models.MatchingMetrics) error
	GetMetrics(ctx context.Context, jobID string) (*models.MatchingMetrics, error)
	UpdateMetrics(ctx context.Context, jobID string, upd models.MetricsUpdate, expected models.FinalStatus) (bool, error)
}

// Reader is the read-side surface used by analytics.
type Reader interface {
	CountMetricsByStatus(ctx context.Context, status models.FinalStatus) (int, error)
	ListMetrics(ctx context.Context, from, to time.Time) ([]models.MatchingMetrics, error)
	ListNotificationsSent(ctx context.Context, q models.NotificationQuery) ([]models.Notification, error)
	ListJobsCreated(ctx context.Context, from, to time.Time) ([]models.Job, error)
	CountEligibleWorkers(ctx context.Context) (int, error)
}

// Seeder writes the records owned by external flows (booking, worker status).
type Seeder interface {
	SaveJob(ctx context.Context, j *models.Job) error
	SaveWorker(ctx context.Context, w *models.Worker) error
	UpdateWorkerLocation(ctx context.Context, workerID string, loc models.Coord, online bool, at time.Time) error
}
