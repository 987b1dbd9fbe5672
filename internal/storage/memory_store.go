package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type notificationKey struct{ jobID, workerID string }

// MemoryStore is an in-process Store used for local runs and tests. A single
// mutex serializes writers, which makes ConditionalUpdateJob a true
// compare-and-swap. Records are copied on the way in and out.
type MemoryStore struct {
	mu            sync.RWMutex
	jobs          map[string]*models.Job
	workers       map[string]*models.Worker
	notifications map[notificationKey]*models.Notification
	byJob         map[string][]string // job id -> worker ids in creation order
	metrics       map[string]*models.MatchingMetrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:          make(map[string]*models.Job),
		workers:       make(map[string]*models.Worker),
		notifications: make(map[notificationKey]*models.Notification),
		byJob:         make(map[string][]string),
		metrics:       make(map[string]*models.MatchingMetrics),
	}
}

func (m *MemoryStore) SaveJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.Status == "" {
		cp.Status = models.JobPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.jobs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ConditionalUpdateJob(_ context.Context, id string, expectedStatus models.JobStatus, expectedVersion int64, newStatus models.JobStatus, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status != expectedStatus || j.Version != expectedVersion || j.AssignedWorkerID != "" {
		return false, nil
	}
	j.Status = newStatus
	j.AssignedWorkerID = workerID
	j.Version++
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SaveWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = copyWorker(w)
	return nil
}

func (m *MemoryStore) UpdateWorkerLocation(_ context.Context, workerID string, loc models.Coord, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	l := loc
	w.Loc = &l
	w.IsOnline = online
	w.LastSeenAt = at
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return copyWorker(w), nil
}

func (m *MemoryStore) GetWorkersMatching(_ context.Context, filter models.WorkerFilter) ([]models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if !w.Eligible() || slices.Contains(filter.ExcludeIDs, w.ID) {
			continue
		}
		if len(filter.Zones) > 0 && !overlaps(w.Zones, filter.Zones) {
			continue
		}
		out = append(out, *copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CountEligibleWorkers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.workers {
		if w.Eligible() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateNotifications(_ context.Context, jobID string, workerIDs []string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wid := range workerIDs {
		if _, ok := m.notifications[notificationKey{jobID, wid}]; ok {
			return fmt.Errorf("notification %s/%s: %w", jobID, wid, ErrConflict)
		}
	}
	for _, wid := range workerIDs {
		m.notifications[notificationKey{jobID, wid}] = &models.Notification{JobID: jobID, WorkerID: wid, SentAt: sentAt}
		m.byJob[jobID] = append(m.byJob[jobID], wid)
	}
	return nil
}

func (m *MemoryStore) GetNotification(_ context.Context, jobID, workerID string) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[notificationKey{jobID, workerID}]
	if !ok {
		return nil, fmt.Errorf("notification %s/%s: %w", jobID, workerID, ErrNotFound)
	}
	return copyNotification(n), nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, jobID string) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byJob[jobID]
	out := make([]models.Notification, 0, len(ids))
	for _, wid := range ids {
		out = append(out, *copyNotification(m.notifications[notificationKey{jobID, wid}]))
	}
	return out, nil
}

func (m *MemoryStore) ResolveNotification(_ context.Context, jobID, workerID string, resp models.NotificationResponse, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[notificationKey{jobID, workerID}]
	if !ok || !n.Pending() {
		return false, nil
	}
	t := at
	n.Response = resp
	n.RespondedAt = &t
	return true, nil
}

func (m *MemoryStore) ExpirePendingNotifications(_ context.Context, jobID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, wid := range m.byJob[jobID] {
		n := m.notifications[notificationKey{jobID, wid}]
		if n.Pending() {
			t := at
			n.Response = models.ResponseTimeout
			n.RespondedAt = &t
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountPendingNotifications(_ context.Context, jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, wid := range m.byJob[jobID] {
		if m.notifications[notificationKey{jobID, wid}].Pending() {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListNotificationsSent(_ context.Context, q models.NotificationQuery) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if q.WorkerID != "" && n.WorkerID != q.WorkerID {
			continue
		}
		if !inWindow(n.SentAt, q.From, q.To) {
			continue
		}
		out = append(out, *copyNotification(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (m *MemoryStore) CreateMetrics(_ context.Context, mm models.MatchingMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metrics[mm.JobID]; ok {
		return fmt.Errorf("metrics %s: %w", mm.JobID, ErrConflict)
	}
	m.metrics[mm.JobID] = copyMetrics(&mm)
	return nil
}

func (m *MemoryStore) GetMetrics(_ context.Context, jobID string) (*models.MatchingMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm, ok := m.metrics[jobID]
	if !ok {
		return nil, fmt.Errorf("metrics %s: %w", jobID, ErrNotFound)
	}
	return copyMetrics(mm), nil
}

func (m *MemoryStore) UpdateMetrics(_ context.Context, jobID string, upd models.MetricsUpdate, expected models.FinalStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.metrics[jobID]
	if !ok || mm.FinalStatus != expected {
		return false, nil
	}
	mm.FinalStatus = upd.FinalStatus
	if upd.AssignedWorkerID != "" {
		mm.AssignedWorkerID = upd.AssignedWorkerID
	}
	if upd.AcceptedAt != nil {
		t := *upd.AcceptedAt
		mm.AcceptedAt = &t
	}
	if upd.TimeToMatch != nil {
		v := *upd.TimeToMatch
		mm.TimeToMatch = &v
	}
	return true, nil
}

func (m *MemoryStore) CountMetricsByStatus(_ context.Context, status models.FinalStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mm := range m.metrics {
		if mm.FinalStatus == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListMetrics(_ context.Context, from, to time.Time) ([]models.MatchingMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MatchingMetrics
	for _, mm := range m.metrics {
		if inWindow(mm.CreatedAt, from, to) {
			out = append(out, *copyMetrics(mm))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListJobsCreated(_ context.Context, from, to time.Time) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, j := range m.jobs {
		if inWindow(j.CreatedAt, from, to) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// inWindow reports from <= t < to; a zero bound is open.
func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func copyWorker(w *models.Worker) *models.Worker {
	cp := *w
	cp.Zones = slices.Clone(w.Zones)
	if w.Loc != nil {
		l := *w.Loc
		cp.Loc = &l
	}
	return &cp
}

func copyNotification(n *models.Notification) *models.Notification {
	cp := *n
	if n.RespondedAt != nil {
		t := *n.RespondedAt
		cp.RespondedAt = &t
	}
	return &cp
}

func copyMetrics(mm *models.MatchingMetrics) *models.MatchingMetrics {
	cp := *mm
	if mm.AcceptedAt != nil {
		t := *mm.AcceptedAt
		cp.AcceptedAt = &t
	}
	if mm.TimeToMatch != nil {
		v := *mm.TimeToMatch
		cp.TimeToMatch = &v
	}
	return &cp
}
