package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-dispatch/internal/alerts"
	"github.com/example/driver-dispatch/internal/apperr"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/timeouts"
)

func TestScenarioFirstAcceptWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longTimeouts())
	h.seedJob(t, "j1")
	h.seedWorker(t, "w1", 1, 4.5)
	h.seedWorker(t, "w2", 2, 4.5)
	h.seedWorker(t, "w3", 3, 4.5)

	res, err := h.svc.StartMatching(ctx, "j1", MatchOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.WorkersNotified)
	require.Equal(t, 4, h.sched.ArmedForJob("j1"))

	h.clock.Advance(5 * time.Second)
	won, err := h.svc.HandleWorkerResponse(ctx, "j1", "w1", models.WorkerResponse{Type: models.ResponseAccept})
	require.NoError(t, err)
	assert.True(t, won.Success)
	assert.Equal(t, ActionAssigned, won.Action)

	lost, err := h.svc.HandleWorkerResponse(ctx, "j1", "w2", models.WorkerResponse{Type: models.ResponseAccept})
	require.NoError(t, err)
	assert.False(t, lost.Success)
	assert.Equal(t, ActionAlreadyTaken, lost.Action)
	assert.Equal(t, apperr.CodeRaceLost, lost.Code)

	job, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobAccepted, job.Status)
	assert.Equal(t, "w1", job.AssignedWorkerID)
	assert.Equal(t, int64(2), job.Version)

	mm, err := h.store.GetMetrics(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchingMatched, mm.FinalStatus)
	assert.Equal(t, "w1", mm.AssignedWorkerID)
	require.NotNil(t, mm.TimeToMatch)
	assert.InDelta(t, 5.0, *mm.TimeToMatch, 0.001)
	require.NotNil(t, mm.AcceptedAt)

	n1, err := h.store.GetNotification(ctx, "j1", "w1")
	require.NoError(t, err)
	assert.Equal(t, models.ResponseAccepted, n1.Response)
	n2, err := h.store.GetNotification(ctx, "j1", "w2")
	require.NoError(t, err)
	assert.True(t, n2.Pending(), "the losing accept must not touch its offer")

	assert.Zero(t, h.sched.ArmedForJob("j1"))
	assert.False(t, h.sched.Armed(timeouts.Key{JobID: "j1", WorkerID: "w3"}))

	assert.Equal(t, []models.MessageType{models.MessageJobOffer, models.MessageJobAssigned}, h.notes.types("w1"))
	assert.Equal(t, []models.MessageType{models.MessageJobOffer, models.MessageJobTaken}, h.notes.types("w2"))
	assert.Equal(t, []models.MessageType{models.MessageJobOffer, models.MessageJobTaken}, h.notes.types("w3"))
	assert.Equal(t, []models.MessageType{models.MessageWorkerAssigned}, h.notes.types("cust-1"))

	h.notes.mu.Lock()
	toRequester := h.notes.msgs["cust-1"][0]
	toWorker := h.notes.msgs["w1"][1]
	h.notes.mu.Unlock()
	assert.Equal(t, "Driver w1", toRequester.Data["worker_name"])
	assert.Equal(t, "+910000000001", toWorker.Data["requester_phone"])
	assert.Zero(t, h.alerts.count())
}

func TestScenarioNoDriversAvailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longTimeouts())
	h.seedJob(t, "j1")
	require.NoError(t, h.store.SaveWorker(ctx, &models.Worker{ID: "busy", IsOnline: true, IsVerified: true, IsActive: true, Loc: &pickup}))

	res, err := h.svc.StartMatching(ctx, "j1", MatchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, apperr.CodeNoCandidates, res.Code)
	assert.Contains(t, res.Errors, "No available drivers found")

	mm, err := h.store.GetMetrics(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchingTimeout, mm.FinalStatus)
	assert.Zero(t, mm.TotalWorkersNotified)
	assert.Empty(t, h.notes.types("busy"))
	assert.Zero(t, h.sched.Len())

	require.Equal(t, 1, h.alerts.count())
	a := h.alerts.got[0]
	assert.Equal(t, alerts.KindNoCandidates, a.Kind)
	assert.Equal(t, models.SeverityWarning, a.Severity)
	assert.Equal(t, "j1", a.JobID)
	assert.Equal(t, "cust-1", a.Context["requester_id"])
	assert.Equal(t, "MG Road", a.Context["pickup_address"])
}

func TestScenarioSilentWorkersCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{WorkerTimeout: 40 * time.Millisecond, JobTimeout: time.Minute})
	h.seedJob(t, "j1")
	h.seedWorker(t, "w1", 1, 4.5)
	h.seedWorker(t, "w2", 2, 4.5)
	h.seedWorker(t, "w3", 3, 4.5)

	start := time.Now()
	_, err := h.svc.StartMatching(ctx, "j1", MatchOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mm, err := h.store.GetMetrics(ctx, "j1")
		return err == nil && mm.FinalStatus == models.MatchingTimeout
	}, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), time.Minute, "cascade must not wait for the job timer")

	// give any straggling worker timer a chance to double-report
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.alerts.count())
	assert.Zero(t, h.sched.ArmedForJob("j1"))

	notes, err := h.store.ListNotifications(ctx, "j1")
	require.NoError(t, err)
	for _, n := range notes {
		assert.Equal(t, models.ResponseTimeout, n.Response, n.WorkerID)
	}
	job, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)

	late, err := h.svc.HandleWorkerResponse(ctx, "j1", "w2", models.WorkerResponse{Type: models.ResponseAccept})
	require.NoError(t, err)
	assert.Equal(t, ActionJobCancelled, late.Action)
}

func TestConcurrentAcceptsAssignExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longTimeouts())
	h.seedJob(t, "j1")
	const n = 20
	for i := 0; i < n; i++ {
		h.seedWorker(t, fmt.Sprintf("w%02d", i), float64(i)/10, 4.5)
	}
	res, err := h.svc.StartMatching(ctx, "j1", MatchOptions{MaxWorkers: n})
	require.NoError(t, err)
	require.Equal(t, n, res.WorkersNotified)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		actions = map[Action]int{}
		winner  string
	)
	start := make(chan struct{})
	for _, id := range res.WorkerIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := h.svc.HandleWorkerResponse(ctx, "j1", id, models.WorkerResponse{Type: models.ResponseAccept})
			assert.NoError(t, err)
			mu.Lock()
			actions[r.Action]++
			if r.Action == ActionAssigned {
				winner = id
			}
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, actions[ActionAssigned])
	assert.Equal(t, n-1, actions[ActionAlreadyTaken])

	job, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, winner, job.AssignedWorkerID)
	assert.Equal(t, int64(2), job.Version)

	notes, err := h.store.ListNotifications(ctx, "j1")
	require.NoError(t, err)
	accepted := 0
	for _, nt := range notes {
		if nt.Response == models.ResponseAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}
