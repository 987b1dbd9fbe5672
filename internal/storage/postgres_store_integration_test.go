package storage_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type PostgresStoreIntegrationTestSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	store     *storage.PostgresStore
}

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration tests in short mode")
	}
	suite.Run(t, new(PostgresStoreIntegrationTestSuite))
}

func (s *PostgresStoreIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("dispatch"),
		postgres.WithUsername("dispatch"),
		postgres.WithPassword("dispatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	store, err := storage.NewPostgresStore(dsn)
	s.Require().NoError(err)
	s.store = store

	applied, err := store.Migrate(ctx)
	s.Require().NoError(err)
	s.Require().NotEmpty(applied)
}

func (s *PostgresStoreIntegrationTestSuite) SetupTest() {
	_, err := s.store.DB().Exec("TRUNCATE TABLE matching_metrics, job_notifications, jobs, workers")
	s.Require().NoError(err)
}

func (s *PostgresStoreIntegrationTestSuite) TearDownSuite() {
	if s.store != nil {
		s.Require().NoError(s.store.Close())
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *PostgresStoreIntegrationTestSuite) saveJob(id string) {
	err := s.store.SaveJob(context.Background(), &models.Job{
		ID:            id,
		Pickup:        models.Coord{Lat: 52.52, Lon: 13.40},
		Drop:          models.Coord{Lat: 52.50, Lon: 13.45},
		RequestedTime: time.Now(),
		RequesterID:   "r1",
	})
	s.Require().NoError(err)
}

func (s *PostgresStoreIntegrationTestSuite) TestConditionalUpdateJob_ConcurrentAccepts_SingleWinner() {
	ctx := context.Background()
	s.saveJob("job-race")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.store.ConditionalUpdateJob(ctx, "job-race", models.JobPending, 1, models.JobAccepted, fmt.Sprintf("w%d", i))
			s.NoError(err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.EqualValues(1, wins.Load())
	job, err := s.store.GetJob(ctx, "job-race")
	s.Require().NoError(err)
	s.Equal(models.JobAccepted, job.Status)
	s.EqualValues(2, job.Version)
	s.NotEmpty(job.AssignedWorkerID)
}

func (s *PostgresStoreIntegrationTestSuite) TestGetJob_Missing_ReturnsNotFound() {
	_, err := s.store.GetJob(context.Background(), "missing")
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *PostgresStoreIntegrationTestSuite) TestGetWorkersMatching_ZonesAndExclusions() {
	ctx := context.Background()
	for _, w := range []*models.Worker{
		{ID: "a", IsAvailable: true, IsOnline: true, IsVerified: true, IsActive: true, Zones: []string{"north"}, Loc: &models.Coord{Lat: 1, Lon: 2}},
		{ID: "b", IsAvailable: true, IsOnline: true, IsVerified: true, IsActive: true, Zones: []string{"south"}},
		{ID: "c", IsAvailable: true, IsOnline: true, IsVerified: true, IsActive: true, Zones: []string{"north", "south"}},
		{ID: "d", IsAvailable: true, IsOnline: false, IsVerified: true, IsActive: true, Zones: []string{"north"}},
	} {
		s.Require().NoError(s.store.SaveWorker(ctx, w))
	}

	all, err := s.store.GetWorkersMatching(ctx, models.WorkerFilter{})
	s.Require().NoError(err)
	s.Len(all, 3)

	north, err := s.store.GetWorkersMatching(ctx, models.WorkerFilter{Zones: []string{"north"}, ExcludeIDs: []string{"c"}})
	s.Require().NoError(err)
	s.Require().Len(north, 1)
	s.Equal("a", north[0].ID)
	s.Require().NotNil(north[0].Loc)
	s.InDelta(1.0, north[0].Loc.Lat, 1e-9)

	count, err := s.store.CountEligibleWorkers(ctx)
	s.Require().NoError(err)
	s.Equal(3, count)
}

func (s *PostgresStoreIntegrationTestSuite) TestNotifications_Lifecycle() {
	ctx := context.Background()
	s.saveJob("job-n")
	now := time.Now().UTC().Truncate(time.Millisecond)

	s.Require().NoError(s.store.CreateNotifications(ctx, "job-n", []string{"w1", "w2", "w3"}, now))
	s.ErrorIs(s.store.CreateNotifications(ctx, "job-n", []string{"w1"}, now), storage.ErrConflict)

	ok, err := s.store.ResolveNotification(ctx, "job-n", "w1", models.ResponseRejected, now)
	s.Require().NoError(err)
	s.True(ok)
	ok, err = s.store.ResolveNotification(ctx, "job-n", "w1", models.ResponseAccepted, now)
	s.Require().NoError(err)
	s.False(ok)

	pending, err := s.store.CountPendingNotifications(ctx, "job-n")
	s.Require().NoError(err)
	s.Equal(2, pending)

	expired, err := s.store.ExpirePendingNotifications(ctx, "job-n", now)
	s.Require().NoError(err)
	s.Equal(2, expired)

	n, err := s.store.GetNotification(ctx, "job-n", "w2")
	s.Require().NoError(err)
	s.Equal(models.ResponseTimeout, n.Response)
	s.NotNil(n.RespondedAt)

	sent, err := s.store.ListNotificationsSent(ctx, models.NotificationQuery{WorkerID: "w2", From: now.Add(-time.Minute)})
	s.Require().NoError(err)
	s.Len(sent, 1)
}

func (s *PostgresStoreIntegrationTestSuite) TestMetrics_GuardedTerminalTransition() {
	ctx := context.Background()
	s.saveJob("job-m")
	created := time.Now().UTC()

	s.Require().NoError(s.store.CreateMetrics(ctx, models.MatchingMetrics{JobID: "job-m", TotalWorkersNotified: 3, FinalStatus: models.MatchingActive, CreatedAt: created}))
	s.ErrorIs(s.store.CreateMetrics(ctx, models.MatchingMetrics{JobID: "job-m", FinalStatus: models.MatchingActive, CreatedAt: created}), storage.ErrConflict)

	accepted := created.Add(5 * time.Second)
	ttm := 5.0
	ok, err := s.store.UpdateMetrics(ctx, "job-m", models.MetricsUpdate{FinalStatus: models.MatchingMatched, AssignedWorkerID: "w1", AcceptedAt: &accepted, TimeToMatch: &ttm}, models.MatchingActive)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.UpdateMetrics(ctx, "job-m", models.MetricsUpdate{FinalStatus: models.MatchingCancelled}, models.MatchingActive)
	s.Require().NoError(err)
	s.False(ok)

	m, err := s.store.GetMetrics(ctx, "job-m")
	s.Require().NoError(err)
	s.Equal(models.MatchingMatched, m.FinalStatus)
	s.Equal("w1", m.AssignedWorkerID)
	s.Require().NotNil(m.TimeToMatch)
	s.InDelta(5.0, *m.TimeToMatch, 1e-9)

	matched, err := s.store.CountMetricsByStatus(ctx, models.MatchingMatched)
	s.Require().NoError(err)
	s.Equal(1, matched)

	list, err := s.store.ListMetrics(ctx, created.Add(-time.Hour), created.Add(time.Hour))
	s.Require().NoError(err)
	s.Len(list, 1)
}
