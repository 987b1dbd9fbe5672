package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent so Migrate can run on every start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

const jobColumns = `id, status, assigned_worker_id, version, pickup_lat, pickup_lon, drop_lat, drop_lon,
	pickup_address, drop_address, requested_time, requester_id, requester_name, requester_phone,
	estimated_fare, created_at, updated_at`

func (p *PostgresStore) SaveJob(ctx context.Context, j *models.Job) error {
	version := j.Version
	if version == 0 {
		version = 1
	}
	status := j.Status
	if status == "" {
		status = models.JobPending
	}
	created := j.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, assigned_worker_id=EXCLUDED.assigned_worker_id,
			version=EXCLUDED.version, updated_at=now()`,
		j.ID, status, nullString(j.AssignedWorkerID), version, j.Pickup.Lat, j.Pickup.Lon, j.Drop.Lat, j.Drop.Lon,
		j.PickupAddress, j.DropAddress, j.RequestedTime, j.RequesterID, j.RequesterName, j.RequesterPhone,
		j.EstimatedFare, created)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// ConditionalUpdateJob is a single guarded UPDATE; the row lock taken by
// Postgres serializes concurrent callers and at most one of them matches.
func (p *PostgresStore) ConditionalUpdateJob(ctx context.Context, id string, expectedStatus models.JobStatus, expectedVersion int64, newStatus models.JobStatus, workerID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs
		SET status=$1, assigned_worker_id=$2, version=version+1, updated_at=now()
		WHERE id=$3 AND status=$4 AND assigned_worker_id IS NULL AND version=$5`,
		newStatus, workerID, id, expectedStatus, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const workerColumns = `id, name, phone, vehicle, is_available, is_online, is_verified, is_active, zones,
	current_lat, current_lon, rating, last_seen_at`

func (p *PostgresStore) SaveWorker(ctx context.Context, w *models.Worker) error {
	var lat, lon sql.NullFloat64
	if w.Loc != nil {
		lat = sql.NullFloat64{Float64: w.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: w.Loc.Lon, Valid: true}
	}
	zones := w.Zones
	if zones == nil {
		zones = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO workers(`+workerColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, vehicle=EXCLUDED.vehicle,
			is_available=EXCLUDED.is_available, is_online=EXCLUDED.is_online, is_verified=EXCLUDED.is_verified,
			is_active=EXCLUDED.is_active, zones=EXCLUDED.zones, current_lat=EXCLUDED.current_lat,
			current_lon=EXCLUDED.current_lon, rating=EXCLUDED.rating, last_seen_at=EXCLUDED.last_seen_at`,
		w.ID, w.Name, w.Phone, w.Vehicle, w.IsAvailable, w.IsOnline, w.IsVerified, w.IsActive, pq.Array(zones),
		lat, lon, w.Rating, w.LastSeenAt)
	return err
}

func (p *PostgresStore) UpdateWorkerLocation(ctx context.Context, workerID string, loc models.Coord, online bool, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET current_lat=$1, current_lon=$2, is_online=$3, last_seen_at=$4 WHERE id=$5`,
		loc.Lat, loc.Lon, online, at, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (p *PostgresStore) GetWorkersMatching(ctx context.Context, filter models.WorkerFilter) ([]models.Worker, error) {
	zones := filter.Zones
	if zones == nil {
		zones = []string{}
	}
	exclude := filter.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE is_available AND is_online AND is_verified AND is_active
		  AND (cardinality($1::text[]) = 0 OR zones && $1::text[])
		  AND NOT (id = ANY($2::text[]))
		ORDER BY id`, pq.Array(zones), pq.Array(exclude))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountEligibleWorkers(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM workers
		WHERE is_available AND is_online AND is_verified AND is_active`).Scan(&n)
	return n, err
}

func (p *PostgresStore) CreateNotifications(ctx context.Context, jobID string, workerIDs []string, sentAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO job_notifications(job_id, worker_id, sent_at)
		SELECT $1, w, $3 FROM unnest($2::text[]) AS w`, jobID, pq.Array(workerIDs), sentAt)
	return mapUnique(err, fmt.Sprintf("notifications for job %s", jobID))
}

const notificationColumns = `job_id, worker_id, sent_at, response, responded_at`

func (p *PostgresStore) GetNotification(ctx context.Context, jobID, workerID string) (*models.Notification, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM job_notifications WHERE job_id=$1 AND worker_id=$2`, jobID, workerID)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s/%s: %w", jobID, workerID, ErrNotFound)
	}
	return n, err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, jobID string) ([]models.Notification, error) {
	return p.queryNotifications(ctx, `SELECT `+notificationColumns+` FROM job_notifications WHERE job_id=$1 ORDER BY sent_at, worker_id`, jobID)
}

func (p *PostgresStore) ListNotificationsSent(ctx context.Context, q models.NotificationQuery) ([]models.Notification, error) {
	return p.queryNotifications(ctx, `SELECT `+notificationColumns+` FROM job_notifications
		WHERE ($1 = '' OR worker_id = $1)
		  AND ($2::timestamptz IS NULL OR sent_at >= $2)
		  AND ($3::timestamptz IS NULL OR sent_at < $3)
		ORDER BY sent_at`, q.WorkerID, nullTime(q.From), nullTime(q.To))
}

func (p *PostgresStore) queryNotifications(ctx context.Context, query string, args ...any) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveNotification(ctx context.Context, jobID, workerID string, resp models.NotificationResponse, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE job_notifications SET response=$1, responded_at=$2
		WHERE job_id=$3 AND worker_id=$4 AND response IS NULL`, resp, at, jobID, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ExpirePendingNotifications(ctx context.Context, jobID string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE job_notifications SET response=$1, responded_at=$2
		WHERE job_id=$3 AND response IS NULL`, models.ResponseTimeout, at, jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) CountPendingNotifications(ctx context.Context, jobID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM job_notifications WHERE job_id=$1 AND response IS NULL`, jobID).Scan(&n)
	return n, err
}

const metricsColumns = `job_id, total_workers_notified, final_status, assigned_worker_id, created_at, accepted_at, time_to_match`

func (p *PostgresStore) CreateMetrics(ctx context.Context, m models.MatchingMetrics) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO matching_metrics(`+metricsColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		m.JobID, m.TotalWorkersNotified, m.FinalStatus, nullString(m.AssignedWorkerID), m.CreatedAt, m.AcceptedAt, m.TimeToMatch)
	return mapUnique(err, fmt.Sprintf("metrics %s", m.JobID))
}

func (p *PostgresStore) GetMetrics(ctx context.Context, jobID string) (*models.MatchingMetrics, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+metricsColumns+` FROM matching_metrics WHERE job_id=$1`, jobID)
	m, err := scanMetrics(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metrics %s: %w", jobID, ErrNotFound)
	}
	return m, err
}

func (p *PostgresStore) UpdateMetrics(ctx context.Context, jobID string, upd models.MetricsUpdate, expected models.FinalStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE matching_metrics
		SET final_status=$1,
		    assigned_worker_id=COALESCE($2, assigned_worker_id),
		    accepted_at=COALESCE($3, accepted_at),
		    time_to_match=COALESCE($4, time_to_match)
		WHERE job_id=$5 AND final_status=$6`,
		upd.FinalStatus, nullString(upd.AssignedWorkerID), upd.AcceptedAt, upd.TimeToMatch, jobID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CountMetricsByStatus(ctx context.Context, status models.FinalStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM matching_metrics WHERE final_status=$1`, status).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListMetrics(ctx context.Context, from, to time.Time) ([]models.MatchingMetrics, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+metricsColumns+` FROM matching_metrics
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at`, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MatchingMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListJobsCreated(ctx context.Context, from, to time.Time) ([]models.Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at`, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.Job, error) {
	var j models.Job
	var assigned sql.NullString
	err := s.Scan(&j.ID, &j.Status, &assigned, &j.Version, &j.Pickup.Lat, &j.Pickup.Lon, &j.Drop.Lat, &j.Drop.Lon,
		&j.PickupAddress, &j.DropAddress, &j.RequestedTime, &j.RequesterID, &j.RequesterName, &j.RequesterPhone,
		&j.EstimatedFare, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.AssignedWorkerID = assigned.String
	return &j, nil
}

func scanWorker(s scanner) (*models.Worker, error) {
	var w models.Worker
	var lat, lon sql.NullFloat64
	err := s.Scan(&w.ID, &w.Name, &w.Phone, &w.Vehicle, &w.IsAvailable, &w.IsOnline, &w.IsVerified, &w.IsActive,
		pq.Array(&w.Zones), &lat, &lon, &w.Rating, &w.LastSeenAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		w.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &w, nil
}

func scanNotification(s scanner) (*models.Notification, error) {
	var n models.Notification
	var resp sql.NullString
	var responded sql.NullTime
	if err := s.Scan(&n.JobID, &n.WorkerID, &n.SentAt, &resp, &responded); err != nil {
		return nil, err
	}
	n.Response = models.NotificationResponse(resp.String)
	if responded.Valid {
		t := responded.Time
		n.RespondedAt = &t
	}
	return &n, nil
}

func scanMetrics(s scanner) (*models.MatchingMetrics, error) {
	var m models.MatchingMetrics
	var assigned sql.NullString
	var accepted sql.NullTime
	var ttm sql.NullFloat64
	if err := s.Scan(&m.JobID, &m.TotalWorkersNotified, &m.FinalStatus, &assigned, &m.CreatedAt, &accepted, &ttm); err != nil {
		return nil, err
	}
	m.AssignedWorkerID = assigned.String
	if accepted.Valid {
		t := accepted.Time
		m.AcceptedAt = &t
	}
	if ttm.Valid {
		v := ttm.Float64
		m.TimeToMatch = &v
	}
	return &m, nil
}

func mapUnique(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
