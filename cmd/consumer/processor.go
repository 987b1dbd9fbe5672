package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

// GeoUpdater is the subset of geo.Geo the consumer writes to.
type GeoUpdater interface {
	Upsert(ctx context.Context, u models.LocationUpdate) error
}

// LocationWriter persists the last known position on the worker record.
type LocationWriter interface {
	UpdateWorkerLocation(ctx context.Context, workerID string, loc models.Coord, online bool, at time.Time) error
}

type processor struct {
	geo      GeoUpdater
	store    LocationWriter // optional
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (p *processor) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.Inc()

	u, err := ingest.DecodeLocation(m)
	if err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid message", "error", err, "offset", m.Offset)
		return
	}
	log := p.logger.With("worker_id", u.WorkerID)

	if err := upsertWithRetry(ctx, p.geo, u, p.attempts, p.delay); err != nil {
		geoErrors.Inc()
		log.Error("geo update failed", "error", err)
	} else {
		geoUpdates.Inc()
	}

	if p.store == nil {
		return
	}
	if err := p.store.UpdateWorkerLocation(ctx, u.WorkerID, u.Loc, u.Online, u.At); err != nil {
		storeErrors.Inc()
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("location for unknown worker")
			return
		}
		log.Error("store update failed", "error", err)
	}
}

// upsertWithRetry retries the geo write with doubling delay.
func upsertWithRetry(ctx context.Context, g GeoUpdater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = g.Upsert(ctx, u); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
