package matcher

import (
	"context"
	"math"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

func (s *Service) offerMessage(ctx context.Context, job *models.Job, c candidate, expiresAt time.Time) models.Message {
	data := map[string]any{
		"pickup":         job.Pickup,
		"drop":           job.Drop,
		"pickup_address": job.PickupAddress,
		"drop_address":   job.DropAddress,
		"requested_time": job.RequestedTime,
		"estimated_fare": job.EstimatedFare,
		"expires_at":     expiresAt,
	}
	if c.known {
		data["distance_km"] = round1(c.distKm)
		data["eta_seconds"] = math.Round(s.eta.Estimate(ctx, *c.worker.Loc, job.Pickup))
	}
	return models.Message{Type: models.MessageJobOffer, JobID: job.ID, Data: data, SentAt: s.now()}
}

func assignedMessage(job *models.Job, now time.Time) models.Message {
	return models.Message{Type: models.MessageJobAssigned, JobID: job.ID, SentAt: now, Data: map[string]any{
		"pickup":          job.Pickup,
		"drop":            job.Drop,
		"pickup_address":  job.PickupAddress,
		"drop_address":    job.DropAddress,
		"requested_time":  job.RequestedTime,
		"estimated_fare":  job.EstimatedFare,
		"requester_id":    job.RequesterID,
		"requester_name":  job.RequesterName,
		"requester_phone": job.RequesterPhone,
	}}
}

func workerAssignedMessage(job *models.Job, w *models.Worker, now time.Time) models.Message {
	data := map[string]any{
		"worker_id":    w.ID,
		"worker_name":  w.Name,
		"worker_phone": w.Phone,
		"vehicle":      w.Vehicle,
		"rating":       w.Rating,
	}
	if w.Loc != nil {
		data["worker_loc"] = *w.Loc
	}
	return models.Message{Type: models.MessageWorkerAssigned, JobID: job.ID, SentAt: now, Data: data}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
