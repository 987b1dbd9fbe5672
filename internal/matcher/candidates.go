package matcher

import (
	"context"
	"sort"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

type candidate struct {
	worker models.Worker
	distKm float64
	known  bool // position known, distKm valid
}

func (s *Service) selectCandidates(ctx context.Context, job *models.Job, opts MatchOptions) ([]candidate, error) {
	filter := models.WorkerFilter{
		Zones:      s.zones.ZonesFor(job.Pickup),
		ExcludeIDs: opts.ExcludeWorkerIDs,
	}
	workers, err := s.store.GetWorkersMatching(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "load workers")
	}
	s.overlayPositions(ctx, workers)

	cands := make([]candidate, 0, len(workers))
	for _, w := range workers {
		c := candidate{worker: w}
		if w.Loc != nil {
			c.known = true
			c.distKm = geo.DistanceKm(*w.Loc, job.Pickup)
		}
		if opts.MaxDistanceKm != nil && (!c.known || c.distKm > *opts.MaxDistanceKm) {
			continue
		}
		cands = append(cands, c)
	}
	rankCandidates(cands)

	limit := opts.MaxWorkers
	if limit <= 0 {
		limit = s.cfg.MaxWorkers
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

// overlayPositions replaces stored coordinates with live ones when the
// location index knows them. Index failures only cost accuracy.
func (s *Service) overlayPositions(ctx context.Context, workers []models.Worker) {
	if s.geo == nil || len(workers) == 0 {
		return
	}
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	pos, err := s.geo.Positions(ctx, ids)
	if err != nil {
		s.logger.Warn("live positions unavailable", "error", err)
		return
	}
	for i := range workers {
		if p, ok := pos[workers[i].ID]; ok {
			loc := p
			workers[i].Loc = &loc
		}
	}
}

// rankCandidates orders by distance (unknown last), then rating, then most
// recently seen, then id.
func rankCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.known != b.known {
			return a.known
		}
		if a.known && a.distKm != b.distKm {
			return a.distKm < b.distKm
		}
		if a.worker.Rating != b.worker.Rating {
			return a.worker.Rating > b.worker.Rating
		}
		if !a.worker.LastSeenAt.Equal(b.worker.LastSeenAt) {
			return a.worker.LastSeenAt.After(b.worker.LastSeenAt)
		}
		return a.worker.ID < b.worker.ID
	})
}
