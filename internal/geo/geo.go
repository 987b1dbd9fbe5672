package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// Geo tracks live worker positions. The matcher overlays these on the
// coordinates held by the store, which may lag behind.
type Geo interface {
	Upsert(ctx context.Context, u models.LocationUpdate) error
	Positions(ctx context.Context, workerIDs []string) (map[string]models.Coord, error)
}

// Index is an in-process Geo.
type Index struct {
	mu      sync.RWMutex
	workers map[string]models.LocationUpdate
	maxAge  time.Duration
}

// NewIndex returns an Index that forgets positions older than maxAge
// (0 keeps them forever).
func NewIndex(maxAge time.Duration) *Index {
	return &Index{workers: make(map[string]models.LocationUpdate), maxAge: maxAge}
}

func (g *Index) Upsert(_ context.Context, u models.LocationUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u.At.IsZero() {
		u.At = time.Now()
	}
	g.workers[u.WorkerID] = u
	return nil
}

func (g *Index) Positions(_ context.Context, workerIDs []string) (map[string]models.Coord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]models.Coord, len(workerIDs))
	for _, id := range workerIDs {
		u, ok := g.workers[id]
		if !ok || !u.Online {
			continue
		}
		if g.maxAge > 0 && time.Since(u.At) > g.maxAge {
			continue
		}
		out[id] = u.Loc
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine between two coordinates, in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
