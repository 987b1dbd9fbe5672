package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeOfLatitude(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	assert.InDelta(t, 111.19, d, 0.01)
}

func TestIndexPositionsSkipsOfflineAndStale(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(time.Minute)
	require.NoError(t, idx.Upsert(ctx, models.LocationUpdate{WorkerID: "fresh", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}))
	require.NoError(t, idx.Upsert(ctx, models.LocationUpdate{WorkerID: "offline", Loc: models.Coord{Lat: 1, Lon: 2}, Online: false}))
	require.NoError(t, idx.Upsert(ctx, models.LocationUpdate{WorkerID: "stale", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true, At: time.Now().Add(-time.Hour)}))

	pos, err := idx.Positions(ctx, []string{"fresh", "offline", "stale", "unknown"})
	require.NoError(t, err)
	assert.Len(t, pos, 1)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, pos["fresh"])
}

func TestZoneResolver(t *testing.T) {
	zones, err := ParseZones("center:52.52:13.40:5; airport:52.36:13.50:3")
	require.NoError(t, err)
	require.Len(t, zones, 2)

	r := NewZoneResolver(zones)
	assert.Equal(t, []string{"center"}, r.ZonesFor(models.Coord{Lat: 52.521, Lon: 13.401}))
	assert.Empty(t, r.ZonesFor(models.Coord{Lat: 48.0, Lon: 11.0}))

	var nilResolver *ZoneResolver
	assert.Empty(t, nilResolver.ZonesFor(models.Coord{}))
}

func TestParseZonesRejectsMalformed(t *testing.T) {
	_, err := ParseZones("center:52.52:13.40")
	assert.Error(t, err)
	_, err = ParseZones("center:x:13.40:5")
	assert.Error(t, err)
	_, err = ParseZones("center:52.52:13.40:0")
	assert.Error(t, err)

	zones, err := ParseZones("")
	require.NoError(t, err)
	assert.Empty(t, zones)
}
