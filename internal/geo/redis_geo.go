package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Offline workers are
// removed from the geo set so they never resolve to a position.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, u models.LocationUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	if u.Online {
		if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Loc.Lon, Latitude: u.Loc.Lat, Name: u.WorkerID}).Err(); err != nil {
			return fmt.Errorf("geoadd %s: %w", u.WorkerID, err)
		}
	} else if err := r.client.ZRem(ctx, r.key, u.WorkerID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", u.WorkerID, err)
	}
	return r.client.HSet(ctx, metaKey(u.WorkerID), map[string]interface{}{
		"online":  strconv.FormatBool(u.Online),
		"updated": u.At.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Positions(ctx context.Context, workerIDs []string) (map[string]models.Coord, error) {
	out := make(map[string]models.Coord, len(workerIDs))
	if len(workerIDs) == 0 {
		return out, nil
	}
	res, err := r.client.GeoPos(ctx, r.key, workerIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("geopos: %w", err)
	}
	for i, pos := range res {
		if pos == nil {
			continue
		}
		out[workerIDs[i]] = models.Coord{Lat: pos.Latitude, Lon: pos.Longitude}
	}
	return out, nil
}

func metaKey(id string) string { return "worker:meta:" + id }
