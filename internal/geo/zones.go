package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/driver-dispatch/internal/models"
)

// Zone is a named circular service area.
type Zone struct {
	Name     string
	Center   models.Coord
	RadiusKm float64
}

// ZoneResolver maps a coordinate to the zones that contain it.
type ZoneResolver struct {
	zones []Zone
}

func NewZoneResolver(zones []Zone) *ZoneResolver {
	return &ZoneResolver{zones: zones}
}

// ZonesFor returns the names of all zones containing c. A nil resolver has no zones.
func (z *ZoneResolver) ZonesFor(c models.Coord) []string {
	if z == nil {
		return nil
	}
	var out []string
	for _, zone := range z.zones {
		if DistanceKm(zone.Center, c) <= zone.RadiusKm {
			out = append(out, zone.Name)
		}
	}
	return out
}

// ParseZones reads "name:lat:lon:radiusKm" entries separated by ';'.
func ParseZones(spec string) ([]Zone, error) {
	var zones []Zone
	for _, raw := range strings.Split(spec, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("zone %q: want name:lat:lon:radiusKm", raw)
		}
		var nums [3]float64
		for i, p := range parts[1:] {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", raw, err)
			}
			nums[i] = f
		}
		if nums[2] <= 0 {
			return nil, fmt.Errorf("zone %q: radius must be > 0", raw)
		}
		zones = append(zones, Zone{Name: strings.TrimSpace(parts[0]), Center: models.Coord{Lat: nums[0], Lon: nums[1]}, RadiusKm: nums[2]})
	}
	return zones, nil
}
