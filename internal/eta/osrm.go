package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient asks an OSRM server for the driving time between two points.
type OSRMClient struct {
	BaseURL string
	Profile string // OSRM profile, "driving" unless set
	HTTP    *http.Client
}

func NewOSRMClient(baseURL string) *OSRMClient {
	return &OSRMClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Profile: "driving",
		HTTP:    &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	// OSRM takes lon,lat pairs
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.BaseURL, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm decode (status %d): %w", resp.StatusCode, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoRoute, out.Code)
	}
	return out.Routes[0].Duration, nil
}
