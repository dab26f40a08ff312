package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

// ErrNoRoute is returned when OSRM answers but has no drivable route.
var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient asks an OSRM server for driving routes.
type OSRMClient struct {
	base    string
	profile string
	http    *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		base:    strings.TrimRight(endpoint, "/"),
		profile: "driving",
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

// Route calls /route/v1/{profile}/{lon,lat;lon,lat}. OSRM orders coordinates
// longitude first.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	coords := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	u := o.base + "/route/v1/" + o.profile + "/" + coords + "?" + url.Values{
		"overview":     {"false"},
		"alternatives": {"false"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out osrmResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("osrm status %d: %w", resp.StatusCode, err)
	}
	// OSRM reports NoRoute with a 400 and a JSON body.
	if out.Code == "NoRoute" || (out.Code == "Ok" && len(out.Routes) == 0) {
		return Route{}, ErrNoRoute
	}
	if resp.StatusCode != http.StatusOK || out.Code != "Ok" {
		return Route{}, fmt.Errorf("osrm status %d: %s %s", resp.StatusCode, out.Code, out.Message)
	}
	return Route{Meters: out.Routes[0].Distance, Seconds: out.Routes[0].Duration}, nil
}
