package eta

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoRoute is returned when OSRM answers but finds no route between the points.
var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient asks an OSRM server for the driving time from a worker to a pickup.
type OSRMClient struct {
	Endpoint string
	Profile  string
	HTTP     *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		HTTP:     &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the fastest route. OSRM takes
// lon,lat pairs.
func (o *OSRMClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=false",
		o.Endpoint, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := o.HTTP.Get(u)
	if err != nil {
		return 0, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("osrm route: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var body osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("osrm route: decode: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return 0, fmt.Errorf("%w (code %q)", ErrNoRoute, body.Code)
	}
	return body.Routes[0].Duration, nil
}
