// Package routing talks to the directions API used for per-stop ETAs.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
)

// ErrProvider marks a transient routing failure: timeout, transport error,
// non-2xx response or a non-success status in the body.
var ErrProvider = errors.New("routing provider error")

// Leg is one hop between consecutive points of a route.
type Leg struct {
	DurationSeconds float64
	DistanceMeters  float64
}

// Provider returns one leg per stop: origin to stops[0], stops[0] to stops[1], ...
type Provider interface {
	Directions(ctx context.Context, origin model.LatLng, stops []model.LatLng) ([]Leg, error)
}

type Client struct {
	baseURL string
	apiKey  string
	mode    string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		mode:    "driving",
		client:  &http.Client{Timeout: timeout},
		logger:  logging.Component(logger, "routing"),
	}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		Legs []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
		} `json:"legs"`
	} `json:"routes"`
}

func point(p model.LatLng) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

func (c *Client) Directions(ctx context.Context, origin model.LatLng, stops []model.LatLng) ([]Leg, error) {
	if len(stops) == 0 {
		return nil, fmt.Errorf("directions: no stops")
	}

	q := url.Values{}
	q.Set("origin", point(origin))
	q.Set("destination", point(stops[len(stops)-1]))
	if len(stops) > 1 {
		wp := make([]string, 0, len(stops)-1)
		for _, s := range stops[:len(stops)-1] {
			wp = append(wp, point(s))
		}
		q.Set("waypoints", strings.Join(wp, "|"))
	}
	q.Set("mode", c.mode)
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create directions request: %w", err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "directions response body")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http status %d", ErrProvider, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}

	var out directionsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrProvider, err)
	}
	if out.Status != "SUCCESS" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("%w: status %q", ErrProvider, out.Status)
	}

	legs := make([]Leg, 0, len(out.Routes[0].Legs))
	for _, l := range out.Routes[0].Legs {
		legs = append(legs, Leg{DurationSeconds: l.Duration, DistanceMeters: l.Distance})
	}
	return legs, nil
}
