// Package google implements domain.Geocoder against the Google Geocoding API.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

const (
	defaultBaseURL = "https://maps.googleapis.com/maps/api/geocode/json"
	statusOK       = "OK"
)

// Client geocodes addresses with the Google Geocoding API.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Google geocoding client.
func NewClient(apiKey string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		metrics:    metrics,
		logger:     logger,
	}
}

// GeocodeAddress returns every result Google reports for address. A status
// other than OK is returned as a *domain.StatusError.
func (c *Client) GeocodeAddress(ctx context.Context, address string) ([]domain.Candidate, error) {
	if c.apiKey == "" {
		return nil, errors.New("google geocode: api key not configured")
	}

	params := url.Values{
		"address": {address},
		"key":     {c.apiKey},
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, c.baseURL+"?"+params.Encode())
	if c.metrics != nil {
		c.metrics.GeocodeAPIDuration.WithLabelValues("google").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if resp.Status != statusOK {
		return nil, &domain.StatusError{Status: resp.Status, Message: resp.ErrorMessage}
	}

	candidates := make([]domain.Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		candidates = append(candidates, domain.Candidate{
			FormattedAddress: r.FormattedAddress,
			Geometry: domain.Geometry{
				Location:     domain.LatLng{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
				LocationType: r.Geometry.LocationType,
			},
			PlaceID:      r.PlaceID,
			Types:        r.Types,
			PartialMatch: r.PartialMatch,
			Source:       "google",
		})
	}
	c.logger.Debug("google geocode", "address", address, "candidates", len(candidates))
	return candidates, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (geocodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return geocodeResponse{}, fmt.Errorf("google geocode: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return geocodeResponse{}, fmt.Errorf("google geocode: request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return geocodeResponse{}, fmt.Errorf("google geocode: returned status %d: %s", resp.StatusCode, body)
	}

	var out geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return geocodeResponse{}, fmt.Errorf("google geocode: parse response: %w", err)
	}
	return out, nil
}

// geocodeResponse is the JSON response from the Google Geocoding API.
type geocodeResponse struct {
	Results      []result `json:"results"`
	Status       string   `json:"status"`
	ErrorMessage string   `json:"error_message"`
}

type result struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress string   `json:"formatted_address"`
	PlaceID          string   `json:"place_id"`
	Types            []string `json:"types"`
	PartialMatch     bool     `json:"partial_match"`
}
