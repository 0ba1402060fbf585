package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

const (
	defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	defaultLimit   = 5
)

// Client implements domain.Geocoder using the Mapbox forward Geocoding API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limit      int
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox geocoding client returning up to limit
// candidates per address (5 when limit <= 0).
func NewClient(token string, timeout time.Duration, limit int, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: defaultBaseURL,
		limit:   limit,
		metrics: metrics,
		logger:  logger,
	}
}

// GeocodeAddress converts a free-form address to candidates, most relevant first.
func (c *Client) GeocodeAddress(ctx context.Context, address string) ([]domain.Candidate, error) {
	u := fmt.Sprintf("%s/%s.json", c.baseURL, url.PathEscape(address))
	params := url.Values{
		"access_token": {c.token},
		"limit":        {strconv.Itoa(c.limit)},
		"autocomplete": {"false"},
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, u+"?"+params.Encode())
	if c.metrics != nil {
		c.metrics.GeocodeAPIDuration.WithLabelValues("mapbox").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if len(resp.Features) == 0 {
		return nil, &domain.StatusError{Status: domain.StatusZeroResults}
	}

	candidates := make([]domain.Candidate, 0, len(resp.Features))
	for _, f := range resp.Features {
		candidates = append(candidates, f.candidate())
	}
	c.logger.Debug("mapbox geocode", "address", address, "candidates", len(candidates))
	return candidates, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("mapbox geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return response{}, &domain.StatusError{
			Status:  statusFromHTTP(resp.StatusCode),
			Message: fmt.Sprintf("mapbox API error: status %d: %s", resp.StatusCode, body),
		}
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return mapboxResp, nil
}

// statusFromHTTP maps Mapbox HTTP errors onto the shared status vocabulary.
func statusFromHTTP(code int) string {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.StatusRequestDenied
	case http.StatusTooManyRequests:
		return domain.StatusOverQueryLimit
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return domain.StatusInvalidRequest
	default:
		return domain.StatusUnknownError
	}
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID        string    `json:"id"`
	Center    []float64 `json:"center"` // [lon, lat]
	PlaceName string    `json:"place_name"`
	PlaceType []string  `json:"place_type"`
	Relevance float64   `json:"relevance"`
}

func (f feature) candidate() domain.Candidate {
	c := domain.Candidate{
		FormattedAddress: f.PlaceName,
		PlaceID:          f.ID,
		Types:            f.PlaceType,
		Relevance:        f.Relevance,
		PartialMatch:     f.Relevance < 1,
		Source:           "mapbox",
	}
	if len(f.Center) == 2 {
		c.Geometry.Location = domain.LatLng{Lat: f.Center[1], Lng: f.Center[0]}
	}
	c.Geometry.LocationType = locationType(f.PlaceType)
	return c
}

// locationType approximates Google's location_type from the Mapbox place type.
func locationType(placeTypes []string) string {
	for _, t := range placeTypes {
		switch t {
		case "address":
			return "ROOFTOP"
		case "poi":
			return "GEOMETRIC_CENTER"
		}
	}
	return "APPROXIMATE"
}
