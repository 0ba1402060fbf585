package domain

import "context"

// ErrNoCandidates is reported when a provider answers successfully but
// returns no candidates at all.
var ErrNoCandidates = &StatusError{Status: StatusZeroResults}

// Provider status codes, following the Google Geocoding API vocabulary.
const (
	StatusZeroResults    = "ZERO_RESULTS"
	StatusOverQueryLimit = "OVER_QUERY_LIMIT"
	StatusRequestDenied  = "REQUEST_DENIED"
	StatusInvalidRequest = "INVALID_REQUEST"
	StatusUnknownError   = "UNKNOWN_ERROR"
)

// LatLng is a WGS-84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geometry holds the coordinate of a candidate and how precise it is.
type Geometry struct {
	Location     LatLng `json:"location"`
	LocationType string `json:"location_type,omitempty"` // ROOFTOP, RANGE_INTERPOLATED, GEOMETRIC_CENTER, APPROXIMATE
}

// Candidate is one match returned by a geocoding provider.
type Candidate struct {
	FormattedAddress string   `json:"formatted_address,omitempty"`
	Geometry         Geometry `json:"geometry"`
	PlaceID          string   `json:"place_id,omitempty"`
	Types            []string `json:"types,omitempty"`
	PartialMatch     bool     `json:"partial_match,omitempty"`
	Relevance        float64  `json:"relevance,omitempty"` // 0.0–1.0, Mapbox only
	Source           string   `json:"source,omitempty"`    // "google", "mapbox"
}

// Geocoder resolves an address string to an ordered list of candidates,
// best match first. A successful call returns at least one candidate.
type Geocoder interface {
	GeocodeAddress(ctx context.Context, address string) ([]Candidate, error)
}

// GeocoderFunc adapts a plain function to the Geocoder interface.
type GeocoderFunc func(ctx context.Context, address string) ([]Candidate, error)

func (f GeocoderFunc) GeocodeAddress(ctx context.Context, address string) ([]Candidate, error) {
	return f(ctx, address)
}

// StatusError is a provider-level lookup failure. Its message is the status
// code, optionally followed by the provider's explanation.
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status
	}
	return e.Status + ": " + e.Message
}

// Is matches any StatusError with the same status.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == e.Status
}
