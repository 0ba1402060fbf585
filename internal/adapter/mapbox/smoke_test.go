//go:build mapbox

package mapbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geocode-stream-service/internal/adapter/lru"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

// These tests hit the real Mapbox API and require a valid MAPBOX_TOKEN env var.
// Run with: go test -tags=mapbox ./internal/adapter/mapbox/ -v -count=1

func smokeClient(t *testing.T) *Client {
	t.Helper()
	token := os.Getenv("MAPBOX_TOKEN")
	if token == "" {
		t.Fatal("MAPBOX_TOKEN must be set to run smoke tests")
	}
	return NewClient(token, 10*time.Second, 0, observability.NewMetricsForTesting(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSmoke_GeocodeAddress(t *testing.T) {
	c := smokeClient(t)

	candidates, err := c.GeocodeAddress(context.Background(), "Austin, TX")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	best := candidates[0]
	assert.InDelta(t, 30.27, best.Geometry.Location.Lat, 0.1, "lat should be near Austin")
	assert.InDelta(t, -97.74, best.Geometry.Location.Lng, 0.1, "lng should be near Austin")
	assert.Contains(t, best.FormattedAddress, "Austin")
	assert.Greater(t, best.Relevance, 0.5)
}

func TestSmoke_GeocodeAddress_Nonsense(t *testing.T) {
	c := smokeClient(t)

	// Mapbox's fuzzy matching may still return results for nonsense queries;
	// either outcome must be a clean result or a status error.
	_, err := c.GeocodeAddress(context.Background(), "XYZNONEXISTENT99 ZZ")
	if err != nil {
		assert.ErrorContains(t, err, "ZERO_RESULTS")
	}
}

func TestSmoke_CachedGeocoder(t *testing.T) {
	c := smokeClient(t)
	cached := lru.NewCachedGeocoder(c, 10, observability.NewMetricsForTesting())

	r1, err := cached.GeocodeAddress(context.Background(), "Dallas, TX")
	require.NoError(t, err)
	require.NotEmpty(t, r1)
	assert.Contains(t, r1[0].FormattedAddress, "Dallas")

	r2, err := cached.GeocodeAddress(context.Background(), "dallas,  tx")
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}
