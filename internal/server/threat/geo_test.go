package threat

import (
	"context"
	"testing"
	"time"

	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var geoTable = map[string]Location{
	"203.0.113.1": {Lat: 52.52, Lon: 13.405},   // Berlin
	"203.0.113.2": {Lat: 35.676, Lon: 139.65},  // Tokyo
	"203.0.113.3": {Lat: 52.4, Lon: 13.06},     // Potsdam, ~30 km from Berlin
	"203.0.113.4": {Lat: 48.857, Lon: 2.352},   // Paris
}

func newGeoDetector(t *testing.T) *GeoAnomaly {
	t.Helper()
	d, err := NewGeoAnomaly(NewStaticResolver(geoTable), GeoAnomalyConfig{MaxSpeedKMH: 1000, MinDistanceKM: 100})
	require.NoError(t, err)
	return d
}

func TestGeoAnomalyFlagsImpossibleTravel(t *testing.T) {
	ctx := context.Background()
	d := newGeoDetector(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Successful login from Berlin anchors the subject.
	v, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.1", Success: true, Timestamp: now})
	require.NoError(t, err)
	assert.False(t, v.Detected)

	// Tokyo ten minutes later is ~8900 km, far beyond 1000 km/h.
	v, err = d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.2", Timestamp: now.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, v.Detected)
	assert.Equal(t, models.RiskLevelHigh, v.Severity)
}

func TestGeoAnomalyAllowsFeasibleTravel(t *testing.T) {
	ctx := context.Background()
	d := newGeoDetector(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.1", Success: true, Timestamp: now})
	require.NoError(t, err)

	// Berlin to Paris (~880 km) after two hours is an ordinary flight.
	v, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.4", Timestamp: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, v.Detected)
}

func TestGeoAnomalyIgnoresShortHops(t *testing.T) {
	ctx := context.Background()
	d := newGeoDetector(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.1", Success: true, Timestamp: now})
	require.NoError(t, err)

	// Berlin to Potsdam within a second is below the distance floor.
	v, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.3", Timestamp: now.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, v.Detected)
}

func TestGeoAnomalyFailedLoginDoesNotMoveAnchor(t *testing.T) {
	ctx := context.Background()
	d := newGeoDetector(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.1", Success: true, Timestamp: now})
	require.NoError(t, err)

	// A failed probe from Tokyo must not relocate alice.
	_, err = d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.2", Timestamp: now.Add(10 * time.Minute)})
	require.NoError(t, err)

	// Her real login near Berlin shortly after stays clean.
	v, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "203.0.113.3", Success: true, Timestamp: now.Add(20 * time.Minute)})
	require.NoError(t, err)
	assert.False(t, v.Detected)
}

func TestGeoAnomalyUnknownIPStaysQuiet(t *testing.T) {
	ctx := context.Background()
	d := newGeoDetector(t)

	v, err := d.Evaluate(ctx, Signal{Identifier: "alice", IP: "10.0.0.1", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, v.Detected)
}
