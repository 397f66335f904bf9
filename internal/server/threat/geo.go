package threat

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// Location is a geographic point in decimal degrees.
type Location struct {
	Lat float64
	Lon float64
}

// GeoResolver maps an IP address to a location. The boolean is false when
// the resolver has no data for the address.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (Location, bool, error)
}

// StaticResolver is an in-memory GeoResolver backed by a fixed table.
// Production deployments plug in a GeoIP database behind the same interface.
type StaticResolver struct {
	table map[string]Location
}

func NewStaticResolver(table map[string]Location) *StaticResolver {
	return &StaticResolver{table: table}
}

func (r *StaticResolver) Resolve(_ context.Context, ip string) (Location, bool, error) {
	loc, ok := r.table[ip]
	return loc, ok, nil
}

// GeoAnomalyConfig tunes the impossible-travel heuristic.
type GeoAnomalyConfig struct {
	// MaxSpeedKMH is the fastest feasible travel speed; a login implying a
	// higher speed from the previous login location is anomalous.
	MaxSpeedKMH float64
	// MinDistanceKM ignores short hops so that resolver imprecision and
	// same-city address churn do not fire the detector.
	MinDistanceKM float64
	// HistorySize bounds the number of subjects tracked.
	HistorySize int
}

func DefaultGeoAnomalyConfig() GeoAnomalyConfig {
	return GeoAnomalyConfig{MaxSpeedKMH: 1000, MinDistanceKM: 100, HistorySize: 8192}
}

type lastLogin struct {
	loc Location
	at  time.Time
}

// GeoAnomaly flags logins whose location is unreachable from the subject's
// previous login within the elapsed time. The anchor moves only on
// successful logins so failed probes cannot relocate a subject.
type GeoAnomaly struct {
	resolver GeoResolver
	last     *lru.Cache[string, lastLogin]
	cfg      GeoAnomalyConfig
}

func NewGeoAnomaly(resolver GeoResolver, cfg GeoAnomalyConfig) (*GeoAnomaly, error) {
	def := DefaultGeoAnomalyConfig()
	if cfg.MaxSpeedKMH <= 0 {
		cfg.MaxSpeedKMH = def.MaxSpeedKMH
	}
	if cfg.MinDistanceKM <= 0 {
		cfg.MinDistanceKM = def.MinDistanceKM
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	last, err := lru.New[string, lastLogin](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("geo history: %w", err)
	}
	return &GeoAnomaly{resolver: resolver, last: last, cfg: cfg}, nil
}

func (d *GeoAnomaly) Name() string { return "geo_anomaly" }

func (d *GeoAnomaly) Evaluate(ctx context.Context, sig Signal) (Verdict, error) {
	if sig.Identifier == "" {
		return Verdict{Severity: models.RiskLevelNone}, nil
	}
	loc, ok, err := d.resolver.Resolve(ctx, sig.IP)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve %s: %w", sig.IP, err)
	}
	if !ok {
		return Verdict{Severity: models.RiskLevelNone}, nil
	}

	verdict := Verdict{Severity: models.RiskLevelNone}
	if prev, found := d.last.Get(sig.Identifier); found {
		dist := haversineKM(prev.loc, loc)
		elapsed := sig.Timestamp.Sub(prev.at)
		if elapsed < time.Second {
			elapsed = time.Second
		}
		speed := dist / elapsed.Hours()
		if dist >= d.cfg.MinDistanceKM && speed > d.cfg.MaxSpeedKMH {
			verdict = Verdict{
				Detected:   true,
				Severity:   models.RiskLevelHigh,
				Confidence: 1,
				Indicators: []string{
					fmt.Sprintf("%.0f km in %s implies %.0f km/h", dist, elapsed, speed),
				},
				Recommendation: models.RecommendationBlock,
			}
		}
	}

	if sig.Success {
		d.last.Add(sig.Identifier, lastLogin{loc: loc, at: sig.Timestamp})
	}
	return verdict, nil
}

// haversineKM returns the great-circle distance between two points.
func haversineKM(a, b Location) float64 {
	const earthRadiusKM = 6371.0
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
