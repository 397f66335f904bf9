package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/dvasilenko/authguard/internal/server/counters"
	"github.com/dvasilenko/authguard/internal/server/models"
)

// BruteForceConfig tunes the volumetric detector. Thresholds are policy,
// not code: both are overridable from configuration.
type BruteForceConfig struct {
	// Threshold is the attempt count per ip:endpoint within Window that
	// trips the detector.
	Threshold int64
	Window    time.Duration
}

func DefaultBruteForceConfig() BruteForceConfig {
	return BruteForceConfig{Threshold: 20, Window: time.Minute}
}

// BruteForce fires on raw attempt volume from one IP against one endpoint,
// regardless of which accounts are targeted.
type BruteForce struct {
	store counters.Store
	cfg   BruteForceConfig
}

func NewBruteForce(store counters.Store, cfg BruteForceConfig) *BruteForce {
	def := DefaultBruteForceConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &BruteForce{store: store, cfg: cfg}
}

func (d *BruteForce) Name() string { return "brute_force" }

func (d *BruteForce) Evaluate(ctx context.Context, sig Signal) (Verdict, error) {
	key := "bf:" + sig.IP + ":" + sig.Endpoint
	count, err := d.store.Increment(ctx, key, d.cfg.Window)
	if err != nil {
		return Verdict{}, fmt.Errorf("brute force counter: %w", err)
	}
	if count.N < d.cfg.Threshold {
		return Verdict{Severity: models.RiskLevelNone}, nil
	}
	return Verdict{
		Detected:       true,
		Severity:       models.RiskLevelHigh,
		Confidence:     1,
		Indicators:     []string{fmt.Sprintf("%d attempts on %s within %s", count.N, sig.Endpoint, d.cfg.Window)},
		Recommendation: models.RecommendationBlock,
	}, nil
}
