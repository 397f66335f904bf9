// Package threat hosts pluggable login-abuse heuristics. Each detector
// consumes a read-only Signal and returns its own Verdict; the Registry
// aggregates by highest severity. Detectors never fail the login path: an
// evaluation error downgrades to a logged, non-detected verdict.
package threat

import (
	"context"
	"time"

	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
)

// Signal is one observed authentication attempt.
type Signal struct {
	// Identifier is the credential identity being attempted (email, login).
	Identifier string
	IP         string
	UserAgent  string
	Endpoint   string
	// Success reports whether the credential check passed.
	Success   bool
	Timestamp time.Time
}

// Verdict is a single detector's judgement on a signal.
type Verdict struct {
	Detector       string
	Detected       bool
	Severity       string
	Confidence     float64
	Indicators     []string
	Recommendation string
}

// Detector is a single independent heuristic. Implementations may keep
// internal state (counters, histories) but never consult other detectors.
type Detector interface {
	Name() string
	Evaluate(ctx context.Context, sig Signal) (Verdict, error)
}

// Assessment is the aggregate over all registered detectors.
type Assessment struct {
	Detected       bool
	Severity       string
	Recommendation string
	Verdicts       []Verdict
}

// Registry runs a fixed set of detectors and aggregates their verdicts.
type Registry struct {
	detectors []Detector
	logger    logging.Logger
}

func NewRegistry(logger logging.Logger, detectors ...Detector) *Registry {
	return &Registry{detectors: detectors, logger: logger}
}

// Evaluate runs every detector against sig. The highest severity among
// detected verdicts wins; a detector error is logged and skipped so one
// broken heuristic cannot block authentication.
func (r *Registry) Evaluate(ctx context.Context, sig Signal) Assessment {
	out := Assessment{Severity: models.RiskLevelNone, Recommendation: models.RecommendationNone}
	for _, d := range r.detectors {
		v, err := d.Evaluate(ctx, sig)
		if err != nil {
			r.logger.Warn(ctx, "detector failed, skipping", "detector", d.Name(), "error", err)
			continue
		}
		v.Detector = d.Name()
		out.Verdicts = append(out.Verdicts, v)
		if !v.Detected {
			continue
		}
		out.Detected = true
		if models.MaxRiskLevel(out.Severity, v.Severity) == v.Severity && out.Severity != v.Severity {
			out.Severity = v.Severity
			out.Recommendation = v.Recommendation
		}
	}
	return out
}
